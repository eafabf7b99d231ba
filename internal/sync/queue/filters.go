package queue

import (
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/agrilink/fieldsync/backend/internal/models"
)

// Filter is one predicate over pending operations. SQL returns a WHERE
// fragment for the SQLite store, or "" when the predicate can only be
// evaluated in memory. Match evaluates the same predicate in Go.
type Filter interface {
	SQL() string
	Args() []interface{}
	Match(op *models.PendingOperation) bool
}

// UserFilter keeps operations owned by one user.
type UserFilter struct {
	UserID string
}

func (f UserFilter) SQL() string         { return "user_id = ?" }
func (f UserFilter) Args() []interface{} { return []interface{}{f.UserID} }

func (f UserFilter) Match(op *models.PendingOperation) bool {
	return op.UserID == f.UserID
}

// EntityTypeFilter keeps operations on one entity type.
type EntityTypeFilter struct {
	EntityType string
}

func (f EntityTypeFilter) SQL() string         { return "entity_type = ?" }
func (f EntityTypeFilter) Args() []interface{} { return []interface{}{f.EntityType} }

func (f EntityTypeFilter) Match(op *models.PendingOperation) bool {
	return op.EntityType == f.EntityType
}

// OperationFilter keeps one operation kind.
type OperationFilter struct {
	Operation models.OperationKind
}

func (f OperationFilter) SQL() string         { return "operation = ?" }
func (f OperationFilter) Args() []interface{} { return []interface{}{string(f.Operation)} }

func (f OperationFilter) Match(op *models.PendingOperation) bool {
	return op.Operation == f.Operation
}

// StatusFilter keeps pending (never failed) or failed operations.
type StatusFilter struct {
	Status models.OperationStatus
}

func (f StatusFilter) SQL() string {
	if f.Status == models.StatusFailed {
		return "retries > 0"
	}
	return "retries = 0"
}

func (f StatusFilter) Args() []interface{} { return nil }

func (f StatusFilter) Match(op *models.PendingOperation) bool {
	return op.Status() == f.Status
}

// SearchFilter fuzzy-matches the query against the entity id and the string
// values of the payload. It has no SQL form.
type SearchFilter struct {
	Query string
}

func (f SearchFilter) SQL() string         { return "" }
func (f SearchFilter) Args() []interface{} { return nil }

func (f SearchFilter) Match(op *models.PendingOperation) bool {
	query := strings.TrimSpace(f.Query)
	if query == "" {
		return true
	}
	if fuzzy.MatchNormalizedFold(query, op.EntityID) {
		return true
	}
	for _, v := range op.Payload {
		if s, ok := v.(string); ok && fuzzy.MatchNormalizedFold(query, s) {
			return true
		}
	}
	return false
}

// FilterBuilder combines filters with AND.
type FilterBuilder struct {
	filters []Filter
}

// NewFilterBuilder creates an empty builder.
func NewFilterBuilder() *FilterBuilder {
	return &FilterBuilder{}
}

// Add appends f.
func (b *FilterBuilder) Add(f Filter) *FilterBuilder {
	b.filters = append(b.filters, f)
	return b
}

// Len returns the number of filters.
func (b *FilterBuilder) Len() int {
	return len(b.filters)
}

// Build returns the WHERE clause (without the keyword) and its arguments for
// every filter with an SQL form. An empty clause means no SQL filtering.
func (b *FilterBuilder) Build() (string, []interface{}) {
	var clauses []string
	var args []interface{}
	for _, f := range b.filters {
		sql := f.SQL()
		if sql == "" {
			continue
		}
		clauses = append(clauses, sql)
		args = append(args, f.Args()...)
	}
	return strings.Join(clauses, " AND "), args
}

// Residual reports whether some filters must still be applied in memory
// after the SQL clause from Build.
func (b *FilterBuilder) Residual() bool {
	for _, f := range b.filters {
		if f.SQL() == "" {
			return true
		}
	}
	return false
}

// Match reports whether op satisfies every filter.
func (b *FilterBuilder) Match(op *models.PendingOperation) bool {
	for _, f := range b.filters {
		if !f.Match(op) {
			return false
		}
	}
	return true
}
