// Package ids generates and validates the identifiers used by the sync
// subsystem: client-generated entity ids (UUID v4) and queue operation ids
// (ULID, monotonic within the process).
package ids

import (
	"crypto/rand"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	apperrors "github.com/agrilink/fieldsync/backend/internal/errors"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// NewEntityID generates a client-side entity identifier. It is sent to the
// server on creation so replays of the same create stay idempotent.
func NewEntityID() string {
	return uuid.New().String()
}

// IsValidEntityID checks if a string is a valid UUID v4.
func IsValidEntityID(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// ValidateEntityID returns a validation error if s is not a UUID v4.
func ValidateEntityID(s string) error {
	if !IsValidEntityID(s) {
		return apperrors.New(apperrors.KindValidation, apperrors.ErrValidation,
			"invalid entity id: "+s)
	}
	return nil
}

var (
	opMu      sync.Mutex
	opEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewOperationID returns a ULID whose lexical order follows generation order,
// including ids generated within the same millisecond.
func NewOperationID() string {
	return newOperationIDAt(time.Now())
}

func newOperationIDAt(t time.Time) string {
	opMu.Lock()
	defer opMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), opEntropy).String()
}

// OperationTime extracts the creation time embedded in an operation id.
func OperationTime(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, apperrors.Wrap(apperrors.KindValidation, apperrors.ErrValidation,
			"invalid operation id", err)
	}
	return ulid.Time(parsed.Time()), nil
}
