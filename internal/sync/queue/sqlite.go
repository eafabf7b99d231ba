package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/goccy/go-json"

	apperrors "github.com/agrilink/fieldsync/backend/internal/errors"
	"github.com/agrilink/fieldsync/backend/internal/logging"
	"github.com/agrilink/fieldsync/backend/internal/models"
)

const selectColumns = `SELECT id, entity_id, entity_type, operation, payload, timestamp,
	retries, user_id, last_error, created_at FROM pending_operations`

// SQLiteStore keeps pending operations in the pending_operations table.
// Insertion order is the AUTOINCREMENT seq column.
type SQLiteStore struct {
	db     *sql.DB
	now    func() time.Time
	logger *logging.Logger
}

// NewSQLiteStore creates a store on a migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		db:     db,
		now:    time.Now,
		logger: logging.Get().Named("queue"),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*models.PendingOperation, error) {
	var op models.PendingOperation
	var operation string
	var payload string
	if err := row.Scan(&op.ID, &op.EntityID, &op.EntityType, &operation, &payload,
		&op.Timestamp, &op.Retries, &op.UserID, &op.LastError, &op.CreatedAt); err != nil {
		return nil, err
	}
	op.Operation = models.OperationKind(operation)
	op.Payload = models.Payload{}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
			return nil, apperrors.Wrap(apperrors.KindStorage, apperrors.ErrDatabase,
				"corrupt payload for operation "+op.ID, err)
		}
	}
	return &op, nil
}

func storageErr(msg string, err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Wrap(apperrors.KindStorage, apperrors.ErrDatabase, msg, err)
}

func encodePayload(p models.Payload) (string, error) {
	if p == nil {
		p = models.Payload{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindValidation, apperrors.ErrValidation, "payload is not serializable", err)
	}
	return string(b), nil
}

func (s *SQLiteStore) nowMs() int64 {
	return s.now().UnixMilli()
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) insert(ctx context.Context, q queryer, op *models.PendingOperation) error {
	payload, err := encodePayload(op.Payload)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO pending_operations
		(id, entity_id, entity_type, operation, payload, timestamp, retries, user_id, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.EntityID, op.EntityType, string(op.Operation), payload,
		op.Timestamp, op.Retries, op.UserID, op.LastError, op.CreatedAt)
	return err
}

func (s *SQLiteStore) findByEntity(ctx context.Context, q queryer, entityID, userID string) (*models.PendingOperation, error) {
	row := q.QueryRowContext(ctx, selectColumns+` WHERE entity_id = ? AND user_id = ?`, entityID, userID)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(entityID)
	}
	if err != nil {
		return nil, storageErr("failed to read pending operation", err)
	}
	return op, nil
}

func (s *SQLiteStore) get(ctx context.Context, q queryer, id string) (*models.PendingOperation, error) {
	op, err := scanOperation(q.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, storageErr("failed to read pending operation", err)
	}
	return op, nil
}

func (s *SQLiteStore) merge(ctx context.Context, q queryer, current *models.PendingOperation, patch models.Payload) (*models.PendingOperation, error) {
	merged := current.Clone()
	merged.Payload = current.Payload.Merge(patch)
	merged.Timestamp = nextTimestamp(s.nowMs(), current.Timestamp)

	payload, err := encodePayload(merged.Payload)
	if err != nil {
		return nil, err
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE pending_operations SET payload = ?, timestamp = ? WHERE id = ?`,
		payload, merged.Timestamp, merged.ID); err != nil {
		return nil, storageErr("failed to merge pending operation", err)
	}
	return merged, nil
}

// Enqueue implements Store.
func (s *SQLiteStore) Enqueue(ctx context.Context, op *models.PendingOperation) error {
	if err := prepare(op, s.nowMs()); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := s.findByEntity(ctx, tx, op.EntityID, op.UserID); err == nil {
		return duplicate(op)
	} else if !apperrors.IsNotFound(err) {
		return err
	}

	if err := s.insert(ctx, tx, op); err != nil {
		return storageErr("failed to insert pending operation", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit pending operation", err)
	}

	s.logger.Debug("Enqueued operation", map[string]interface{}{
		"op_id": op.ID, "entity_type": op.EntityType, "entity_id": op.EntityID, "operation": string(op.Operation),
	})
	return nil
}

// Upsert implements Store.
func (s *SQLiteStore) Upsert(ctx context.Context, op *models.PendingOperation) (*models.PendingOperation, bool, error) {
	if err := prepare(op, s.nowMs()); err != nil {
		return nil, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	current, err := s.findByEntity(ctx, tx, op.EntityID, op.UserID)
	switch {
	case err == nil:
		merged, err := s.merge(ctx, tx, current, op.Payload)
		if err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, storageErr("failed to commit merge", err)
		}
		s.logger.Debug("Merged operation", map[string]interface{}{
			"op_id": merged.ID, "entity_type": merged.EntityType, "entity_id": merged.EntityID,
		})
		return merged, true, nil
	case !apperrors.IsNotFound(err):
		return nil, false, err
	}

	if err := s.insert(ctx, tx, op); err != nil {
		return nil, false, storageErr("failed to insert pending operation", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, storageErr("failed to commit pending operation", err)
	}
	s.logger.Debug("Enqueued operation", map[string]interface{}{
		"op_id": op.ID, "entity_type": op.EntityType, "entity_id": op.EntityID, "operation": string(op.Operation),
	})
	return op.Clone(), false, nil
}

// FindByEntity implements Store.
func (s *SQLiteStore) FindByEntity(ctx context.Context, entityID, userID string) (*models.PendingOperation, error) {
	return s.findByEntity(ctx, s.db, entityID, userID)
}

// MergePayload implements Store.
func (s *SQLiteStore) MergePayload(ctx context.Context, id string, patch models.Payload) (*models.PendingOperation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	current, err := s.get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	merged, err := s.merge(ctx, tx, current, patch)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("failed to commit merge", err)
	}
	return merged, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.PendingOperation, error) {
	return s.get(ctx, s.db, id)
}

// Remove implements Store.
func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id); err != nil {
		return storageErr("failed to remove pending operation", err)
	}
	return nil
}

// RemoveIfUnchanged implements Store.
func (s *SQLiteStore) RemoveIfUnchanged(ctx context.Context, id string, timestamp int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_operations WHERE id = ? AND timestamp = ?`, id, timestamp)
	if err != nil {
		return false, storageErr("failed to remove pending operation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("failed to remove pending operation", err)
	}
	return n > 0, nil
}

// Rebase implements Store.
func (s *SQLiteStore) Rebase(ctx context.Context, id string, kind models.OperationKind) (*models.PendingOperation, error) {
	if !kind.Valid() {
		return nil, invalidKind(kind)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE pending_operations SET operation = ? WHERE id = ?`, string(kind), id)
	if err != nil {
		return nil, storageErr("failed to rebase pending operation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, notFound(id)
	}
	op, err := s.get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("failed to commit rebase", err)
	}
	return op, nil
}

// MarkFailed implements Store.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, reason string) (*models.PendingOperation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE pending_operations SET retries = retries + 1, last_error = ? WHERE id = ?`, reason, id)
	if err != nil {
		return nil, storageErr("failed to record failure", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, notFound(id)
	}
	op, err := s.get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("failed to commit failure", err)
	}
	return op, nil
}

// ListByUser implements Store.
func (s *SQLiteStore) ListByUser(ctx context.Context, userID string) ([]*models.PendingOperation, error) {
	return s.List(ctx, ListFilter{UserID: userID})
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*models.PendingOperation, error) {
	builder := filter.Builder()
	where, args := builder.Build()

	query := selectColumns
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY seq ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("failed to list pending operations", err)
	}
	defer rows.Close()

	residual := builder.Residual()
	var ops []*models.PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, storageErr("failed to scan pending operation", err)
		}
		if residual && !builder.Match(op) {
			continue
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to list pending operations", err)
	}
	return ops, nil
}

// Users implements Store.
func (s *SQLiteStore) Users(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM pending_operations GROUP BY user_id ORDER BY MIN(seq)`)
	if err != nil {
		return nil, storageErr("failed to list users", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, storageErr("failed to scan user", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Stats implements Store.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	ops, err := s.List(ctx, ListFilter{})
	if err != nil {
		return Stats{}, err
	}
	return computeStats(ops), nil
}
