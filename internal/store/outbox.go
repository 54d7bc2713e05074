package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/retailpoint/storesync/internal/domain"
)

// entryColumns is the column list matching scanEntry's scan order.
const entryColumns = `id, tenant_id, entity_type, entity_id, operation, payload, priority,
	direction, idempotency_key, attempts, max_attempts, last_error, error_category,
	retry_after, last_attempt_at, created_at, synced_at, deferred, dead_lettered,
	dead_letter_reason, dead_lettered_at, api_endpoint, http_status, response_body`

// Enqueue inserts a new pending entry and returns it.
func (s *Store) Enqueue(ctx context.Context, in domain.EnqueueInput) (*domain.OutboxEntry, error) {
	return s.insert(ctx, in, nil)
}

// EnqueueWithIdempotency inserts a new pending entry unless a pending
// entry with the same idempotency key already exists for the tenant, in
// which case the existing entry is returned with deduplicated=true.
func (s *Store) EnqueueWithIdempotency(ctx context.Context, in domain.EnqueueInput, key string) (*domain.OutboxEntry, bool, error) {
	existing, err := s.FindPendingByIdempotencyKey(ctx, in.TenantID, key)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, true, nil
	}

	entry, err := s.insert(ctx, in, &key)
	if err != nil {
		return nil, false, err
	}
	return entry, false, nil
}

func (s *Store) insert(ctx context.Context, in domain.EnqueueInput, idempotencyKey *string) (*domain.OutboxEntry, error) {
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	direction := in.Direction
	if direction == "" {
		direction = domain.DirectionPush
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_outbox (id, tenant_id, entity_type, entity_id, operation, payload,
			priority, direction, idempotency_key, max_attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, in.TenantID, in.EntityType, in.EntityID, string(in.Operation), string(in.Payload),
		in.Priority, string(direction), idempotencyKey, maxAttempts, encodeTime(now))
	if err != nil {
		return nil, fmt.Errorf("inserting outbox entry: %w", err)
	}

	return s.FindByID(ctx, in.TenantID, id)
}

// FindByID returns the entry, or nil when it does not exist for the tenant.
func (s *Store) FindByID(ctx context.Context, tenantID, id string) (*domain.OutboxEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM sync_outbox WHERE tenant_id = ? AND id = ?
	`, tenantID, id)

	entry, err := scanEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying outbox entry: %w", err)
	}
	return entry, nil
}

// FindPendingByIdempotencyKey returns the pending entry carrying the
// given idempotency key, or nil when none exists.
func (s *Store) FindPendingByIdempotencyKey(ctx context.Context, tenantID, key string) (*domain.OutboxEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM sync_outbox
		WHERE tenant_id = ? AND idempotency_key = ? AND synced_at IS NULL AND dead_lettered = 0
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1
	`, tenantID, key)

	entry, err := scanEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying by idempotency key: %w", err)
	}
	return entry, nil
}

// IncrementAttempts records a failed delivery attempt, bumping the
// attempt counter and storing the error plus optional diagnostic
// context. It returns the new attempt count.
func (s *Store) IncrementAttempts(ctx context.Context, tenantID, id, errMsg string, category domain.ErrorCategory, attemptCtx *domain.AttemptContext) (int, error) {
	now := encodeTime(time.Now().UTC())

	var endpoint, respBody *string
	var status *int
	if attemptCtx != nil {
		if attemptCtx.APIEndpoint != "" {
			endpoint = &attemptCtx.APIEndpoint
		}
		if attemptCtx.HTTPStatus != 0 {
			status = &attemptCtx.HTTPStatus
		}
		if attemptCtx.ResponseBody != "" {
			respBody = &attemptCtx.ResponseBody
		}
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_outbox
		SET attempts = attempts + 1,
			last_error = ?,
			error_category = ?,
			last_attempt_at = ?,
			api_endpoint = COALESCE(?, api_endpoint),
			http_status = COALESCE(?, http_status),
			response_body = COALESCE(?, response_body)
		WHERE tenant_id = ? AND id = ?
	`, errMsg, string(category), now, endpoint, status, respBody, tenantID, id)
	if err != nil {
		return 0, fmt.Errorf("incrementing attempts: %w", err)
	}

	var attempts int
	err = s.db.QueryRowContext(ctx,
		`SELECT attempts FROM sync_outbox WHERE tenant_id = ? AND id = ?`,
		tenantID, id,
	).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("reading attempt count: %w", err)
	}
	return attempts, nil
}

// UpdatePayload replaces the payload of a pending entry (coalescing).
func (s *Store) UpdatePayload(ctx context.Context, tenantID, id string, payload []byte) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_outbox SET payload = ?
		WHERE tenant_id = ? AND id = ? AND synced_at IS NULL AND dead_lettered = 0
	`, string(payload), tenantID, id)
	if err != nil {
		return fmt.Errorf("updating payload: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("no pending entry %s to update", id)
	}
	return nil
}

// MarkDeferred flags an entry so dispatch can deprioritize it.
func (s *Store) MarkDeferred(ctx context.Context, tenantID, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_outbox SET deferred = 1 WHERE tenant_id = ? AND id = ?`,
		tenantID, id)
	if err != nil {
		return fmt.Errorf("marking entry deferred: %w", err)
	}
	return nil
}

// MarkSynced records a successful delivery.
func (s *Store) MarkSynced(ctx context.Context, tenantID, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_outbox SET synced_at = ?, last_error = NULL, retry_after = NULL
		WHERE tenant_id = ? AND id = ? AND dead_lettered = 0
	`, encodeTime(time.Now().UTC()), tenantID, id)
	if err != nil {
		return fmt.Errorf("marking entry synced: %w", err)
	}
	return nil
}

// SetRetryAfter schedules the next delivery attempt (backoff).
func (s *Store) SetRetryAfter(ctx context.Context, tenantID, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_outbox SET retry_after = ? WHERE tenant_id = ? AND id = ?`,
		encodeTime(at.UTC()), tenantID, id)
	if err != nil {
		return fmt.Errorf("setting retry_after: %w", err)
	}
	return nil
}

// GetPendingCount counts entries that are neither synced nor dead-lettered.
func (s *Store) GetPendingCount(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_outbox
		WHERE tenant_id = ? AND synced_at IS NULL AND dead_lettered = 0
	`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending entries: %w", err)
	}
	return n, nil
}

// GetBackoffCount counts pending entries whose retry_after is in the future.
func (s *Store) GetBackoffCount(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_outbox
		WHERE tenant_id = ? AND synced_at IS NULL AND dead_lettered = 0
			AND retry_after IS NOT NULL AND retry_after > ?
	`, tenantID, encodeTime(time.Now().UTC())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting backoff entries: %w", err)
	}
	return n, nil
}

// GetDeadLetterCount counts dead-lettered entries.
func (s *Store) GetDeadLetterCount(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_outbox WHERE tenant_id = ? AND dead_lettered = 1`,
		tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting dead letters: %w", err)
	}
	return n, nil
}

// GetPartitionDepths returns the pending count per entity type.
func (s *Store) GetPartitionDepths(ctx context.Context, tenantID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, COUNT(*) FROM sync_outbox
		WHERE tenant_id = ? AND synced_at IS NULL AND dead_lettered = 0
		GROUP BY entity_type
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying partition depths: %w", err)
	}
	defer rows.Close()

	depths := map[string]int{}
	for rows.Next() {
		var entityType string
		var count int
		if err := rows.Scan(&entityType, &count); err != nil {
			return nil, fmt.Errorf("scanning partition depth: %w", err)
		}
		depths[entityType] = count
	}
	return depths, rows.Err()
}

// GetPendingPayloadBytes sums the payload sizes of pending entries.
func (s *Store) GetPendingPayloadBytes(ctx context.Context, tenantID string) (int64, error) {
	var n sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(LENGTH(payload)) FROM sync_outbox
		WHERE tenant_id = ? AND synced_at IS NULL AND dead_lettered = 0
	`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("summing payload bytes: %w", err)
	}
	return n.Int64, nil
}

// GetOldestPendingTimestamp returns the creation time of the oldest
// pending entry, or nil when the queue is empty.
func (s *Store) GetOldestPendingTimestamp(ctx context.Context, tenantID string) (*time.Time, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(created_at) FROM sync_outbox
		WHERE tenant_id = ? AND synced_at IS NULL AND dead_lettered = 0
	`, tenantID).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("querying oldest pending timestamp: %w", err)
	}
	if !raw.Valid {
		return nil, nil
	}
	t, err := decodeTime(raw.String)
	if err != nil {
		return nil, fmt.Errorf("decoding oldest pending timestamp: %w", err)
	}
	return &t, nil
}

// GetRetryableItemsByEntityType returns pending entries of one entity
// type that are eligible for delivery now: not dead-lettered, not in
// backoff, FIFO by creation order. Deferred entries sort after
// non-deferred ones so saturation-admitted work is deprioritized.
func (s *Store) GetRetryableItemsByEntityType(ctx context.Context, tenantID, entityType string, limit int) ([]*domain.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM sync_outbox
		WHERE tenant_id = ? AND entity_type = ?
			AND synced_at IS NULL AND dead_lettered = 0
			AND (retry_after IS NULL OR retry_after <= ?)
		ORDER BY deferred ASC, created_at ASC, rowid ASC
		LIMIT ?
	`, tenantID, entityType, encodeTime(time.Now().UTC()), limit)
	if err != nil {
		return nil, fmt.Errorf("querying retryable entries: %w", err)
	}
	defer rows.Close()

	var entries []*domain.OutboxEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning retryable entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DeleteSynced prunes successfully synced entries older than the cutoff.
func (s *Store) DeleteSynced(ctx context.Context, tenantID string, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_outbox
		WHERE tenant_id = ? AND synced_at IS NOT NULL AND synced_at < ?
	`, tenantID, encodeTime(olderThan.UTC()))
	if err != nil {
		return 0, fmt.Errorf("pruning synced entries: %w", err)
	}
	return result.RowsAffected()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*domain.OutboxEntry, error) {
	var (
		e                                    domain.OutboxEntry
		operation, direction, payload        string
		idemKey, lastError, category         sql.NullString
		retryAfter, lastAttemptAt, createdAt sql.NullString
		syncedAt, dlReason, dlAt             sql.NullString
		apiEndpoint, respBody                sql.NullString
		httpStatus                           sql.NullInt64
		deferred, deadLettered               int
	)

	err := row.Scan(
		&e.ID, &e.TenantID, &e.EntityType, &e.EntityID, &operation, &payload, &e.Priority,
		&direction, &idemKey, &e.Attempts, &e.MaxAttempts, &lastError, &category,
		&retryAfter, &lastAttemptAt, &createdAt, &syncedAt, &deferred, &deadLettered,
		&dlReason, &dlAt, &apiEndpoint, &httpStatus, &respBody,
	)
	if err != nil {
		return nil, err
	}

	e.Operation = domain.Operation(operation)
	e.Direction = domain.Direction(direction)
	e.Payload = []byte(payload)
	e.Deferred = deferred == 1
	e.DeadLettered = deadLettered == 1

	if idemKey.Valid {
		e.IdempotencyKey = &idemKey.String
	}
	if lastError.Valid {
		e.LastError = &lastError.String
	}
	if category.Valid {
		c := domain.ErrorCategory(category.String)
		e.ErrorCategory = &c
	}
	if dlReason.Valid {
		r := domain.DeadLetterReason(dlReason.String)
		e.DeadLetterReason = &r
	}
	if apiEndpoint.Valid {
		e.APIEndpoint = &apiEndpoint.String
	}
	if respBody.Valid {
		e.ResponseBody = &respBody.String
	}
	if httpStatus.Valid {
		n := int(httpStatus.Int64)
		e.HTTPStatus = &n
	}

	if createdAt.Valid {
		t, err := decodeTime(createdAt.String)
		if err != nil {
			return nil, fmt.Errorf("decoding created_at: %w", err)
		}
		e.CreatedAt = t
	}
	for _, field := range []struct {
		raw  sql.NullString
		dest **time.Time
	}{
		{retryAfter, &e.RetryAfter},
		{lastAttemptAt, &e.LastAttemptAt},
		{syncedAt, &e.SyncedAt},
		{dlAt, &e.DeadLetteredAt},
	} {
		if !field.raw.Valid {
			continue
		}
		t, err := decodeTime(field.raw.String)
		if err != nil {
			return nil, fmt.Errorf("decoding timestamp: %w", err)
		}
		*field.dest = &t
	}

	return &e, nil
}

// timeFormat is fixed width (no trimming of fractional zeros) so the
// lexicographic comparisons SQLite performs on these columns agree
// with chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func decodeTime(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}
