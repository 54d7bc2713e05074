package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/retailpoint/storesync/internal/domain"
)

// MarkDeadLettered transitions a pending entry out of the retry path.
// Returns false when the entry does not exist, is already dead-lettered,
// or has already synced; the transition is idempotent.
func (s *Store) MarkDeadLettered(ctx context.Context, tenantID, id string, reason domain.DeadLetterReason, category domain.ErrorCategory, errMsg string) (bool, error) {
	var lastErr *string
	if errMsg != "" {
		lastErr = &errMsg
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_outbox
		SET dead_lettered = 1,
			dead_letter_reason = ?,
			dead_lettered_at = ?,
			error_category = ?,
			last_error = COALESCE(?, last_error)
		WHERE tenant_id = ? AND id = ? AND dead_lettered = 0 AND synced_at IS NULL
	`, string(reason), encodeTime(time.Now().UTC()), string(category), lastErr, tenantID, id)
	if err != nil {
		return false, fmt.Errorf("dead-lettering entry: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// RestoreDeadLettered returns a dead-lettered entry to the pending
// state with a fresh retry budget. Returns false when the entry is not
// currently dead-lettered.
func (s *Store) RestoreDeadLettered(ctx context.Context, tenantID, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_outbox
		SET dead_lettered = 0,
			dead_letter_reason = NULL,
			dead_lettered_at = NULL,
			attempts = 0,
			last_error = NULL,
			error_category = NULL,
			retry_after = NULL
		WHERE tenant_id = ? AND id = ? AND dead_lettered = 1
	`, tenantID, id)
	if err != nil {
		return false, fmt.Errorf("restoring dead letter: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// ListDeadLettered returns one page of dead-lettered entries, newest
// first, along with the total count for the tenant.
func (s *Store) ListDeadLettered(ctx context.Context, tenantID string, limit, offset int) ([]*domain.OutboxEntry, int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_outbox WHERE tenant_id = ? AND dead_lettered = 1`,
		tenantID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting dead letters: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM sync_outbox
		WHERE tenant_id = ? AND dead_lettered = 1
		ORDER BY dead_lettered_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, tenantID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("querying dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*domain.OutboxEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning dead letter: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, total, rows.Err()
}

// DeadLetterBreakdown aggregates dead-letter counts for one grouping column.
type DeadLetterBreakdown map[string]int

// DeadLetterAggregates holds the raw stats rows for a tenant's dead letters.
type DeadLetterAggregates struct {
	Total        int
	ByReason     DeadLetterBreakdown
	ByEntityType DeadLetterBreakdown
	ByCategory   DeadLetterBreakdown
	OldestItem   *time.Time
	NewestItem   *time.Time
}

// GetDeadLetterAggregates computes counts grouped by reason, entity
// type, and error category, plus the oldest/newest dead-letter times.
func (s *Store) GetDeadLetterAggregates(ctx context.Context, tenantID string) (*DeadLetterAggregates, error) {
	agg := &DeadLetterAggregates{
		ByReason:     DeadLetterBreakdown{},
		ByEntityType: DeadLetterBreakdown{},
		ByCategory:   DeadLetterBreakdown{},
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_outbox WHERE tenant_id = ? AND dead_lettered = 1`,
		tenantID).Scan(&agg.Total)
	if err != nil {
		return nil, fmt.Errorf("counting dead letters: %w", err)
	}

	for _, group := range []struct {
		column string
		dest   DeadLetterBreakdown
	}{
		{"dead_letter_reason", agg.ByReason},
		{"entity_type", agg.ByEntityType},
		{"error_category", agg.ByCategory},
	} {
		rows, err := s.db.QueryContext(ctx, `
			SELECT COALESCE(`+group.column+`, ''), COUNT(*) FROM sync_outbox
			WHERE tenant_id = ? AND dead_lettered = 1
			GROUP BY `+group.column+`
		`, tenantID)
		if err != nil {
			return nil, fmt.Errorf("aggregating dead letters by %s: %w", group.column, err)
		}
		for rows.Next() {
			var key string
			var count int
			if err := rows.Scan(&key, &count); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning dead letter aggregate: %w", err)
			}
			if key != "" {
				group.dest[key] = count
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	var oldest, newest sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(dead_lettered_at), MAX(dead_lettered_at) FROM sync_outbox
		WHERE tenant_id = ? AND dead_lettered = 1
	`, tenantID).Scan(&oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("querying dead letter age bounds: %w", err)
	}
	if oldest.Valid {
		if t, err := decodeTime(oldest.String); err == nil {
			agg.OldestItem = &t
		}
	}
	if newest.Valid {
		if t, err := decodeTime(newest.String); err == nil {
			agg.NewestItem = &t
		}
	}

	return agg, nil
}

// GetAutoDeadLetterCandidates returns pending PUSH entries whose error
// category is PERMANENT or STRUCTURAL and whose attempts are exhausted.
// PULL entries track remote progress and are never externally retried,
// so they are excluded from automatic dead-lettering.
func (s *Store) GetAutoDeadLetterCandidates(ctx context.Context, tenantID string) ([]*domain.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM sync_outbox
		WHERE tenant_id = ? AND synced_at IS NULL AND dead_lettered = 0
			AND direction != ?
			AND error_category IN (?, ?)
			AND attempts >= max_attempts
		ORDER BY created_at ASC, rowid ASC
	`, tenantID, string(domain.DirectionPull),
		string(domain.ErrorPermanent), string(domain.ErrorStructural))
	if err != nil {
		return nil, fmt.Errorf("querying auto dead-letter candidates: %w", err)
	}
	defer rows.Close()

	var entries []*domain.OutboxEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning candidate: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DeleteDeadLetteredBefore removes dead-lettered entries older than the cutoff.
func (s *Store) DeleteDeadLetteredBefore(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_outbox
		WHERE tenant_id = ? AND dead_lettered = 1 AND dead_lettered_at < ?
	`, tenantID, encodeTime(cutoff.UTC()))
	if err != nil {
		return 0, fmt.Errorf("deleting dead letters: %w", err)
	}
	return result.RowsAffected()
}

// UpdateErrorCategory reclassifies an entry's recorded failure.
func (s *Store) UpdateErrorCategory(ctx context.Context, tenantID, id string, category domain.ErrorCategory) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_outbox SET error_category = ? WHERE tenant_id = ? AND id = ?`,
		string(category), tenantID, id)
	if err != nil {
		return fmt.Errorf("updating error category: %w", err)
	}
	return nil
}
