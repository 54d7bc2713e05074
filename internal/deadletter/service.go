// Package deadletter manages entries removed from the active retry
// path: classification-driven promotion, operator restore, and safe
// inspection of permanently-failing outbox entries.
package deadletter

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/retailpoint/storesync/internal/domain"
	"github.com/retailpoint/storesync/internal/store"
)

// Pagination and retention bounds enforced on every inspection call.
const (
	MinPageLimit = 1
	MaxPageLimit = 100

	MinRetentionDays = 7
	MaxRetentionDays = 365

	// maxErrorDisplayLen bounds last_error in listings; full text stays
	// in the store for debugging.
	maxErrorDisplayLen = 200
)

// summaryAllowList names the only payload fields ever surfaced in
// listings. Credentials, internal identifiers, and anything else not
// listed here never leave the store through the inspection API.
var summaryAllowList = []string{"sku", "code", "name", "status", "quantity", "entity_id"}

// Service implements the dead-letter subsystem on top of the outbox store.
type Service struct {
	store  *store.Store
	logger *slog.Logger
}

func NewService(s *store.Store, logger *slog.Logger) *Service {
	return &Service{store: s, logger: logger}
}

// Params describes one dead-letter transition.
type Params struct {
	TenantID string
	ID       string
	Reason   domain.DeadLetterReason
	Category domain.ErrorCategory
	Error    string
}

// DeadLetter transitions a pending entry to the dead-letter queue.
// Returns false when the entry does not exist or is already
// dead-lettered; repeating the call is always safe.
func (s *Service) DeadLetter(ctx context.Context, p Params) (bool, error) {
	moved, err := s.store.MarkDeadLettered(ctx, p.TenantID, p.ID, p.Reason, p.Category, p.Error)
	if err != nil {
		return false, err
	}
	if moved {
		s.logger.Warn("entry dead-lettered",
			"entry_id", p.ID,
			"tenant_id", p.TenantID,
			"reason", p.Reason,
			"category", p.Category,
		)
	}
	return moved, nil
}

// DeadLetterMany applies DeadLetter per item and returns how many
// entries actually transitioned. Each row transition is atomic.
func (s *Service) DeadLetterMany(ctx context.Context, params []Params) (int, error) {
	count := 0
	for _, p := range params {
		moved, err := s.DeadLetter(ctx, p)
		if err != nil {
			return count, err
		}
		if moved {
			count++
		}
	}
	return count, nil
}

// Restore returns a dead-lettered entry to the pending state with
// attempts reset and errors cleared. Returns false (no-op) when the
// entry is not currently dead-lettered.
func (s *Service) Restore(ctx context.Context, tenantID, id string) (bool, error) {
	restored, err := s.store.RestoreDeadLettered(ctx, tenantID, id)
	if err != nil {
		return false, err
	}
	if restored {
		s.logger.Info("entry restored from dead letter", "entry_id", id, "tenant_id", tenantID)
	}
	return restored, nil
}

// RestoreMany restores each id and returns the count actually restored.
func (s *Service) RestoreMany(ctx context.Context, tenantID string, ids []string) (int, error) {
	count := 0
	for _, id := range ids {
		restored, err := s.Restore(ctx, tenantID, id)
		if err != nil {
			return count, err
		}
		if restored {
			count++
		}
	}
	return count, nil
}

// Item is the inspection view of a dead-lettered entry. Summary holds
// only allow-listed payload fields and is nil for malformed payloads.
type Item struct {
	ID               string                   `json:"id"`
	EntityType       string                   `json:"entity_type"`
	EntityID         string                   `json:"entity_id"`
	Operation        domain.Operation         `json:"operation"`
	Attempts         int                      `json:"attempts"`
	ErrorCategory    *domain.ErrorCategory    `json:"error_category,omitempty"`
	DeadLetterReason *domain.DeadLetterReason `json:"dead_letter_reason,omitempty"`
	DeadLetteredAt   *time.Time               `json:"dead_lettered_at,omitempty"`
	CreatedAt        time.Time                `json:"created_at"`
	LastError        string                   `json:"last_error,omitempty"`
	Summary          map[string]any           `json:"summary"`
}

// ItemPage is one page of dead-letter items.
type ItemPage struct {
	Items   []Item `json:"items"`
	Total   int    `json:"total"`
	HasMore bool   `json:"has_more"`
}

// Items lists dead-lettered entries for inspection, newest first.
// Limit is clamped to [1,100], offset to [0,∞).
func (s *Service) Items(ctx context.Context, tenantID string, limit, offset int) (*ItemPage, error) {
	limit = clamp(limit, MinPageLimit, MaxPageLimit)
	if offset < 0 {
		offset = 0
	}

	entries, total, err := s.store.ListDeadLettered(ctx, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		item := Item{
			ID:               e.ID,
			EntityType:       e.EntityType,
			EntityID:         e.EntityID,
			Operation:        e.Operation,
			Attempts:         e.Attempts,
			ErrorCategory:    e.ErrorCategory,
			DeadLetterReason: e.DeadLetterReason,
			DeadLetteredAt:   e.DeadLetteredAt,
			CreatedAt:        e.CreatedAt,
			Summary:          safeSummary(e.Payload),
		}
		if e.LastError != nil {
			item.LastError = truncate(*e.LastError, maxErrorDisplayLen)
		}
		items = append(items, item)
	}

	return &ItemPage{
		Items:   items,
		Total:   total,
		HasMore: offset+len(items) < total,
	}, nil
}

// Stats summarizes a tenant's dead-letter queue.
type Stats struct {
	Total           int            `json:"total"`
	ByReason        map[string]int `json:"by_reason"`
	ByEntityType    map[string]int `json:"by_entity_type"`
	ByErrorCategory map[string]int `json:"by_error_category"`
	OldestItem      *time.Time     `json:"oldest_item,omitempty"`
	NewestItem      *time.Time     `json:"newest_item,omitempty"`
}

func (s *Service) Stats(ctx context.Context, tenantID string) (*Stats, error) {
	agg, err := s.store.GetDeadLetterAggregates(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Total:           agg.Total,
		ByReason:        agg.ByReason,
		ByEntityType:    agg.ByEntityType,
		ByErrorCategory: agg.ByCategory,
		OldestItem:      agg.OldestItem,
		NewestItem:      agg.NewestItem,
	}, nil
}

// AutoDeadLetterCandidates returns entries eligible for automatic
// dead-lettering: PERMANENT or STRUCTURAL classification with attempts
// exhausted. PULL-direction entries are excluded.
func (s *Service) AutoDeadLetterCandidates(ctx context.Context, tenantID string) ([]*domain.OutboxEntry, error) {
	return s.store.GetAutoDeadLetterCandidates(ctx, tenantID)
}

// DeleteOlderThan removes dead letters older than the given number of
// days, clamped to [7,365]. Returns the number of rows deleted.
func (s *Service) DeleteOlderThan(ctx context.Context, tenantID string, days int) (int64, error) {
	days = clamp(days, MinRetentionDays, MaxRetentionDays)
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	n, err := s.store.DeleteDeadLetteredBefore(ctx, tenantID, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("dead letter retention cleanup",
			"tenant_id", tenantID,
			"older_than_days", days,
			"deleted", n,
		)
	}
	return n, nil
}

// UpdateErrorCategory reclassifies an entry's failure.
func (s *Service) UpdateErrorCategory(ctx context.Context, tenantID, id string, category domain.ErrorCategory) error {
	return s.store.UpdateErrorCategory(ctx, tenantID, id, category)
}

// safeSummary extracts allow-listed fields from a payload. A payload
// that does not parse as a JSON object yields nil rather than an error.
func safeSummary(payload []byte) map[string]any {
	var parsed map[string]any
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil
	}

	summary := map[string]any{}
	for _, key := range summaryAllowList {
		if v, ok := parsed[key]; ok {
			summary[key] = v
		}
	}
	return summary
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
