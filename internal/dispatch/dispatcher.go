// Package dispatch owns admission control over the outbox and the
// partitioned, concurrency-bounded drain of pending entries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/retailpoint/storesync/internal/deadletter"
	"github.com/retailpoint/storesync/internal/domain"
	"github.com/retailpoint/storesync/internal/store"
)

var (
	// ErrQueueFull is returned by admission under the REJECT policy.
	ErrQueueFull = errors.New("queue full")
	// ErrNothingToCoalesce is returned under COALESCE when no pending
	// entry carries the given idempotency key.
	ErrNothingToCoalesce = errors.New("no existing item to coalesce")
	// ErrCoalesceRequiresKey is returned under COALESCE when the
	// producer supplied no idempotency key.
	ErrCoalesceRequiresKey = errors.New("coalesce policy requires an idempotency key")
)

// Dispatcher enforces backpressure on enqueue and drains the outbox in
// dependency-ordered partition batches.
type Dispatcher struct {
	store      *store.Store
	deadLetter *deadletter.Service
	logger     *slog.Logger

	cfgMu sync.RWMutex
	cfg   Config

	// passMu guarantees the single-flight contract: a dispatch pass
	// that finds it locked returns a zeroed result immediately.
	passMu sync.Mutex
}

func NewDispatcher(s *store.Store, dl *deadletter.Service, cfg Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:      s,
		deadLetter: dl,
		logger:     logger,
		cfg:        cfg.Normalize(),
	}
}

// Config returns the effective (clamped) configuration.
func (d *Dispatcher) Config() Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// UpdateConfig replaces the configuration, clamping as at construction.
func (d *Dispatcher) UpdateConfig(cfg Config) {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	d.cfg = cfg.Normalize()
}

// CanEnqueue reports whether the tenant's queue has admission capacity.
func (d *Dispatcher) CanEnqueue(ctx context.Context, tenantID string) (bool, error) {
	pending, err := d.store.GetPendingCount(ctx, tenantID)
	if err != nil {
		return false, fmt.Errorf("checking queue capacity: %w", err)
	}
	return pending < d.Config().MaxQueueDepth, nil
}

// EnqueueResult is the structured outcome of an admission attempt.
// Store faults surface in Err rather than as a separate error return.
type EnqueueResult struct {
	Success   bool
	Entry     *domain.OutboxEntry
	Coalesced bool
	Deferred  bool
	Err       error
}

// EnqueueWithBackpressure admits a mutation into the outbox, applying
// the configured overload policy when the queue is saturated. The
// idempotency key may be empty.
func (d *Dispatcher) EnqueueWithBackpressure(ctx context.Context, in domain.EnqueueInput, idempotencyKey string) EnqueueResult {
	ok, err := d.CanEnqueue(ctx, in.TenantID)
	if err != nil {
		return EnqueueResult{Err: err}
	}

	if ok {
		return d.admit(ctx, in, idempotencyKey, false)
	}

	switch d.Config().Policy {
	case PolicyReject:
		d.logger.Warn("enqueue rejected, queue full",
			"tenant_id", in.TenantID, "entity_type", in.EntityType)
		return EnqueueResult{Err: ErrQueueFull}

	case PolicyDefer:
		res := d.admit(ctx, in, idempotencyKey, true)
		if res.Success {
			res.Deferred = true
		}
		return res

	default: // PolicyCoalesce
		if idempotencyKey == "" {
			return EnqueueResult{Err: ErrCoalesceRequiresKey}
		}
		existing, err := d.store.FindPendingByIdempotencyKey(ctx, in.TenantID, idempotencyKey)
		if err != nil {
			return EnqueueResult{Err: err}
		}
		if existing == nil {
			return EnqueueResult{Err: ErrNothingToCoalesce}
		}
		if err := d.store.UpdatePayload(ctx, in.TenantID, existing.ID, in.Payload); err != nil {
			return EnqueueResult{Err: err}
		}
		existing.Payload = in.Payload
		return EnqueueResult{Success: true, Entry: existing, Coalesced: true}
	}
}

func (d *Dispatcher) admit(ctx context.Context, in domain.EnqueueInput, idempotencyKey string, deferEntry bool) EnqueueResult {
	var (
		entry     *domain.OutboxEntry
		coalesced bool
		err       error
	)
	if idempotencyKey != "" {
		entry, coalesced, err = d.store.EnqueueWithIdempotency(ctx, in, idempotencyKey)
	} else {
		entry, err = d.store.Enqueue(ctx, in)
	}
	if err != nil {
		return EnqueueResult{Err: err}
	}

	if deferEntry && !coalesced {
		if err := d.store.MarkDeferred(ctx, in.TenantID, entry.ID); err != nil {
			return EnqueueResult{Err: err}
		}
		entry.Deferred = true
	}

	return EnqueueResult{Success: true, Entry: entry, Coalesced: coalesced}
}

// OverloadState grades queue saturation for health reporting.
type OverloadState string

const (
	OverloadNormal   OverloadState = "NORMAL"
	OverloadWarning  OverloadState = "WARNING"
	OverloadCritical OverloadState = "CRITICAL"
)

// QueueHealth is a point-in-time view of a tenant's queue.
type QueueHealth struct {
	PendingCount         int            `json:"pending_count"`
	BackoffCount         int            `json:"backoff_count"`
	DeadLetterCount      int            `json:"dead_letter_count"`
	PartitionDepths      map[string]int `json:"partition_depths"`
	QueueSizeBytes       int64          `json:"queue_size_bytes"`
	OverloadState        OverloadState  `json:"overload_state"`
	IsQueueDepthExceeded bool           `json:"is_queue_depth_exceeded"`
	OldestItemAgeMs      *int64         `json:"oldest_item_age_ms"`
}

// GetQueueHealth computes queue health on demand from the store.
// WARNING at ≥80% of max depth, CRITICAL at ≥95%.
func (d *Dispatcher) GetQueueHealth(ctx context.Context, tenantID string) (*QueueHealth, error) {
	cfg := d.Config()

	pending, err := d.store.GetPendingCount(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	backoff, err := d.store.GetBackoffCount(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	dead, err := d.store.GetDeadLetterCount(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	depths, err := d.store.GetPartitionDepths(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	sizeBytes, err := d.store.GetPendingPayloadBytes(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	oldest, err := d.store.GetOldestPendingTimestamp(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	health := &QueueHealth{
		PendingCount:         pending,
		BackoffCount:         backoff,
		DeadLetterCount:      dead,
		PartitionDepths:      depths,
		QueueSizeBytes:       sizeBytes,
		OverloadState:        OverloadNormal,
		IsQueueDepthExceeded: pending > cfg.MaxQueueDepth,
	}

	switch {
	case pending*100 >= cfg.MaxQueueDepth*95:
		health.OverloadState = OverloadCritical
	case pending*100 >= cfg.MaxQueueDepth*80:
		health.OverloadState = OverloadWarning
	}

	if oldest != nil {
		age := time.Since(*oldest).Milliseconds()
		health.OldestItemAgeMs = &age
	}

	return health, nil
}
