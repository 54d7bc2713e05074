package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/retailpoint/storesync/internal/deadletter"
	"github.com/retailpoint/storesync/internal/domain"
)

// PartitionBatch is one entity type's slice of retryable work, computed
// per dispatch pass.
type PartitionBatch struct {
	EntityType   string                `json:"entity_type"`
	Items        []*domain.OutboxEntry `json:"items"`
	TotalPending int                   `json:"total_pending"`
	HasMore      bool                  `json:"has_more"`
}

// GetPartitionBatches groups retryable pending entries by entity type.
// Dependency-priority types come first in their configured order;
// remaining partitions follow alphabetically. Partitions with zero
// retryable items (for example all in backoff) are omitted.
func (d *Dispatcher) GetPartitionBatches(ctx context.Context, tenantID string) ([]PartitionBatch, error) {
	cfg := d.Config()

	depths, err := d.store.GetPartitionDepths(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("computing partitions: %w", err)
	}

	ranked := make([]string, 0, len(depths))
	rest := make([]string, 0, len(depths))
	isRanked := map[string]bool{}
	for _, entityType := range cfg.DependencyOrder {
		if _, ok := depths[entityType]; ok {
			ranked = append(ranked, entityType)
			isRanked[entityType] = true
		}
	}
	for entityType := range depths {
		if !isRanked[entityType] {
			rest = append(rest, entityType)
		}
	}
	sort.Strings(rest)

	var batches []PartitionBatch
	for _, entityType := range append(ranked, rest...) {
		items, err := d.store.GetRetryableItemsByEntityType(ctx, tenantID, entityType, cfg.MaxBatchSize)
		if err != nil {
			return nil, fmt.Errorf("fetching batch for %s: %w", entityType, err)
		}
		if len(items) == 0 {
			continue
		}
		batches = append(batches, PartitionBatch{
			EntityType:   entityType,
			Items:        items,
			TotalPending: depths[entityType],
			HasMore:      depths[entityType] > len(items),
		})
	}
	return batches, nil
}

// PartitionResult counts outcomes for one entity type.
type PartitionResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// DispatchResult aggregates one dispatch pass.
type DispatchResult struct {
	TotalProcessed   int                        `json:"total_processed"`
	Succeeded        int                        `json:"succeeded"`
	Failed           int                        `json:"failed"`
	PartitionResults map[string]PartitionResult `json:"partition_results"`
	DurationMs       int64                      `json:"duration_ms"`
}

// ProcessPartitionedBatches drains one round of partition batches
// through the deliverer. Only one pass runs at a time: a call arriving
// while another is in flight performs no work and returns a zeroed
// result. Dependency-priority partitions drain sequentially first;
// the rest run concurrently, bounded by MaxConcurrentPartitions, with
// items inside a partition always delivered in order.
func (d *Dispatcher) ProcessPartitionedBatches(ctx context.Context, tenantID string, deliver Deliverer) (*DispatchResult, error) {
	result := &DispatchResult{PartitionResults: map[string]PartitionResult{}}

	if !d.passMu.TryLock() {
		d.logger.Debug("dispatch pass already in progress", "tenant_id", tenantID)
		return result, nil
	}
	defer d.passMu.Unlock()

	cfg := d.Config()
	start := time.Now()

	batches, err := d.GetPartitionBatches(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		result.DurationMs = time.Since(start).Milliseconds()
		return result, nil
	}

	// The timeout bounds initiating new deliveries; outcome recording
	// uses the caller's context so no entry is left ambiguous.
	passCtx, cancel := context.WithTimeout(ctx, cfg.BatchTimeout)
	defer cancel()

	var (
		mu        sync.Mutex
		ranked    []PartitionBatch
		unranked  []PartitionBatch
		rankIndex = map[string]bool{}
	)
	for _, entityType := range cfg.DependencyOrder {
		rankIndex[entityType] = true
	}
	for _, b := range batches {
		if rankIndex[b.EntityType] {
			ranked = append(ranked, b)
		} else {
			unranked = append(unranked, b)
		}
	}

	record := func(entityType string, succeeded, failed int) {
		mu.Lock()
		defer mu.Unlock()
		pr := result.PartitionResults[entityType]
		pr.Succeeded += succeeded
		pr.Failed += failed
		result.PartitionResults[entityType] = pr
		result.Succeeded += succeeded
		result.Failed += failed
		result.TotalProcessed += succeeded + failed
	}

	// Referential dependencies drain fully before anything that might
	// reference them remotely.
	for _, batch := range ranked {
		succeeded, failed := d.drainPartition(ctx, passCtx, batch, deliver)
		record(batch.EntityType, succeeded, failed)
	}

	sem := make(chan struct{}, cfg.MaxConcurrentPartitions)
	var wg sync.WaitGroup
	for _, batch := range unranked {
		if passCtx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(batch PartitionBatch) {
			defer wg.Done()
			defer func() { <-sem }()
			succeeded, failed := d.drainPartition(ctx, passCtx, batch, deliver)
			record(batch.EntityType, succeeded, failed)
		}(batch)
	}
	wg.Wait()

	result.DurationMs = time.Since(start).Milliseconds()
	d.logger.Info("dispatch pass complete",
		"tenant_id", tenantID,
		"processed", result.TotalProcessed,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"duration_ms", result.DurationMs,
	)
	return result, nil
}

// drainPartition delivers one partition's items sequentially, stopping
// early when the pass budget expires. In-flight deliveries settle and
// their outcomes are always recorded.
func (d *Dispatcher) drainPartition(ctx, passCtx context.Context, batch PartitionBatch, deliver Deliverer) (succeeded, failed int) {
	for _, entry := range batch.Items {
		if passCtx.Err() != nil {
			d.logger.Warn("dispatch pass budget exhausted",
				"entity_type", batch.EntityType,
				"remaining", len(batch.Items)-succeeded-failed,
			)
			return succeeded, failed
		}

		res := d.safeDeliver(passCtx, entry, deliver)
		if err := d.recordOutcome(ctx, entry, res); err != nil {
			d.logger.Error("failed to record delivery outcome",
				"entry_id", entry.ID, "error", err)
		}

		if res.Success {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// safeDeliver invokes the deliverer, converting panics into UNKNOWN
// failures so they can never escape a dispatch pass.
func (d *Dispatcher) safeDeliver(ctx context.Context, entry *domain.OutboxEntry, deliver Deliverer) (res DeliveryResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("deliverer panicked", "entry_id", entry.ID, "panic", r)
			res = DeliveryResult{
				Category: domain.ErrorUnknown,
				Err:      fmt.Errorf("deliverer panic: %v", r),
			}
		}
	}()
	return deliver.Deliver(ctx, entry)
}

// Backoff schedule for retryable failures.
const (
	retryBackoffBase = 1 * time.Second
	retryBackoffMax  = 1 * time.Hour
)

func backoffDelay(attempts int) time.Duration {
	delay := retryBackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= retryBackoffMax {
			return retryBackoffMax
		}
	}
	return delay
}

// recordOutcome persists one delivery outcome: success marks the entry
// synced; PERMANENT and STRUCTURAL failures dead-letter immediately;
// TRANSIENT failures back off and retry indefinitely; UNKNOWN failures
// back off until attempts exhaust, then dead-letter.
func (d *Dispatcher) recordOutcome(ctx context.Context, entry *domain.OutboxEntry, res DeliveryResult) error {
	if res.Success {
		return d.store.MarkSynced(ctx, entry.TenantID, entry.ID)
	}

	errMsg := "delivery failed"
	if res.Err != nil {
		errMsg = res.Err.Error()
	}
	category := res.Category
	if category == "" {
		category = domain.ErrorUnknown
	}

	var attemptCtx *domain.AttemptContext
	if res.Endpoint != "" || res.StatusCode != 0 || res.ResponseBody != "" {
		attemptCtx = &domain.AttemptContext{
			APIEndpoint:  res.Endpoint,
			HTTPStatus:   res.StatusCode,
			ResponseBody: res.ResponseBody,
		}
	}

	attempts, err := d.store.IncrementAttempts(ctx, entry.TenantID, entry.ID, errMsg, category, attemptCtx)
	if err != nil {
		return err
	}

	switch category {
	case domain.ErrorPermanent:
		_, err = d.deadLetter.DeadLetter(ctx, deadletter.Params{
			TenantID: entry.TenantID,
			ID:       entry.ID,
			Reason:   domain.ReasonPermanentError,
			Category: category,
			Error:    errMsg,
		})
		return err

	case domain.ErrorStructural:
		_, err = d.deadLetter.DeadLetter(ctx, deadletter.Params{
			TenantID: entry.TenantID,
			ID:       entry.ID,
			Reason:   domain.ReasonStructuralFailure,
			Category: category,
			Error:    errMsg,
		})
		return err

	case domain.ErrorTransient:
		return d.store.SetRetryAfter(ctx, entry.TenantID, entry.ID, time.Now().UTC().Add(backoffDelay(attempts)))

	default: // UNKNOWN
		if attempts >= entry.MaxAttempts {
			_, err = d.deadLetter.DeadLetter(ctx, deadletter.Params{
				TenantID: entry.TenantID,
				ID:       entry.ID,
				Reason:   domain.ReasonMaxAttempts,
				Category: category,
				Error:    errMsg,
			})
			return err
		}
		return d.store.SetRetryAfter(ctx, entry.TenantID, entry.ID, time.Now().UTC().Add(backoffDelay(attempts)))
	}
}
