package dispatch

import (
	"context"

	"github.com/retailpoint/storesync/internal/domain"
)

// DeliveryResult is the outcome of one delivery attempt. A result with
// Success=false must carry a Category so the dispatcher can decide
// between backoff and dead-lettering.
type DeliveryResult struct {
	Success      bool
	Category     domain.ErrorCategory
	Err          error
	Endpoint     string
	StatusCode   int
	ResponseBody string
}

// Deliverer sends one outbox entry to the remote authority. A failed
// delivery is a result, not an error return; implementations never
// need to panic, and panics are recovered at the dispatch boundary.
type Deliverer interface {
	Deliver(ctx context.Context, entry *domain.OutboxEntry) DeliveryResult
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, entry *domain.OutboxEntry) DeliveryResult

func (f DelivererFunc) Deliver(ctx context.Context, entry *domain.OutboxEntry) DeliveryResult {
	return f(ctx, entry)
}
