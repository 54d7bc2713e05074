// Package session coordinates one authorized remote session per sync
// cycle. The manager is the single owner of session state: delivery
// code always queries it for the live session and never reconstructs
// one from a raw identifier, so a session can never lose its
// revocation status in transit.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RevocationStatus is the live authorization state of a session.
type RevocationStatus string

const (
	StatusValid     RevocationStatus = "VALID"
	StatusSuspended RevocationStatus = "SUSPENDED"
	StatusRevoked   RevocationStatus = "REVOKED"
)

// Context is the read-only view of a session handed to cycle bodies
// and delivery callers. It is passed by value: every read during a
// cycle observes the same negotiated state. IsCompleted is false on
// the live view and true on the closing view in CycleResult.
type Context struct {
	SessionID        string           `json:"session_id"`
	TenantID         string           `json:"tenant_id"`
	StartedAt        time.Time        `json:"started_at"`
	RevocationStatus RevocationStatus `json:"revocation_status"`
	PullPendingCount int              `json:"pull_pending_count"`
	LockoutMessage   string           `json:"lockout_message,omitempty"`
	IsCompleted      bool             `json:"is_completed"`
}

// Stats aggregates the work done during one cycle.
type Stats struct {
	Pulled            int `json:"pulled"`
	Pushed            int `json:"pushed"`
	Errors            int `json:"errors"`
	ConflictsResolved int `json:"conflicts_resolved"`
}

func (s *Stats) add(delta Stats) {
	s.Pulled += delta.Pulled
	s.Pushed += delta.Pushed
	s.Errors += delta.Errors
	s.ConflictsResolved += delta.ConflictsResolved
}

// Negotiation is the remote authority's session-open response.
type Negotiation struct {
	SessionID        string
	RevocationStatus RevocationStatus
	PullPendingCount int
	LockoutMessage   string
}

// Negotiator opens and closes sessions against the remote authority.
type Negotiator interface {
	Negotiate(ctx context.Context, tenantID string) (*Negotiation, error)
	Complete(ctx context.Context, tenantID, sessionID string, stats Stats) error
}

// CycleResult is the outcome of one RunSyncCycle call. Session is the
// closed session's final view, with IsCompleted set.
type CycleResult struct {
	Success   bool    `json:"success"`
	Stats     Stats   `json:"stats"`
	SessionID string  `json:"session_id"`
	Session   Context `json:"session"`
}

type activeSession struct {
	mu    sync.Mutex
	sctx  Context
	stats Stats
}

type tenantState struct {
	cycleMu sync.Mutex // serializes cycles for one tenant

	mu     sync.Mutex
	active *activeSession
}

// Manager runs the per-tenant session state machine:
// idle → session-open → session-closed → idle.
type Manager struct {
	negotiator Negotiator
	logger     *slog.Logger

	mu      sync.Mutex
	tenants map[string]*tenantState
}

func NewManager(negotiator Negotiator, logger *slog.Logger) *Manager {
	return &Manager{
		negotiator: negotiator,
		logger:     logger,
		tenants:    map[string]*tenantState{},
	}
}

func (m *Manager) tenant(tenantID string) *tenantState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.tenants[tenantID]
	if !ok {
		ts = &tenantState{}
		m.tenants[tenantID] = ts
	}
	return ts
}

// RunSyncCycle negotiates a session, runs body inside it, and closes
// the session with the aggregated stats exactly once, whether body
// returns normally, returns an error, or panics. Partial stats recorded
// before a failure are still reported. Cycles for the same tenant are
// serialized; different tenants may cycle concurrently.
func (m *Manager) RunSyncCycle(ctx context.Context, tenantID string, body func(ctx context.Context, sc Context) error) (*CycleResult, error) {
	ts := m.tenant(tenantID)
	ts.cycleMu.Lock()
	defer ts.cycleMu.Unlock()

	neg, err := m.negotiator.Negotiate(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("negotiating sync session: %w", err)
	}

	active := &activeSession{
		sctx: Context{
			SessionID:        neg.SessionID,
			TenantID:         tenantID,
			StartedAt:        time.Now().UTC(),
			RevocationStatus: neg.RevocationStatus,
			PullPendingCount: neg.PullPendingCount,
			LockoutMessage:   neg.LockoutMessage,
		},
	}

	ts.mu.Lock()
	ts.active = active
	ts.mu.Unlock()

	m.logger.Info("sync session opened",
		"tenant_id", tenantID,
		"session_id", neg.SessionID,
		"revocation_status", neg.RevocationStatus,
		"pull_pending", neg.PullPendingCount,
	)

	bodyErr := m.runBody(ctx, active.sctx, body)

	// Close exactly once, regardless of how the body settled.
	active.mu.Lock()
	stats := active.stats
	active.mu.Unlock()

	if err := m.negotiator.Complete(ctx, tenantID, neg.SessionID, stats); err != nil {
		m.logger.Error("failed to complete sync session",
			"tenant_id", tenantID, "session_id", neg.SessionID, "error", err)
	}

	ts.mu.Lock()
	ts.active = nil
	ts.mu.Unlock()

	closed := active.sctx
	closed.IsCompleted = true

	result := &CycleResult{
		Success:   bodyErr == nil && stats.Errors == 0,
		Stats:     stats,
		SessionID: neg.SessionID,
		Session:   closed,
	}

	m.logger.Info("sync session closed",
		"tenant_id", tenantID,
		"session_id", neg.SessionID,
		"success", result.Success,
		"pulled", stats.Pulled,
		"pushed", stats.Pushed,
		"errors", stats.Errors,
	)

	if bodyErr != nil {
		return result, fmt.Errorf("sync cycle body: %w", bodyErr)
	}
	return result, nil
}

// runBody isolates panic recovery so a crashing cycle body still
// reaches session closure.
func (m *Manager) runBody(ctx context.Context, sc Context, body func(ctx context.Context, sc Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("sync cycle body panicked",
				"tenant_id", sc.TenantID, "session_id", sc.SessionID, "panic", r)
			err = fmt.Errorf("sync cycle panic: %v", r)
		}
	}()
	return body(ctx, sc)
}

// RecordOperationStats sums a labelled contribution into the tenant's
// cycle totals. Calls outside an active cycle are logged and dropped.
func (m *Manager) RecordOperationStats(tenantID, label string, delta Stats) {
	ts := m.tenant(tenantID)

	ts.mu.Lock()
	active := ts.active
	ts.mu.Unlock()

	if active == nil {
		m.logger.Warn("stats recorded outside an active sync cycle",
			"tenant_id", tenantID, "label", label)
		return
	}

	active.mu.Lock()
	active.stats.add(delta)
	active.mu.Unlock()

	m.logger.Debug("operation stats recorded",
		"tenant_id", tenantID,
		"label", label,
		"pulled", delta.Pulled,
		"pushed", delta.Pushed,
		"errors", delta.Errors,
	)
}

// ActiveSession returns a copy of the live session context while a
// cycle is in progress, or nil once closed.
func (m *Manager) ActiveSession(tenantID string) *Context {
	ts := m.tenant(tenantID)

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.active == nil {
		return nil
	}
	sc := ts.active.sctx
	return &sc
}

// ForceCleanup unconditionally tears down all active session state.
// Used for error recovery and shutdown; no completion call is made.
func (m *Manager) ForceCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tenantID, ts := range m.tenants {
		ts.mu.Lock()
		if ts.active != nil {
			m.logger.Warn("forcing sync session cleanup",
				"tenant_id", tenantID, "session_id", ts.active.sctx.SessionID)
			ts.active = nil
		}
		ts.mu.Unlock()
	}
}
