package session_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailpoint/storesync/internal/session"
)

type completion struct {
	sessionID string
	stats     session.Stats
}

// fakeNegotiator records negotiate and complete calls.
type fakeNegotiator struct {
	negotiation  session.Negotiation
	negotiateErr error
	completeErr  error

	negotiated  int
	completions []completion
}

func (f *fakeNegotiator) Negotiate(ctx context.Context, tenantID string) (*session.Negotiation, error) {
	f.negotiated++
	if f.negotiateErr != nil {
		return nil, f.negotiateErr
	}
	neg := f.negotiation
	if neg.SessionID == "" {
		neg.SessionID = "sess-1"
	}
	if neg.RevocationStatus == "" {
		neg.RevocationStatus = session.StatusValid
	}
	return &neg, nil
}

func (f *fakeNegotiator) Complete(ctx context.Context, tenantID, sessionID string, stats session.Stats) error {
	f.completions = append(f.completions, completion{sessionID, stats})
	return f.completeErr
}

func newTestManager(neg *fakeNegotiator) *session.Manager {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return session.NewManager(neg, logger)
}

func TestRunSyncCycleAggregatesStats(t *testing.T) {
	neg := &fakeNegotiator{}
	m := newTestManager(neg)

	result, err := m.RunSyncCycle(context.Background(), "t1", func(ctx context.Context, sc session.Context) error {
		m.RecordOperationStats("t1", "pull", session.Stats{Pulled: 10})
		m.RecordOperationStats("t1", "pull", session.Stats{Pulled: 5})
		m.RecordOperationStats("t1", "push", session.Stats{Pushed: 20})
		return nil
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "sess-1", result.SessionID)
	assert.Equal(t, session.Stats{Pulled: 15, Pushed: 20}, result.Stats)
	assert.True(t, result.Session.IsCompleted)
	assert.Equal(t, "sess-1", result.Session.SessionID)

	require.Len(t, neg.completions, 1)
	assert.Equal(t, "sess-1", neg.completions[0].sessionID)
	assert.Equal(t, session.Stats{Pulled: 15, Pushed: 20}, neg.completions[0].stats)
}

func TestRunSyncCycleBodyErrorStillCompletes(t *testing.T) {
	neg := &fakeNegotiator{}
	m := newTestManager(neg)

	result, err := m.RunSyncCycle(context.Background(), "t1", func(ctx context.Context, sc session.Context) error {
		m.RecordOperationStats("t1", "pull", session.Stats{Pulled: 15})
		return errors.New("push exploded")
	})
	require.Error(t, err)

	// Partial stats still reach the remote exactly once.
	require.Len(t, neg.completions, 1)
	assert.Equal(t, session.Stats{Pulled: 15}, neg.completions[0].stats)

	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, 15, result.Stats.Pulled)
}

func TestRunSyncCycleRecoversBodyPanic(t *testing.T) {
	neg := &fakeNegotiator{}
	m := newTestManager(neg)

	result, err := m.RunSyncCycle(context.Background(), "t1", func(ctx context.Context, sc session.Context) error {
		panic("cycle body crashed")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	require.Len(t, neg.completions, 1)
	assert.False(t, result.Success)
	assert.Nil(t, m.ActiveSession("t1"))
}

func TestRunSyncCycleRecordedErrorsFailTheCycle(t *testing.T) {
	neg := &fakeNegotiator{}
	m := newTestManager(neg)

	result, err := m.RunSyncCycle(context.Background(), "t1", func(ctx context.Context, sc session.Context) error {
		m.RecordOperationStats("t1", "push", session.Stats{Pushed: 3, Errors: 2})
		return nil
	})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 2, result.Stats.Errors)
}

func TestRunSyncCycleNegotiationFailure(t *testing.T) {
	neg := &fakeNegotiator{negotiateErr: errors.New("remote unreachable")}
	m := newTestManager(neg)

	result, err := m.RunSyncCycle(context.Background(), "t1", func(ctx context.Context, sc session.Context) error {
		t.Fatal("body must not run without a session")
		return nil
	})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Empty(t, neg.completions)
}

func TestActiveSessionLifecycle(t *testing.T) {
	neg := &fakeNegotiator{negotiation: session.Negotiation{
		SessionID:        "sess-42",
		RevocationStatus: session.StatusValid,
		PullPendingCount: 7,
	}}
	m := newTestManager(neg)

	require.Nil(t, m.ActiveSession("t1"))

	result, err := m.RunSyncCycle(context.Background(), "t1", func(ctx context.Context, sc session.Context) error {
		assert.False(t, sc.IsCompleted)

		active := m.ActiveSession("t1")
		require.NotNil(t, active)
		assert.Equal(t, "sess-42", active.SessionID)
		assert.Equal(t, 7, active.PullPendingCount)
		assert.Equal(t, sc.SessionID, active.SessionID)

		// Callers get a copy; mutating it cannot alter manager state.
		active.RevocationStatus = session.StatusRevoked
		again := m.ActiveSession("t1")
		assert.Equal(t, session.StatusValid, again.RevocationStatus)
		return nil
	})
	require.NoError(t, err)

	assert.Nil(t, m.ActiveSession("t1"))
	assert.True(t, result.Session.IsCompleted)
	assert.Equal(t, "sess-42", result.Session.SessionID)
}

func TestRecordOperationStatsOutsideCycleDropped(t *testing.T) {
	neg := &fakeNegotiator{}
	m := newTestManager(neg)

	m.RecordOperationStats("t1", "pull", session.Stats{Pulled: 99})

	result, err := m.RunSyncCycle(context.Background(), "t1", func(ctx context.Context, sc session.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, session.Stats{}, result.Stats)
}

func TestForceCleanupClearsActiveSessions(t *testing.T) {
	neg := &fakeNegotiator{}
	m := newTestManager(neg)

	_, err := m.RunSyncCycle(context.Background(), "t1", func(ctx context.Context, sc session.Context) error {
		m.ForceCleanup()
		assert.Nil(t, m.ActiveSession("t1"))
		return nil
	})
	require.NoError(t, err)
}

func TestCyclesForDifferentTenantsAreIndependent(t *testing.T) {
	neg := &fakeNegotiator{}
	m := newTestManager(neg)

	_, err := m.RunSyncCycle(context.Background(), "t1", func(ctx context.Context, sc session.Context) error {
		m.RecordOperationStats("t2", "pull", session.Stats{Pulled: 1})
		assert.Nil(t, m.ActiveSession("t2"))
		return nil
	})
	require.NoError(t, err)

	result, err := m.RunSyncCycle(context.Background(), "t2", func(ctx context.Context, sc session.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, session.Stats{}, result.Stats)
}
