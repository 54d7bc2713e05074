package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailpoint/storesync/internal/deadletter"
	"github.com/retailpoint/storesync/internal/dispatch"
	"github.com/retailpoint/storesync/internal/domain"
	"github.com/retailpoint/storesync/internal/session"
	"github.com/retailpoint/storesync/internal/store"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name string
		code int
		want domain.ErrorCategory
	}{
		{"no response", 0, domain.ErrorTransient},
		{"request timeout", 408, domain.ErrorTransient},
		{"throttled", 429, domain.ErrorTransient},
		{"server error", 500, domain.ErrorTransient},
		{"bad gateway", 502, domain.ErrorTransient},
		{"conflict", 409, domain.ErrorStructural},
		{"unprocessable", 422, domain.ErrorStructural},
		{"bad request", 400, domain.ErrorPermanent},
		{"not found", 404, domain.ErrorPermanent},
		{"forbidden", 403, domain.ErrorPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyStatus(tt.code))
		})
	}
}

// remoteFixture scripts the authority's negotiate and push endpoints.
type remoteFixture struct {
	server *httptest.Server

	negotiations atomic.Int64
	pushes       atomic.Int64

	// statuses returned by successive negotiations; the last repeats.
	revocationStatuses []string

	pushStatus int
	pushBody   string
}

func newRemoteFixture(t *testing.T) *remoteFixture {
	t.Helper()
	f := &remoteFixture{
		revocationStatuses: []string{"VALID"},
		pushStatus:         http.StatusOK,
		pushBody:           `{"success":true}`,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sync/sessions", func(w http.ResponseWriter, r *http.Request) {
		n := f.negotiations.Add(1)
		idx := int(n) - 1
		if idx >= len(f.revocationStatuses) {
			idx = len(f.revocationStatuses) - 1
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"session_id":        "sess-1",
			"revocation_status": f.revocationStatuses[idx],
		})
	})
	mux.HandleFunc("/sync/sessions/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "completed"})
	})
	mux.HandleFunc("/sync/push", func(w http.ResponseWriter, r *http.Request) {
		f.pushes.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.pushStatus)
		w.Write([]byte(f.pushBody))
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func newPushFixture(t *testing.T) (*PushDeliverer, *session.Manager, *remoteFixture) {
	t.Helper()
	f := newRemoteFixture(t)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	client := NewClient(f.server.URL, logger)
	sessions := session.NewManager(client, logger)
	return NewPushDeliverer(client, sessions, logger), sessions, f
}

func pushEntry() *domain.OutboxEntry {
	return &domain.OutboxEntry{
		ID:         "e1",
		TenantID:   "t1",
		EntityType: "pack",
		EntityID:   "p1",
		Operation:  domain.OpCreate,
		Payload:    json.RawMessage(`{"sku":"PK-100"}`),
	}
}

func TestDeliverNegotiatesStandaloneSession(t *testing.T) {
	deliverer, _, f := newPushFixture(t)

	res := deliverer.Deliver(context.Background(), pushEntry())
	assert.True(t, res.Success)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, int64(1), f.negotiations.Load())
	assert.Equal(t, int64(1), f.pushes.Load())
}

func TestDeliverReusesActiveCycleSession(t *testing.T) {
	deliverer, sessions, f := newPushFixture(t)

	_, err := sessions.RunSyncCycle(context.Background(), "t1", func(ctx context.Context, sc session.Context) error {
		res := deliverer.Deliver(ctx, pushEntry())
		assert.True(t, res.Success)
		return nil
	})
	require.NoError(t, err)

	// One negotiation for the cycle; delivery rode the same session.
	assert.Equal(t, int64(1), f.negotiations.Load())
}

func TestDeliverRefusesRevokedSession(t *testing.T) {
	deliverer, _, f := newPushFixture(t)
	f.revocationStatuses = []string{"REVOKED"}

	res := deliverer.Deliver(context.Background(), pushEntry())
	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrorTransient, res.Category)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "REVOKED")
	assert.Equal(t, int64(0), f.pushes.Load())
}

func TestDeliverRenegotiatesSuspendedSession(t *testing.T) {
	deliverer, _, f := newPushFixture(t)
	f.revocationStatuses = []string{"SUSPENDED", "VALID"}

	res := deliverer.Deliver(context.Background(), pushEntry())
	assert.True(t, res.Success)
	assert.Equal(t, int64(2), f.negotiations.Load())
}

func TestDeliverSuspendedTwiceRefuses(t *testing.T) {
	deliverer, _, f := newPushFixture(t)
	f.revocationStatuses = []string{"SUSPENDED", "SUSPENDED"}

	res := deliverer.Deliver(context.Background(), pushEntry())
	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrorTransient, res.Category)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "SUSPENDED")
	assert.Equal(t, int64(0), f.pushes.Load())
}

func TestRevokedSessionKeepsEntriesQueued(t *testing.T) {
	deliverer, _, f := newPushFixture(t)
	f.revocationStatuses = []string{"REVOKED"}

	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := store.Open(ctx, ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))

	deadLetters := deadletter.NewService(s, logger)
	dispatcher := dispatch.NewDispatcher(s, deadLetters, dispatch.Config{}, logger)

	entry, err := s.Enqueue(ctx, domain.EnqueueInput{
		TenantID:   "t1",
		EntityType: "pack",
		EntityID:   "p1",
		Operation:  domain.OpCreate,
		Payload:    json.RawMessage(`{"sku":"PK-100"}`),
	})
	require.NoError(t, err)

	res, err := dispatcher.ProcessPartitionedBatches(ctx, "t1", deliverer)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	// A revoked credential must never destroy the queue: the entry
	// backs off and retries once the credential is restored.
	got, err := s.FindByID(ctx, "t1", entry.ID)
	require.NoError(t, err)
	assert.False(t, got.DeadLettered)
	assert.Equal(t, 1, got.Attempts)
	assert.NotNil(t, got.RetryAfter)
	assert.True(t, got.IsPending())
}

func TestDeliverClassifiesRejections(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   domain.ErrorCategory
	}{
		{"validation rejection", http.StatusUnprocessableEntity, domain.ErrorStructural},
		{"unknown endpoint", http.StatusNotFound, domain.ErrorPermanent},
		{"server fault", http.StatusServiceUnavailable, domain.ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deliverer, _, f := newPushFixture(t)
			f.pushStatus = tt.status
			f.pushBody = `{"error":"rejected"}`

			res := deliverer.Deliver(context.Background(), pushEntry())
			assert.False(t, res.Success)
			assert.Equal(t, tt.want, res.Category)
			assert.Equal(t, tt.status, res.StatusCode)
			require.Error(t, res.Err)
		})
	}
}

func TestDeliverRemoteReportedFailureIsUnknown(t *testing.T) {
	deliverer, _, f := newPushFixture(t)
	f.pushBody = `{"success":false}`

	res := deliverer.Deliver(context.Background(), pushEntry())
	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrorUnknown, res.Category)
}

func TestDeliverUnreachableRemoteIsTransient(t *testing.T) {
	deliverer, _, f := newPushFixture(t)
	f.server.Close()

	res := deliverer.Deliver(context.Background(), pushEntry())
	assert.False(t, res.Success)
	assert.Equal(t, domain.ErrorTransient, res.Category)
	require.Error(t, res.Err)
}

func TestPushRecordsResponseBodyForDiagnostics(t *testing.T) {
	deliverer, _, f := newPushFixture(t)
	f.pushStatus = http.StatusUnprocessableEntity
	f.pushBody = `{"error":"sku unknown"}`

	res := deliverer.Deliver(context.Background(), pushEntry())
	assert.Equal(t, "/sync/push", res.Endpoint)
	assert.Contains(t, res.ResponseBody, "sku unknown")
}
