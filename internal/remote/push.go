package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/retailpoint/storesync/internal/dispatch"
	"github.com/retailpoint/storesync/internal/domain"
	"github.com/retailpoint/storesync/internal/session"
)

// PushDeliverer delivers outbox entries to the remote authority inside
// an authorized session. The session is always read from the session
// manager's live object; a session id is never reconstructed from a
// bare parameter, so the revocation status can never be silently lost.
type PushDeliverer struct {
	client   *Client
	sessions *session.Manager
	logger   *slog.Logger
}

func NewPushDeliverer(client *Client, sessions *session.Manager, logger *slog.Logger) *PushDeliverer {
	return &PushDeliverer{client: client, sessions: sessions, logger: logger}
}

// Deliver pushes one entry, gated on a live, non-revoked session.
func (p *PushDeliverer) Deliver(ctx context.Context, entry *domain.OutboxEntry) dispatch.DeliveryResult {
	sessionID, status, err := p.authorizedSession(ctx, entry.TenantID)
	if err != nil {
		return dispatch.DeliveryResult{Category: domain.ErrorTransient, Err: err}
	}

	if status != session.StatusValid {
		// The error must name the concrete status, never a blank field.
		// A revoked or suspended credential is tenant state, not an
		// entry defect: entries stay queued and retry once the
		// credential is restored.
		return dispatch.DeliveryResult{
			Category: domain.ErrorTransient,
			Err: fmt.Errorf("sync session %s for tenant %s is %s, refusing delivery",
				sessionID, entry.TenantID, status),
		}
	}

	resp, statusCode, body, err := p.client.Push(ctx, sessionID, entry)
	result := dispatch.DeliveryResult{
		Endpoint:     "/sync/push",
		StatusCode:   statusCode,
		ResponseBody: body,
	}

	if err != nil {
		result.Category = classifyStatus(statusCode)
		result.Err = err
		return result
	}

	if statusCode >= 400 {
		result.Category = classifyStatus(statusCode)
		result.Err = fmt.Errorf("push rejected with status %d", statusCode)
		return result
	}

	if !resp.Success {
		// Remote accepted the request but reported failure; retry until
		// attempts run out unless reclassified.
		result.Category = domain.ErrorUnknown
		result.Err = fmt.Errorf("remote reported unsuccessful push")
		return result
	}

	result.Success = true
	return result
}

// authorizedSession returns the live session for the tenant, querying
// the manager first and negotiating a standalone session when no cycle
// is active. A SUSPENDED session is renegotiated once before giving up.
func (p *PushDeliverer) authorizedSession(ctx context.Context, tenantID string) (string, session.RevocationStatus, error) {
	var sessionID string
	var status session.RevocationStatus

	if sc := p.sessions.ActiveSession(tenantID); sc != nil {
		sessionID, status = sc.SessionID, sc.RevocationStatus
	} else {
		neg, err := p.client.Negotiate(ctx, tenantID)
		if err != nil {
			return "", "", fmt.Errorf("no active session and negotiation failed: %w", err)
		}
		sessionID, status = neg.SessionID, neg.RevocationStatus
	}

	if status == session.StatusSuspended {
		p.logger.Info("session suspended, renegotiating", "tenant_id", tenantID, "session_id", sessionID)
		neg, err := p.client.Negotiate(ctx, tenantID)
		if err != nil {
			return "", "", fmt.Errorf("renegotiating suspended session: %w", err)
		}
		sessionID, status = neg.SessionID, neg.RevocationStatus
	}

	return sessionID, status, nil
}

// classifyStatus maps an HTTP response status onto the retry taxonomy:
// timeouts, throttling and server faults are retryable; conflicts and
// schema mismatches are structural; remaining client errors are
// permanent.
func classifyStatus(code int) domain.ErrorCategory {
	switch {
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return domain.ErrorTransient
	case code >= 500:
		return domain.ErrorTransient
	case code == http.StatusConflict || code == http.StatusUnprocessableEntity:
		return domain.ErrorStructural
	case code >= 400:
		return domain.ErrorPermanent
	case code == 0:
		// Transport-level failure, no response at all.
		return domain.ErrorTransient
	default:
		return domain.ErrorUnknown
	}
}
