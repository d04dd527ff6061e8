package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/serenmed/telecare/internal/domain"
)

// Two-phase cancellation: the UI asks for a confirmation token first, then
// confirms with it. This keeps the destructive affordance separate from the
// state transition itself.

// ErrUnknownCancellationToken is returned when a confirmation token was
// never issued or has already been used.
var ErrUnknownCancellationToken = errors.New("unknown cancellation token")

// ErrCancellationTokenExpired is returned when a confirmation token's TTL
// has lapsed. The client must request a fresh one.
var ErrCancellationTokenExpired = errors.New("cancellation token expired")

// RequestCancellation validates that cancelling the session is currently
// legal and returns a single-use confirmation token.
func (m *Manager) RequestCancellation(ctx context.Context, sessionID string, expectedVersion int64) (string, error) {
	storeCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	sess, err := m.store.GetSession(storeCtx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", err
		}
		return "", mapStoreErr("get session", err)
	}
	if sess.Terminal() {
		return "", &domain.TerminalStateError{SessionID: sess.ID, Status: sess.Status}
	}
	if sess.Version != expectedVersion {
		return "", &domain.StaleVersionError{SessionID: sess.ID, Expected: expectedVersion, Actual: sess.Version}
	}

	token := uuid.NewString()
	m.cancelMu.Lock()
	m.pendingCancels[token] = pendingCancel{
		sessionID:       sessionID,
		expectedVersion: expectedVersion,
		expiresAt:       m.now().Add(m.tokenTTL),
	}
	m.cancelMu.Unlock()
	return token, nil
}

// ConfirmCancellation consumes a confirmation token and performs the
// cancellation it authorized. A token is single-use whether or not the
// cancel succeeds.
func (m *Manager) ConfirmCancellation(ctx context.Context, token, reason string) (*domain.Session, error) {
	m.cancelMu.Lock()
	pending, ok := m.pendingCancels[token]
	if ok {
		delete(m.pendingCancels, token)
	}
	m.cancelMu.Unlock()

	if !ok {
		return nil, ErrUnknownCancellationToken
	}
	if m.now().After(pending.expiresAt) {
		return nil, ErrCancellationTokenExpired
	}

	return m.Cancel(ctx, pending.sessionID, reason, pending.expectedVersion)
}

// StartTokenSweeper runs a background goroutine that prunes expired
// cancellation tokens until ctx ends.
func (m *Manager) StartTokenSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if pruned := m.pruneExpiredTokens(); pruned > 0 {
					slog.Debug("pruned expired cancellation tokens", "count", pruned)
				}
			case <-ctx.Done():
				slog.Info("cancellation token sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (m *Manager) pruneExpiredTokens() int {
	now := m.now()
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()

	pruned := 0
	for token, pending := range m.pendingCancels {
		if now.After(pending.expiresAt) {
			delete(m.pendingCancels, token)
			pruned++
		}
	}
	return pruned
}
