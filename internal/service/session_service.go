package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/relaygate/relaygate/internal/domain/gwerr"
	"github.com/relaygate/relaygate/internal/domain/session"
	"github.com/relaygate/relaygate/pkg/mcp"
)

// SessionService manages client-facing MCP sessions: creation during
// initialize, the initialized ordering gate, idle expiry, and teardown.
type SessionService struct {
	store   session.Store
	idleTTL time.Duration
	logger  *slog.Logger
}

// NewSessionService creates a SessionService with the given idle TTL.
func NewSessionService(store session.Store, idleTTL time.Duration, logger *slog.Logger) *SessionService {
	if idleTTL <= 0 {
		idleTTL = session.DefaultIdleTTL
	}
	return &SessionService{store: store, idleTTL: idleTTL, logger: logger}
}

// Begin creates a session for a successful initialize and negotiates the
// protocol version: a supported requested version is echoed, an absent one
// gets the gateway's baseline, and an unsupported one is rejected.
func (s *SessionService) Begin(ctx context.Context, userID, requestedVersion string) (*session.Session, error) {
	version := mcp.ProtocolVersionBaseline
	if requestedVersion != "" {
		if !mcp.SupportedProtocolVersions[requestedVersion] {
			return nil, gwerr.Newf(gwerr.UnsupportedProtocol,
				"protocol version %q is not supported", requestedVersion)
		}
		version = requestedVersion
	}

	id, err := session.GenerateID()
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "session id generation failed", err)
	}

	now := time.Now()
	sess := &session.Session{
		ID:              id,
		UserID:          userID,
		ProtocolVersion: version,
		CreatedAt:       now,
		LastSeen:        now,
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "session store failed", err)
	}
	return sess, nil
}

// MarkInitialized flips the ordering gate when notifications/initialized
// arrives.
func (s *SessionService) MarkInitialized(ctx context.Context, id string) error {
	sess, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	sess.Initialized = true
	sess.LastSeen = time.Now()
	if err := s.store.Update(ctx, sess); err != nil {
		return gwerr.Wrap(gwerr.Internal, "session update failed", err)
	}
	return nil
}

// Require returns the session for an operational call, enforcing ownership
// and the initialized ordering gate, and refreshing the idle clock.
// Sessions are bound to the user that opened them; another principal
// presenting the id gets NotFound, not Forbidden, to avoid confirming the
// id exists.
func (s *SessionService) Require(ctx context.Context, id, userID string) (*session.Session, error) {
	sess, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, gwerr.New(gwerr.NotFound, "unknown session")
	}
	if sess.IsIdle(s.idleTTL, time.Now()) {
		_ = s.store.Delete(ctx, id)
		return nil, gwerr.New(gwerr.NotFound, "unknown session")
	}
	if !sess.Initialized {
		return nil, gwerr.New(gwerr.NotInitialized, "session is not initialized")
	}

	sess.LastSeen = time.Now()
	if err := s.store.Update(ctx, sess); err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "session update failed", err)
	}
	return sess, nil
}

// End deletes a session. Ending an unknown session is a no-op.
func (s *SessionService) End(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// StartReaper deletes idle sessions on the interval until ctx is cancelled.
func (s *SessionService) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := s.store.DeleteIdle(ctx, s.idleTTL)
				if err != nil {
					s.logger.Error("session reaper failed", "error", err)
					continue
				}
				if removed > 0 {
					s.logger.Debug("reaped idle sessions", "count", removed)
				}
			}
		}
	}()
}

func (s *SessionService) lookup(ctx context.Context, id string) (*session.Session, error) {
	if id == "" {
		// No Mcp-Session-Id means the client skipped initialize.
		return nil, gwerr.New(gwerr.NotInitialized, "no session established")
	}
	sess, err := s.store.Get(ctx, id)
	if errors.Is(err, session.ErrSessionNotFound) {
		return nil, gwerr.New(gwerr.NotFound, "unknown session")
	}
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "session lookup failed", err)
	}
	return sess, nil
}
