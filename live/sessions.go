package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/live-router/models"
)

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("live session not found")

// SessionStore reads sessions and applies compare-and-set transitions.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (models.LiveSession, bool, error)
	GetChannel(ctx context.Context, id string) (models.Channel, bool, error)
	TransitionSession(ctx context.Context, id string, from, to models.SessionStatus, logLine string, at time.Time) (bool, error)
}

// Sessions moves reserved broadcasts through their lifecycle.
type Sessions struct {
	Store    SessionStore
	Adapters Adapters
	Now      func() time.Time
	Logger   *slog.Logger
}

func (s *Sessions) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Sessions) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default().With(slog.String("component", "live_sessions"))
}

func (s *Sessions) load(ctx context.Context, id string) (models.LiveSession, error) {
	ls, ok, err := s.Store.GetSession(ctx, id)
	if err != nil {
		return ls, fmt.Errorf("load session %s: %w", id, err)
	}
	if !ok {
		return ls, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return ls, nil
}

func (s *Sessions) target(ctx context.Context, ls models.LiveSession) (models.Channel, error) {
	ch, ok, err := s.Store.GetChannel(ctx, ls.ChannelID)
	if err != nil {
		return ch, fmt.Errorf("load channel %s: %w", ls.ChannelID, err)
	}
	if !ok {
		return ch, fmt.Errorf("channel %s of session %s no longer exists", ls.ChannelID, ls.ID)
	}
	return ch, nil
}

// Sync moves the session to status, appending note to its log. Moving to
// the current status is a no-op; moving backwards is a *models.TransitionError.
func (s *Sessions) Sync(ctx context.Context, id string, status models.SessionStatus, note string) (models.LiveSession, error) {
	ls, err := s.load(ctx, id)
	if err != nil {
		return ls, err
	}
	return s.transition(ctx, ls, status, note)
}

func (s *Sessions) transition(ctx context.Context, ls models.LiveSession, to models.SessionStatus, note string) (models.LiveSession, error) {
	if ls.Status == to {
		return ls, nil
	}
	if !ls.Status.CanTransitionTo(to) {
		return ls, &models.TransitionError{SessionID: ls.ID, From: ls.Status, To: to}
	}
	now := s.now()
	line := strings.ToLower(string(to))
	if note != "" {
		line += ": " + note
	}
	changed, err := s.Store.TransitionSession(ctx, ls.ID, ls.Status, to, models.LogLine(now, "%s", line), now)
	if err != nil {
		return ls, err
	}
	cur, err := s.load(ctx, ls.ID)
	if err != nil {
		return cur, err
	}
	if !changed && cur.Status != to {
		return cur, &models.TransitionError{SessionID: ls.ID, From: cur.Status, To: to}
	}
	s.logger().Info("session transitioned", slog.String("session_id", ls.ID), slog.String("from", string(ls.Status)), slog.String("to", string(to)))
	return cur, nil
}

// MarkLive records that ingest started.
func (s *Sessions) MarkLive(ctx context.Context, id string) (models.LiveSession, error) {
	return s.Sync(ctx, id, models.StatusLive, "")
}

// End stops the broadcast on the platform, then marks the session ENDED.
// A platform failure leaves the session unchanged.
func (s *Sessions) End(ctx context.Context, id string) (models.LiveSession, error) {
	ls, err := s.load(ctx, id)
	if err != nil || ls.Status.Terminal() {
		return ls, err
	}
	if err := s.endRemote(ctx, ls); err != nil {
		return ls, err
	}
	return s.transition(ctx, ls, models.StatusEnded, "")
}

// Cancel abandons a session before or during broadcast. The platform live
// is ended best-effort.
func (s *Sessions) Cancel(ctx context.Context, id, reason string) (models.LiveSession, error) {
	ls, err := s.load(ctx, id)
	if err != nil || ls.Status.Terminal() {
		return ls, err
	}
	if err := s.endRemote(ctx, ls); err != nil {
		s.logger().Warn("end remote live on cancel", slog.String("session_id", id), slog.Any("err", err))
	}
	return s.transition(ctx, ls, models.StatusCanceled, reason)
}

// Fail marks the session ERROR.
func (s *Sessions) Fail(ctx context.Context, id, reason string) (models.LiveSession, error) {
	return s.Sync(ctx, id, models.StatusError, reason)
}

// Comment posts message on the session's broadcast.
func (s *Sessions) Comment(ctx context.Context, id, message string) error {
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("%w: empty comment", ErrInvalidRequest)
	}
	ls, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	ch, err := s.target(ctx, ls)
	if err != nil {
		return err
	}
	a, err := s.Adapters.Adapter(ls.Provider)
	if err != nil {
		return err
	}
	return a.PostComment(ctx, ch, ls.PlatformLiveID, message)
}

func (s *Sessions) endRemote(ctx context.Context, ls models.LiveSession) error {
	if ls.PlatformLiveID == "" {
		return nil
	}
	ch, err := s.target(ctx, ls)
	if err != nil {
		return err
	}
	a, err := s.Adapters.Adapter(ls.Provider)
	if err != nil {
		return err
	}
	if err := a.EndLive(ctx, ch, ls.PlatformLiveID); err != nil {
		return fmt.Errorf("end %s live %s: %w", ls.Provider, ls.PlatformLiveID, err)
	}
	return nil
}
