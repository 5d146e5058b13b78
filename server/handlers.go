// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"time"

	"github.com/onnwee/live-router/health"
	"github.com/onnwee/live-router/live"
	"github.com/onnwee/live-router/models"
	"github.com/onnwee/live-router/oauth"
	"github.com/onnwee/live-router/settings"
)

// Orchestrator creates a live for a match on an available channel.
type Orchestrator interface {
	CreateForMatch(ctx context.Context, req live.Request) (live.Result, error)
}

// SessionService drives the lifecycle of recorded sessions.
type SessionService interface {
	MarkLive(ctx context.Context, id string) (models.LiveSession, error)
	End(ctx context.Context, id string) (models.LiveSession, error)
	Cancel(ctx context.Context, id, reason string) (models.LiveSession, error)
	Fail(ctx context.Context, id, reason string) (models.LiveSession, error)
	Comment(ctx context.Context, id, message string) error
}

// HealthService checks and lists ledger pages.
type HealthService interface {
	CheckOne(ctx context.Context, pageID string) (health.Report, error)
	CheckAll(ctx context.Context) (health.Summary, error)
	List(ctx context.Context, f health.Filter) ([]health.Row, error)
}

// Sweeper runs the token sweep on demand.
type Sweeper interface {
	RunNow(ctx context.Context) (oauth.RunReport, error)
}

// ReauthMarker flags a page so the sweep skips it until an operator reconnects it.
type ReauthMarker interface {
	MarkPageTokenReauth(ctx context.Context, pageID, reason string, at time.Time) error
}

// SettingsAdmin is the runtime settings surface.
type SettingsAdmin interface {
	ListMasked(ctx context.Context) ([]settings.Listed, error)
	Set(ctx context.Context, u settings.Update) error
	Delete(ctx context.Context, key string) error
}

// ReadyCheck is one named readiness probe.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the services behind the HTTP surface. A nil service makes its
// routes answer 503.
type Deps struct {
	Orchestrator Orchestrator
	Sessions     SessionService
	Health       HealthService
	Sweeper      Sweeper
	Ledger       ReauthMarker
	Settings     SettingsAdmin
	Ready        []ReadyCheck
	Now          func() time.Time
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Handlers{deps: deps}
}
