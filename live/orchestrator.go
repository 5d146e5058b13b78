// Package live picks a destination channel for a match and reserves a
// broadcast on it, then drives the resulting session through its lifecycle.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/live-router/lock"
	"github.com/onnwee/live-router/models"
	"github.com/onnwee/live-router/provider"
	"github.com/onnwee/live-router/retry"
	"github.com/onnwee/live-router/settings"
	"github.com/onnwee/live-router/telemetry"
)

// Owner skip reasons.
const (
	ReasonDBSession  = "db-session"
	ReasonGraph      = "graph"
	ReasonCreateBusy = "create-busy"
)

// DefaultLockTTL is the match lock expiry. A running orchestration extends
// it every third of the TTL, so it only lapses when the holder dies.
const DefaultLockTTL = 30 * time.Second

var (
	// ErrNoAvailableChannel is the Is target of *NoAvailableChannelError.
	ErrNoAvailableChannel = errors.New("no available channel")
	// ErrInvalidRequest rejects malformed orchestration input.
	ErrInvalidRequest = errors.New("invalid live request")
)

// Store is the persistence the orchestrator reads and appends to.
type Store interface {
	ListEligibleChannels(ctx context.Context, providers []models.Provider) ([]models.Channel, error)
	ListChannelsByOwner(ctx context.Context, ownerKey string) ([]models.Channel, error)
	HasActiveSession(ctx context.Context, channelIDs []string, since time.Time) (bool, error)
	CreateSession(ctx context.Context, ls models.LiveSession) error
}

// Adapters resolves a provider to its adapter.
type Adapters interface {
	Adapter(p models.Provider) (provider.Adapter, error)
}

// Settings is the runtime policy source.
type Settings interface {
	Int(ctx context.Context, key string, def int) (int, error)
	Bool(ctx context.Context, key string, def bool) (bool, error)
}

// Request asks for one live destination for a match.
type Request struct {
	MatchID     string            `json:"matchId"`
	Providers   []models.Provider `json:"providers"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
}

// Policy is read from settings on every call.
type Policy struct {
	MaxConcurrentPerOwner  int
	BusyWindow             time.Duration
	CrossProviderExclusive bool
}

// Result is a reserved broadcast.
type Result struct {
	Session models.LiveSession `json:"session"`
	Channel models.Channel     `json:"channel"`
}

// BusyOwner records why an owner was skipped.
type BusyOwner struct {
	Owner  string `json:"owner"`
	Reason string `json:"reason"`
}

// TriedChannel identifies a channel creation was considered on.
type TriedChannel struct {
	ChannelID  string          `json:"channelId"`
	Provider   models.Provider `json:"provider"`
	ExternalID string          `json:"externalId"`
}

// ChannelFailure is a non-busy error seen for a channel.
type ChannelFailure struct {
	Channel TriedChannel `json:"channel"`
	Message string       `json:"message"`
}

// NoAvailableChannelError carries the diagnostics of an exhausted run.
type NoAvailableChannelError struct {
	MatchID    string           `json:"matchId"`
	Tried      []TriedChannel   `json:"tried"`
	BusyOwners []BusyOwner      `json:"busyOwners"`
	Errors     []ChannelFailure `json:"errors"`
}

func (e *NoAvailableChannelError) Error() string {
	return fmt.Sprintf("no available channel for match %s (tried %d, busy owners %d, errors %d)",
		e.MatchID, len(e.Tried), len(e.BusyOwners), len(e.Errors))
}

func (e *NoAvailableChannelError) Is(target error) bool { return target == ErrNoAvailableChannel }

// LockUnavailableError is returned when another orchestration holds the match.
type LockUnavailableError struct {
	MatchID string
	Err     error
}

func (e *LockUnavailableError) Error() string {
	return fmt.Sprintf("match %s is already being orchestrated: %v", e.MatchID, e.Err)
}

func (e *LockUnavailableError) Is(target error) bool { return target == lock.ErrUnavailable }

func (e *LockUnavailableError) Unwrap() error { return e.Err }

// Orchestrator selects a channel and creates a live on it.
type Orchestrator struct {
	Store    Store
	Adapters Adapters
	Settings Settings
	// Locker is optional; without it only the per-channel race guard applies.
	Locker  lock.Locker
	LockTTL time.Duration

	// Preflight and Create override the retry presets.
	Preflight *retry.Options
	Create    *retry.Options

	Now    func() time.Time
	Logger *slog.Logger
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) logger(ctx context.Context) *slog.Logger {
	l := o.Logger
	if l == nil {
		l = telemetry.LoggerWithCorr(ctx)
	}
	return l.With(slog.String("component", "live"))
}

func retryable(err error) bool {
	for _, target := range []error{
		provider.ErrRemoteBusy, provider.ErrRemoteAuthInvalid,
		provider.ErrNotConfigured, provider.ErrUnsupported,
		context.Canceled, context.DeadlineExceeded,
	} {
		if errors.Is(err, target) {
			return false
		}
	}
	return true
}

func (o *Orchestrator) retryOptions(override *retry.Options, preset retry.Options) retry.Options {
	opts := preset
	if override != nil {
		opts = *override
	}
	if opts.Retryable == nil {
		opts.Retryable = retryable
	}
	return opts
}

// LoadPolicy reads the current policy.
func (o *Orchestrator) LoadPolicy(ctx context.Context) (Policy, error) {
	p := Policy{
		MaxConcurrentPerOwner: settings.DefaultMaxConcurrentPerOwner,
		BusyWindow:            settings.DefaultBusyWindowMS * time.Millisecond,
	}
	if o.Settings == nil {
		return p, nil
	}
	maxPer, err := o.Settings.Int(ctx, settings.KeyMaxConcurrentPerOwner, settings.DefaultMaxConcurrentPerOwner)
	if err != nil {
		return p, fmt.Errorf("read %s: %w", settings.KeyMaxConcurrentPerOwner, err)
	}
	windowMS, err := o.Settings.Int(ctx, settings.KeyBusyWindowMS, settings.DefaultBusyWindowMS)
	if err != nil {
		return p, fmt.Errorf("read %s: %w", settings.KeyBusyWindowMS, err)
	}
	cross, err := o.Settings.Bool(ctx, settings.KeyCrossProviderExclusive, false)
	if err != nil {
		return p, fmt.Errorf("read %s: %w", settings.KeyCrossProviderExclusive, err)
	}
	if maxPer < 1 {
		maxPer = 1
	}
	p.MaxConcurrentPerOwner = maxPer
	p.BusyWindow = time.Duration(windowMS) * time.Millisecond
	p.CrossProviderExclusive = cross
	return p, nil
}

type ownerGroup struct {
	key      string
	owned    bool
	channels []models.Channel
}

// groupByOwner keeps first-seen owner order; ownerless channels stand alone.
func groupByOwner(chs []models.Channel) []*ownerGroup {
	var out []*ownerGroup
	idx := map[string]*ownerGroup{}
	for _, ch := range chs {
		key, owned := ch.OwnerKey, true
		if key == "" {
			key, owned = "channel:"+ch.ID, false
		}
		g, ok := idx[key]
		if !ok {
			g = &ownerGroup{key: key, owned: owned}
			idx[key] = g
			out = append(out, g)
		}
		g.channels = append(g.channels, ch)
	}
	return out
}

func tried(ch models.Channel) TriedChannel {
	return TriedChannel{ChannelID: ch.ID, Provider: ch.Provider, ExternalID: ch.ExternalID}
}

// CreateForMatch reserves exactly one broadcast for req.MatchID.
func (o *Orchestrator) CreateForMatch(ctx context.Context, req Request) (res Result, err error) {
	if req.MatchID == "" {
		return Result{}, fmt.Errorf("%w: match id is required", ErrInvalidRequest)
	}
	if len(req.Providers) == 0 {
		req.Providers = []models.Provider{models.ProviderFacebook}
	}
	for _, p := range req.Providers {
		if !p.Valid() {
			return Result{}, fmt.Errorf("%w: unknown provider %q", ErrInvalidRequest, p)
		}
	}

	ctx, span := telemetry.StartSpan(ctx, "live", "CreateForMatch", attribute.String("match_id", req.MatchID))
	start := time.Now()
	defer func() {
		telemetry.ObserveSince(telemetry.OrchestrationDuration, start)
		if err != nil {
			var lockErr *LockUnavailableError
			switch {
			case errors.As(err, &lockErr):
				telemetry.CountOrchestrationFailed("lock")
			case errors.Is(err, ErrNoAvailableChannel):
				telemetry.CountOrchestrationFailed("exhausted")
			default:
				telemetry.CountOrchestrationFailed("error")
			}
		} else {
			span.SetAttributes(attribute.String("channel_id", res.Channel.ID), attribute.String("provider", string(res.Channel.Provider)))
		}
		telemetry.EndSpan(span, err)
	}()

	log := o.logger(ctx).With(slog.String("match_id", req.MatchID))
	release, err := o.acquire(ctx, req.MatchID, log)
	if err != nil {
		return Result{}, err
	}
	defer release()

	return o.run(ctx, req, log)
}

// acquire takes the match lock. Lock service failures degrade to the race
// guard.
func (o *Orchestrator) acquire(ctx context.Context, matchID string, log *slog.Logger) (func(), error) {
	if o.Locker == nil {
		return func() {}, nil
	}
	ttl := o.LockTTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	l, err := o.Locker.Acquire(ctx, "lock:live:create:"+matchID, ttl)
	switch {
	case errors.Is(err, lock.ErrUnavailable):
		return nil, &LockUnavailableError{MatchID: matchID, Err: err}
	case err != nil:
		log.Warn("lock service unavailable; continuing without lock", slog.Any("err", err))
		return func() {}, nil
	}
	stop, done := make(chan struct{}), make(chan struct{})
	go o.keepAlive(ctx, l, ttl, stop, done, log)
	return func() {
		close(stop)
		<-done
		// release must run even when the request context is gone
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := l.Release(rctx); err != nil {
			log.Warn("release match lock", slog.Any("err", err))
		}
	}, nil
}

// keepAlive extends l until stop closes or the lock is lost.
func (o *Orchestrator) keepAlive(ctx context.Context, l lock.Lock, ttl time.Duration, stop <-chan struct{}, done chan<- struct{}, log *slog.Logger) {
	defer close(done)
	every := ttl / 3
	if every <= 0 {
		every = ttl
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			err := l.Extend(ectx, ttl)
			cancel()
			if errors.Is(err, lock.ErrNotHeld) {
				log.Warn("match lock lost before orchestration finished", slog.Any("err", err))
				return
			}
			if err != nil {
				log.Warn("extend match lock", slog.Any("err", err))
			}
		}
	}
}

func (o *Orchestrator) run(ctx context.Context, req Request, log *slog.Logger) (Result, error) {
	policy, err := o.LoadPolicy(ctx)
	if err != nil {
		return Result{}, err
	}
	chs, err := o.Store.ListEligibleChannels(ctx, req.Providers)
	if err != nil {
		return Result{}, fmt.Errorf("list eligible channels: %w", err)
	}
	since := o.now().Add(-policy.BusyWindow)
	diag := &NoAvailableChannelError{MatchID: req.MatchID}
	fail := func(ch models.Channel, err error) {
		diag.Errors = append(diag.Errors, ChannelFailure{Channel: tried(ch), Message: err.Error()})
	}
	skip := func(owner, reason string) {
		diag.BusyOwners = append(diag.BusyOwners, BusyOwner{Owner: owner, Reason: reason})
		telemetry.CountOwnerSkipped(reason)
		log.Info("owner skipped", slog.String("owner", owner), slog.String("reason", reason))
	}

	for _, g := range groupByOwner(chs) {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		busy, err := o.ownerBusy(ctx, g, policy, since)
		if err != nil {
			fail(g.channels[0], err)
			continue
		}
		if busy {
			skip(g.key, ReasonDBSession)
			continue
		}
		if o.preflightBusy(ctx, g, log) {
			skip(g.key, ReasonGraph)
			continue
		}

		attempts := 0
		for _, ch := range g.channels {
			if attempts >= policy.MaxConcurrentPerOwner {
				break
			}
			diag.Tried = append(diag.Tried, tried(ch))
			taken, err := o.Store.HasActiveSession(ctx, []string{ch.ID}, since)
			if err != nil {
				fail(ch, fmt.Errorf("race guard: %w", err))
				continue
			}
			if taken {
				log.Info("channel taken since preflight", slog.String("channel_id", ch.ID))
				continue
			}
			a, err := o.Adapters.Adapter(ch.Provider)
			if err != nil {
				fail(ch, err)
				continue
			}
			attempts++
			telemetry.CountCreateAttempt(string(ch.Provider))
			out, err := retry.DoValue(ctx, o.retryOptions(o.Create, retry.Create), func(ctx context.Context) (provider.LiveOutput, error) {
				return a.CreateLive(ctx, provider.CreateRequest{Channel: ch, Title: req.Title, Description: req.Description})
			})
			if err != nil {
				if ctx.Err() != nil {
					return Result{}, ctx.Err()
				}
				if errors.Is(err, provider.ErrRemoteBusy) {
					skip(g.key, ReasonCreateBusy)
					break
				}
				log.Warn("create live failed", slog.String("channel_id", ch.ID), slog.Any("err", err))
				fail(ch, err)
				continue
			}
			return o.persist(ctx, req, ch, a, out, log)
		}
	}
	log.Warn("no available channel", slog.Int("tried", len(diag.Tried)), slog.Int("busy_owners", len(diag.BusyOwners)), slog.Int("errors", len(diag.Errors)))
	return Result{}, diag
}

func (o *Orchestrator) ownerBusy(ctx context.Context, g *ownerGroup, p Policy, since time.Time) (bool, error) {
	ids := make([]string, 0, len(g.channels))
	seen := map[string]bool{}
	for _, ch := range g.channels {
		ids = append(ids, ch.ID)
		seen[ch.ID] = true
	}
	if p.CrossProviderExclusive && g.owned {
		all, err := o.Store.ListChannelsByOwner(ctx, g.key)
		if err != nil {
			return false, fmt.Errorf("list channels of owner %s: %w", g.key, err)
		}
		for _, ch := range all {
			if !seen[ch.ID] {
				ids = append(ids, ch.ID)
				seen[ch.ID] = true
			}
		}
	}
	busy, err := o.Store.HasActiveSession(ctx, ids, since)
	if err != nil {
		return false, fmt.Errorf("check sessions of owner %s: %w", g.key, err)
	}
	return busy, nil
}

// preflightBusy asks each channel's platform; errors count as not busy.
func (o *Orchestrator) preflightBusy(ctx context.Context, g *ownerGroup, log *slog.Logger) bool {
	opts := o.retryOptions(o.Preflight, retry.Preflight)
	for _, ch := range g.channels {
		a, err := o.Adapters.Adapter(ch.Provider)
		if err != nil {
			continue
		}
		st, err := retry.DoValue(ctx, opts, func(ctx context.Context) (provider.LiveState, error) {
			return a.GetChannelLiveState(ctx, ch)
		})
		if err != nil {
			log.Debug("preflight failed; assuming idle", slog.String("channel_id", ch.ID), slog.Any("err", err))
			continue
		}
		if st.Busy {
			return true
		}
	}
	return false
}

func (o *Orchestrator) persist(ctx context.Context, req Request, ch models.Channel, a provider.Adapter, out provider.LiveOutput, log *slog.Logger) (Result, error) {
	now := o.now()
	ls := models.LiveSession{
		ID:              uuid.NewString(),
		Provider:        ch.Provider,
		ChannelID:       ch.ID,
		PlatformLiveID:  out.PlatformLiveID,
		Status:          models.StatusCreated,
		ServerURL:       out.ServerURL,
		StreamKey:       out.StreamKey,
		SecureStreamURL: out.SecureStreamURL,
		PermalinkURL:    out.PermalinkURL,
		MatchID:         req.MatchID,
		Logs:            []string{models.LogLine(now, "created on %s channel %s", ch.Provider, ch.ExternalID)},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.Store.CreateSession(ctx, ls); err != nil {
		log.Error("persist session failed; ending remote live", slog.String("channel_id", ch.ID),
			slog.String("platform_live_id", out.PlatformLiveID), slog.Any("err", err))
		ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if eerr := a.EndLive(ectx, ch, out.PlatformLiveID); eerr != nil {
			log.Warn("end orphaned live", slog.String("platform_live_id", out.PlatformLiveID), slog.Any("err", eerr))
		}
		return Result{}, fmt.Errorf("persist session for channel %s: %w", ch.ID, err)
	}
	telemetry.CountSessionCreated(string(ch.Provider))
	log.Info("live session created", slog.String("session_id", ls.ID), slog.String("channel_id", ch.ID), slog.String("provider", string(ch.Provider)))
	return Result{Session: ls, Channel: ch}, nil
}
