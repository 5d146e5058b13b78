// Package server exposes the HTTP API: health, metrics, live orchestration
// and the admin surface for page tokens and runtime settings. Every request
// carries a correlation id through its context for consistent logging.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/onnwee/live-router/config"
	"github.com/onnwee/live-router/telemetry"
)

// Options configures the middleware stack.
type Options struct {
	Auth      AuthConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
}

// OptionsFromConfig maps the boot config onto middleware options.
func OptionsFromConfig(cfg *config.Config) Options {
	origins := make([]string, 0, len(cfg.CORSAllowedOrigins))
	for _, o := range cfg.CORSAllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return Options{
		Auth: AuthConfig{
			Username: cfg.AdminUsername,
			Password: cfg.AdminPassword,
			Token:    cfg.AdminToken,
		},
		RateLimit: RateLimitConfig{
			Enabled:  cfg.RateLimitEnabled,
			Requests: cfg.RateLimitRequests,
			Window:   cfg.RateLimitWindow,
		},
		CORS: CORSConfig{
			Permissive:     cfg.CORSIsPermissive(),
			AllowedOrigins: origins,
		},
	}
}

// NewMux returns the HTTP handler with all routes.
// ctx bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, deps Deps, opts Options) http.Handler {
	if !opts.Auth.enabled() {
		slog.Warn("admin authentication not configured - admin and live endpoints are UNPROTECTED. Set ADMIN_USERNAME+ADMIN_PASSWORD or ADMIN_TOKEN for production")
	}
	limiter := newIPRateLimiter(ctx, opts.RateLimit)
	h := NewHandlers(deps)

	// protected applies auth first, then rate limiting
	protected := func(fn http.HandlerFunc) http.Handler {
		return adminAuth(rateLimitMiddleware(fn, limiter), opts.Auth)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	mux.Handle("POST /live/matches/{matchID}", protected(h.HandleCreateLive))
	mux.Handle("POST /live/sessions/{id}/{action}", protected(h.HandleSessionAction))

	mux.Handle("GET /admin/page-tokens", protected(h.HandleListPageTokens))
	mux.Handle("POST /admin/page-tokens/check-all", protected(h.HandleCheckAllPages))
	mux.Handle("POST /admin/page-tokens/sweep", protected(h.HandleSweep))
	mux.Handle("POST /admin/page-tokens/{pageID}/check", protected(h.HandleCheckPage))
	mux.Handle("POST /admin/page-tokens/{pageID}/reauth", protected(h.HandleMarkReauth))

	mux.Handle("GET /admin/config", protected(h.HandleConfigList))
	mux.Handle("PUT /admin/config", protected(h.HandleConfigSet))
	mux.Handle("DELETE /admin/config", protected(h.HandleConfigDelete))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.statusCode))
		if rec.statusCode >= 500 {
			span.SetStatus(codes.Error, http.StatusText(rec.statusCode))
		}
	})
	return withCORSConfig(handler, opts.CORS)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// orchestration may span several platform round trips
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
