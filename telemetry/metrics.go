// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	LiveCreateAttempts       *prometheus.CounterVec // provider
	LiveSessionsCreated      *prometheus.CounterVec // provider
	LiveOwnerSkipped         *prometheus.CounterVec // reason
	LiveOrchestrationsFailed *prometheus.CounterVec // reason
	TokenRefreshes           *prometheus.CounterVec // result
	TokenHealthChecks        *prometheus.CounterVec // code

	// Histograms (seconds)
	OrchestrationDuration prometheus.Observer
	HealthCheckDuration   prometheus.Observer

	// Gauges
	PagesNeedingReauth prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		LiveCreateAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_create_attempts_total", Help: "Live creation attempts by provider"}, []string{"provider"})
		LiveSessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_sessions_created_total", Help: "Live sessions persisted by provider"}, []string{"provider"})
		LiveOwnerSkipped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_owner_skipped_total", Help: "Owners skipped as busy by reason"}, []string{"reason"})
		LiveOrchestrationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_orchestrations_failed_total", Help: "Orchestrations that produced no session by reason"}, []string{"reason"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "token_refresh_total", Help: "Page token validations by result"}, []string{"result"})
		TokenHealthChecks = promauto.NewCounterVec(prometheus.CounterOpts{Name: "token_health_checks_total", Help: "Token health checks by status code"}, []string{"code"})
		OrchestrationDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "live_orchestration_duration_seconds", Help: "CreateForMatch duration seconds", Buckets: prometheus.DefBuckets})
		HealthCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "token_health_check_duration_seconds", Help: "Single page health check duration seconds", Buckets: prometheus.DefBuckets})
		PagesNeedingReauth = promauto.NewGauge(prometheus.GaugeOpts{Name: "token_pages_needing_reauth", Help: "Ledger pages flagged needsReauth after the last sweep"})
	})
}

func inc(vec *prometheus.CounterVec, label string) {
	if vec != nil {
		vec.WithLabelValues(label).Inc()
	}
}

// CountCreateAttempt records a createLive call.
func CountCreateAttempt(provider string) { inc(LiveCreateAttempts, provider) }

// CountSessionCreated records a persisted session.
func CountSessionCreated(provider string) { inc(LiveSessionsCreated, provider) }

// CountOwnerSkipped records an owner skipped for reason.
func CountOwnerSkipped(reason string) { inc(LiveOwnerSkipped, reason) }

// CountOrchestrationFailed records a failed orchestration.
func CountOrchestrationFailed(reason string) { inc(LiveOrchestrationsFailed, reason) }

// CountTokenRefresh records a token validation outcome.
func CountTokenRefresh(result string) { inc(TokenRefreshes, result) }

// CountHealthCheck records a health check status code.
func CountHealthCheck(code string) { inc(TokenHealthChecks, code) }

// SetPagesNeedingReauth records the reauth backlog.
func SetPagesNeedingReauth(n int) {
	if PagesNeedingReauth != nil {
		PagesNeedingReauth.Set(float64(n))
	}
}

// ObserveSince records the time elapsed since start in obs if non-nil.
func ObserveSince(obs prometheus.Observer, start time.Time) time.Duration {
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
