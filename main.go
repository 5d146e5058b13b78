// Command live-router is the main entrypoint for the live orchestration API.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Builds the settings cache, the Graph client and the provider adapters.
//   - Starts the Facebook token sweep (at boot and on a cron schedule).
//   - Exposes the HTTP API with /healthz, /readyz and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/live-router/config"
	"github.com/onnwee/live-router/crypto"
	"github.com/onnwee/live-router/db"
	"github.com/onnwee/live-router/facebookapi"
	"github.com/onnwee/live-router/health"
	"github.com/onnwee/live-router/live"
	"github.com/onnwee/live-router/lock"
	"github.com/onnwee/live-router/oauth"
	"github.com/onnwee/live-router/provider"
	"github.com/onnwee/live-router/server"
	"github.com/onnwee/live-router/settings"
	"github.com/onnwee/live-router/telemetry"
	"github.com/onnwee/live-router/youtubeapi"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	setupLogging(cfg)

	telemetry.Init()
	shutdown, err := telemetry.InitTracing(telemetry.TracingConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.OTelEndpoint,
		Insecure:       cfg.OTelInsecure,
		SampleRatio:    cfg.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	if err := cfg.ValidateEncryption(); err != nil {
		slog.Error("encryption config invalid", slog.Any("err", err))
		os.Exit(1)
	}
	cipher, err := crypto.NewCipher(crypto.CipherConfig{
		Enabled:      cfg.EncryptionEnabled,
		KeyBase64:    cfg.SecretKey,
		OldKeyBase64: cfg.SecretKeyOld,
	})
	if err != nil {
		slog.Error("cipher init failed", slog.Any("err", err))
		os.Exit(1)
	}
	if !cipher.Enabled() {
		slog.Warn("secret encryption disabled; tokens are stored in plaintext")
	}

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; embedded SQL for deployments that predate them.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}
	store := db.New(database)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cache := settings.New(store, cipher, settings.WithTTL(cfg.SettingsTTL))

	graph := facebookapi.New(cfg.GraphBaseURL, appFromSettings(cache),
		facebookapi.WithRateLimit(cfg.GraphRPS, int(cfg.GraphRPS*2)+1))

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisURL != "" {
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rl, err := lock.NewRedis(rctx, cfg.RedisURL)
		cancel()
		if err != nil {
			slog.Warn("redis lock unavailable; using in-process lock", slog.Any("err", err), slog.String("component", "lock"))
		} else {
			locker = rl
			defer func() {
				if err := rl.Close(); err != nil {
					slog.Error("failed to close redis", slog.Any("err", err))
				}
			}()
		}
	}

	ledger := &oauth.PageTokenManager{Graph: graph, Store: store, Cipher: cipher, Settings: cache}
	resolver := &oauth.ChannelTokenResolver{
		Graph:       graph,
		Credentials: store,
		Channels:    store,
		Cipher:      cipher,
		Settings:    cache,
		Ledger:      ledger,
	}
	sweeper := &oauth.Scheduler{
		Runner:   ledger,
		Schedule: cfg.SweepSchedule,
		Location: cfg.SweepLocation(),
	}
	if err := sweeper.Start(ctx, cfg.SweepOnBoot); err != nil {
		slog.Error("token sweep scheduler failed to start", slog.Any("err", err))
		os.Exit(1)
	}

	adapters := provider.Registry{
		Facebook: &provider.Facebook{Graph: graph, Tokens: resolver, Settings: cache},
		YouTube: &provider.YouTube{
			Broker:      &youtubeapi.Broker{},
			Credentials: store,
			Channels:    store,
			Cipher:      cipher,
			Settings:    cache,
		},
		TikTok: &provider.TikTok{Sessions: store, Settings: cache},
	}

	orchestrator := &live.Orchestrator{
		Store:    store,
		Adapters: adapters,
		Settings: cache,
		Locker:   locker,
		LockTTL:  cfg.LockTTL,
	}
	sessions := &live.Sessions{Store: store, Adapters: adapters}
	checker := &health.Checker{Graph: graph, Store: store, Cipher: cipher, Settings: cache}

	if cfg.EnablePprof {
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", cfg.PprofAddr))
			srv := &http.Server{
				Addr:              cfg.PprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	deps := server.Deps{
		Orchestrator: orchestrator,
		Sessions:     sessions,
		Health:       checker,
		Sweeper:      sweeper,
		Ledger:       store,
		Settings:     cache,
		Ready:        []server.ReadyCheck{{Name: "database", Check: store.Ping}},
	}
	handler := server.NewMux(ctx, deps, server.OptionsFromConfig(cfg))
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, handler); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()
	slog.Info("live router started", slog.String("addr", cfg.HTTPAddr))

	<-ctx.Done()
	slog.Info("shutting down")
}

// setupLogging configures the default logger. Defaults: level=info, format=text.
func setupLogging(cfg *config.Config) {
	lvl := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", cfg.LogLevel))
	}
	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", strings.ToLower(cfg.LogFormat)))
}

// appFromSettings reads the app credentials and Graph version on every call
// so admin changes apply without a restart.
func appFromSettings(s *settings.Cache) facebookapi.AppSource {
	return func(ctx context.Context) (facebookapi.AppConfig, error) {
		id, err := s.String(ctx, settings.KeyFacebookAppID, "")
		if err != nil {
			return facebookapi.AppConfig{}, err
		}
		secret, err := s.String(ctx, settings.KeyFacebookAppSecret, "")
		if err != nil {
			return facebookapi.AppConfig{}, err
		}
		version, err := s.String(ctx, settings.KeyGraphVersion, settings.DefaultGraphVersion)
		if err != nil {
			return facebookapi.AppConfig{}, err
		}
		return facebookapi.AppConfig{ID: id, Secret: secret, Version: version}, nil
	}
}
