// openai-hub is the gateway daemon: it pools upstream API keys behind a
// single endpoint, enforces the ACL policy, authenticates callers, and
// audits every dispatched request.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openai-hub/openai-hub/internal/acl"
	"github.com/openai-hub/openai-hub/internal/audit"
	"github.com/openai-hub/openai-hub/internal/config"
	"github.com/openai-hub/openai-hub/internal/gateway"
	"github.com/openai-hub/openai-hub/internal/keypool"
	"github.com/openai-hub/openai-hub/internal/metrics"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("c", "config.yaml", "path to the server config file")
	aclPath := flag.String("a", "acl.toml", "path to the ACL policy file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	policyData, err := os.ReadFile(*aclPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read acl policy")
	}
	rules, err := acl.Load(policyData)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load acl policy")
	}

	m := metrics.New()
	backend, err := newAuditBackend(cfg.Audit)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open audit backend")
	}
	sink := audit.NewSink(cfg.Audit, backend, audit.WithDropHook(m.AuditDropped.Inc))
	pool := keypool.New(cfg.APIKeys, cfg.KeyPool.DefaultCooldown.Std())

	gw, err := gateway.New(cfg, rules, pool, sink, m)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build gateway")
	}

	server := &http.Server{
		Addr:         cfg.Server.Bind,
		Handler:      gw.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().
			Str("bind", cfg.Server.Bind).
			Str("upstream", cfg.Upstream.APIBase).
			Int("keys", len(cfg.APIKeys)).
			Bool("jwt_auth", cfg.JWTAuth != nil).
			Str("audit_backend", cfg.Audit.Backend).
			Msg("gateway listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown incomplete")
	}
	if err := sink.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("audit sink close failed")
	}
	log.Info().Msg("bye")
}

func newAuditBackend(cfg config.AuditConfig) (audit.Backend, error) {
	if cfg.Backend == "sqlite" {
		return audit.NewSQLiteBackend(cfg.SQLitePath)
	}
	return audit.NewFileBackend(cfg.File)
}
