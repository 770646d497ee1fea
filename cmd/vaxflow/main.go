package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"vaxflow/internal/api"
	"vaxflow/internal/clients"
	"vaxflow/internal/config"
	"vaxflow/internal/handlers/booster"
	"vaxflow/internal/handlers/certrevoke"
	"vaxflow/internal/handlers/docgen"
	"vaxflow/internal/handlers/massop"
	"vaxflow/internal/queue"
	"vaxflow/internal/registry"
	"vaxflow/internal/runner"
	"vaxflow/internal/scheduler"
)

// diseases with booster-eligibility recalculation. Adding one means adding
// it here and deploying the vaccination service that knows its rules.
var diseases = []string{"covid"}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout}).With().Str("region", cfg.Region).Logger()

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	store := queue.NewSQLiteStore(db)
	if n, err := store.RecoverStale(context.Background(), cfg.StaleClaimAfter); err != nil {
		log.Warn().Err(err).Msg("stale claim recovery failed")
	} else if n > 0 {
		log.Info().Int("recovered", n).Msg("released stale in-progress items")
	}

	reg, err := buildRegistry(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build handler registry")
	}

	run := runner.New(store, reg, cfg.HandlerTimeout, log.Logger)

	trigger := scheduler.NewService(run, store, log.Logger)
	for _, kind := range reg.Kinds() {
		if err := trigger.AddKind(kind, cfg.RunSchedule, cfg.BatchSize); err != nil {
			log.Fatal().Err(err).Str("kind", kind).Msg("schedule kind")
		}
	}
	if err := trigger.AddPurge(cfg.PurgeSchedule, cfg.PurgeRetention); err != nil {
		log.Fatal().Err(err).Msg("schedule purge")
	}
	trigger.Start()

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServerWithDebug(store, run, reg, cfg.Debug)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	trigger.Stop()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

// buildRegistry is the closed dispatch table: one entry per kind, bound to
// its downstream client. An unknown kind anywhere else in the system is a
// deployment mismatch against this table.
func buildRegistry(cfg config.Config) (*registry.Registry, error) {
	entries := []registry.Entry{
		{
			Kind:        certrevoke.Kind,
			Handler:     certrevoke.NewHandler(certrevoke.NewHTTPAuthority(cfg.AuthorityURL, cfg.AuthorityTimeout)),
			MaxAttempts: 3,
		},
		{
			Kind:        docgen.Kind,
			Handler:     docgen.NewHandler(clients.NewDocuments(cfg.DocumentURL, cfg.DownstreamTimeout)),
			MaxAttempts: 2,
			Freshness:   24 * time.Hour,
		},
	}

	idp := clients.NewIdentity(cfg.IdentityURL, cfg.DownstreamTimeout)
	entries = append(entries,
		registry.Entry{
			Kind:        massop.KindDeactivate,
			Handler:     massop.NewDeactivateHandler(idp),
			MaxAttempts: 2,
			Pace:        cfg.IdentityPace,
		},
		registry.Entry{
			Kind:        massop.KindDelete,
			Handler:     massop.NewDeleteHandler(idp),
			MaxAttempts: 2,
			Pace:        cfg.IdentityPace,
		},
	)

	for _, disease := range diseases {
		svc := clients.NewEligibility(cfg.VaccinationURL, disease, cfg.DownstreamTimeout)
		entries = append(entries, registry.Entry{
			Kind:        booster.KindFor(disease),
			Handler:     booster.NewHandler(disease, svc),
			MaxAttempts: 3,
		})
	}

	return registry.New(entries...)
}
