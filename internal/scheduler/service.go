// Package scheduler is the periodic trigger for batch passes. Every
// registered kind gets its own cron entry with a non-reentrancy guard, so a
// slow pass is skipped over rather than overlapped. Housekeeping (purging
// terminal items) rides on the same cron.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"vaxflow/internal/queue"
	"vaxflow/internal/runner"
)

type Service struct {
	runner *runner.Runner
	store  queue.Store
	cron   *cron.Cron
	log    zerolog.Logger
}

func NewService(r *runner.Runner, store queue.Store, log zerolog.Logger) *Service {
	return &Service{runner: r, store: store, cron: cron.New(), log: log}
}

// AddKind schedules periodic RunOnce passes for one kind partition.
// Overlapping fires for the same kind are skipped, not queued.
func (s *Service) AddKind(kind, spec string, batchSize int) error {
	var running atomic.Bool
	_, err := s.cron.AddFunc(spec, func() {
		if !running.CompareAndSwap(false, true) {
			s.log.Warn().Str("kind", kind).Msg("previous pass still running, skipping fire")
			return
		}
		defer running.Store(false)

		if _, err := s.runner.RunOnce(context.Background(), kind, batchSize); err != nil {
			s.log.Error().Err(err).Str("kind", kind).Msg("batch pass failed")
		}
	})
	return err
}

// AddPurge schedules removal of successful items older than retention.
func (s *Service) AddPurge(spec string, retention time.Duration) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := s.store.PurgeSucceededBefore(ctx, time.Now().UTC().Add(-retention))
		if err != nil {
			s.log.Error().Err(err).Msg("purge failed")
			return
		}
		if n > 0 {
			s.log.Info().Int("purged", n).Msg("purged successful work items")
		}
	})
	return err
}

func (s *Service) Start() {
	s.cron.Start()
	s.log.Info().Int("entries", len(s.cron.Entries())).Msg("trigger schedule started")
}

// Stop halts new fires and waits for running ones.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("trigger schedule stopped")
}
