// Package cleanup enforces event-log retention in the background.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/bryanveloso/synthform-sub000/pkg/config"
	"github.com/bryanveloso/synthform-sub000/pkg/store"
)

// Service periodically prunes event-log rows past the retention window.
// Deletion is idempotent and safe to run from multiple processes.
type Service struct {
	cfg    *config.RetentionConfig
	store  *store.Store
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	// now is swappable for tests.
	now func() time.Time
}

// NewService creates the retention pruner.
func NewService(cfg *config.RetentionConfig, st *store.Store) *Service {
	return &Service{
		cfg:    cfg,
		store:  st,
		logger: slog.Default().With("component", "cleanup"),
		now:    time.Now,
	}
}

// Start launches the background pruning loop. Calling Start twice is a
// no-op.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("cleanup service started",
		"event_retention_days", s.cfg.EventRetentionDays,
		"interval", s.cfg.CleanupInterval)
}

// Stop signals the pruning loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	// One pass at startup so a long-stopped hub catches up immediately.
	s.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.prune(ctx)
		}
	}
}

// prune removes events older than the retention window.
func (s *Service) prune(ctx context.Context) {
	cutoff := s.now().AddDate(0, 0, -s.cfg.EventRetentionDays)
	n, err := s.store.PruneEvents(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to prune event log", "error", err)
		}
		return
	}
	if n > 0 {
		s.logger.Info("pruned event log", "removed", n, "cutoff", cutoff.Format(time.RFC3339))
	}
}
