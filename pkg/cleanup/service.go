// Package cleanup provides the background data retention loop.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/darkhound/darkhound/pkg/config"
)

// SessionPurger deletes terminated sessions past their retention age.
// *store.Store satisfies it.
type SessionPurger interface {
	PurgeTerminatedSessions(ctx context.Context, olderThan time.Duration) (int64, error)
}

// TimelinePruner deletes timeline entries past their TTL. *intel.Store
// satisfies it.
type TimelinePruner interface {
	PruneTimeline(ctx context.Context, ttl time.Duration) (int64, error)
}

// Service periodically enforces retention policies:
//   - Purges terminated sessions (with their hunts and observations)
//   - Prunes timeline entries past their TTL
//
// Findings are never touched. All operations are idempotent.
type Service struct {
	cfg      config.RetentionConfig
	sessions SessionPurger
	timeline TimelinePruner

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new retention service.
func NewService(cfg config.RetentionConfig, sessions SessionPurger, timeline TimelinePruner) *Service {
	return &Service{cfg: cfg, sessions: sessions, timeline: timeline}
}

// Start launches the background retention loop. A zero interval
// disables the service.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil || s.cfg.Interval <= 0 {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention service started",
		"interval", s.cfg.Interval,
		"session_retention", s.cfg.SessionRetention,
		"timeline_ttl", s.cfg.TimelineTTL)
}

// Stop signals the retention loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	if s.cfg.SessionRetention > 0 {
		count, err := s.sessions.PurgeTerminatedSessions(ctx, s.cfg.SessionRetention)
		switch {
		case err != nil:
			slog.Error("Retention: session purge failed", "error", err)
		case count > 0:
			slog.Info("Retention: purged terminated sessions", "count", count)
		}
	}

	if s.cfg.TimelineTTL > 0 {
		count, err := s.timeline.PruneTimeline(ctx, s.cfg.TimelineTTL)
		switch {
		case err != nil:
			slog.Error("Retention: timeline prune failed", "error", err)
		case count > 0:
			slog.Info("Retention: pruned timeline entries", "count", count)
		}
	}
}
