// Package cleanup runs the background sweepers: it times out stuck
// sessions, marks silent agents offline, and flushes the budget spend
// counters. All operations are idempotent and safe to run from
// multiple pods.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/formscout/formscout/pkg/config"
)

// SessionSweeper fails non-terminal sessions older than the cutoff and
// returns their IDs.
type SessionSweeper interface {
	SweepTimeouts(ctx context.Context, cutoff time.Time) ([]string, error)
}

// AgentSweeper marks agents offline when their last heartbeat predates
// the cutoff.
type AgentSweeper interface {
	SweepOffline(ctx context.Context, cutoff time.Time) (int64, error)
}

// BudgetFlusher settles the in-memory spend counters into the ledger.
type BudgetFlusher interface {
	Flush(ctx context.Context) error
}

// RecordDropper removes a session's fast-store record so late task
// results for a swept session fall on the floor.
type RecordDropper interface {
	DeleteSession(ctx context.Context, sessionID string) error
}

// Service owns the sweep loop.
type Service struct {
	cfg      *config.SessionConfig
	sessions SessionSweeper
	agents   AgentSweeper
	gate     BudgetFlusher
	records  RecordDropper

	cancel context.CancelFunc
	done   chan struct{}
}

func NewService(cfg *config.SessionConfig, sessions SessionSweeper, agents AgentSweeper, gate BudgetFlusher, records RecordDropper) *Service {
	return &Service{
		cfg:      cfg,
		sessions: sessions,
		agents:   agents,
		gate:     gate,
		records:  records,
	}
}

// Start launches the sweep and flush loops.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"session_ttl", s.cfg.TTL,
		"sweep_interval", s.cfg.SweepInterval,
		"heartbeat_threshold", s.cfg.HeartbeatThreshold,
		"flush_interval", s.cfg.FlushInterval)
}

// Stop signals the loops to exit and waits for them to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	flush := time.NewTicker(s.cfg.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			// Best effort: persist whatever spend is still buffered.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.flushBudget(flushCtx)
			cancel()
			return
		case <-sweep.C:
			s.sweep(ctx)
		case <-flush.C:
			s.flushBudget(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	s.sweepSessions(ctx)
	s.sweepAgents(ctx)
}

// sweepSessions fails sessions past their time budget and drops their
// fast-store records so any in-flight task result is discarded.
func (s *Service) sweepSessions(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.TTL)
	ids, err := s.sessions.SweepTimeouts(ctx, cutoff)
	if err != nil {
		slog.Error("Sweep: session timeout pass failed", "error", err)
		return
	}
	for _, id := range ids {
		if err := s.records.DeleteSession(ctx, id); err != nil {
			slog.Warn("Sweep: failed to drop session record", "session_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		slog.Info("Sweep: timed out sessions", "count", len(ids))
	}
}

func (s *Service) sweepAgents(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.HeartbeatThreshold)
	count, err := s.agents.SweepOffline(ctx, cutoff)
	if err != nil {
		slog.Error("Sweep: agent offline pass failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Sweep: marked agents offline", "count", count)
	}
}

func (s *Service) flushBudget(ctx context.Context) {
	if err := s.gate.Flush(ctx); err != nil {
		slog.Error("Sweep: budget flush failed", "error", err)
	}
}
