package cluster

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/c360/pitwall/errors"
)

// ErrEscalated is returned when a supervised child exceeds its restart budget.
var ErrEscalated = stderrors.New("supervised child exceeded restart budget")

// SupervisorConfig bounds restarts.
type SupervisorConfig struct {
	MaxRestarts int           // restarts allowed inside Window
	Window      time.Duration // sliding window for MaxRestarts
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

// DefaultSupervisorConfig allows 10 restarts within 10 seconds.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxRestarts: 10,
		Window:      10 * time.Second,
		MinBackoff:  10 * time.Millisecond,
		MaxBackoff:  time.Second,
	}
}

// Supervisor runs a child and restarts it when it fails or panics.
type Supervisor struct {
	name        string
	cfg         SupervisorConfig
	child       func(ctx context.Context) error
	onTerminate func(err error)
	logger      *slog.Logger
}

// NewSupervisor creates a supervisor. onTerminate, if set, is called every
// time the child dies, before any restart.
func NewSupervisor(name string, cfg SupervisorConfig, child func(ctx context.Context) error,
	onTerminate func(err error), logger *slog.Logger) *Supervisor {
	d := DefaultSupervisorConfig()
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = d.MaxRestarts
	}
	if cfg.Window <= 0 {
		cfg.Window = d.Window
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = d.MinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(d.MaxBackoff, cfg.MinBackoff)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		name:        name,
		cfg:         cfg,
		child:       child,
		onTerminate: onTerminate,
		logger:      logger.With("component", "supervisor", "child", name),
	}
}

func (s *Supervisor) runChild(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.child(ctx)
}

// Run supervises until ctx ends (returns nil) or the restart budget is
// exhausted (returns an error wrapping ErrEscalated).
func (s *Supervisor) Run(ctx context.Context) error {
	delay := backoff.NewExponentialBackOff()
	delay.InitialInterval = s.cfg.MinBackoff
	delay.MaxInterval = s.cfg.MaxBackoff
	delay.Multiplier = 2.0
	delay.RandomizationFactor = 0.1
	delay.Reset()

	var restarts []time.Time
	for {
		err := s.runChild(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("child exited")
		}
		if s.onTerminate != nil {
			s.onTerminate(err)
		}

		now := time.Now()
		cutoff := now.Add(-s.cfg.Window)
		kept := restarts[:0]
		for _, t := range restarts {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		restarts = kept

		if len(restarts) >= s.cfg.MaxRestarts {
			s.logger.Error("Restart budget exhausted, escalating",
				"restarts", len(restarts), "window", s.cfg.Window, "error", err)
			return errors.WrapFatal(fmt.Errorf("%w: %v", ErrEscalated, err), "Supervisor", "Run", s.name)
		}
		restarts = append(restarts, now)

		wait := delay.NextBackOff()
		s.logger.Warn("Child terminated, restarting", "error", err, "restart", len(restarts), "delay", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
