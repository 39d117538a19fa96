package kernel

import (
	"context"
	"sync"
	"time"
)

// CleanupConfig holds configurable cleanup parameters.
type CleanupConfig struct {
	// Interval is how often to run cleanup (default: 5 minutes).
	Interval time.Duration
	// SessionIdleTTL ends sessions without activity for this long. Zero keeps
	// sessions until they are ended explicitly.
	SessionIdleTTL time.Duration
	// CommitRetention is how long committed turn ids are remembered for
	// idempotency (default: 1 hour).
	CommitRetention time.Duration
}

// DefaultCleanupConfig returns default cleanup configuration.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:        5 * time.Minute,
		SessionIdleTTL:  1 * time.Hour,
		CommitRetention: 1 * time.Hour,
	}
}

// CleanupConfig derives the cleanup settings from core config.
func (o *Orchestrator) CleanupConfig() CleanupConfig {
	cfg := DefaultCleanupConfig()
	if d := o.cfg.CleanupIntervalDuration(); d > 0 {
		cfg.Interval = d
	}
	cfg.SessionIdleTTL = o.cfg.SessionIdleTTLDuration()
	if cfg.SessionIdleTTL > cfg.CommitRetention {
		cfg.CommitRetention = cfg.SessionIdleTTL
	}
	return cfg
}

// StartCleanupLoop starts a background goroutine that periodically performs
// cleanup. Returns a stop function; Close also stops the loop.
func (o *Orchestrator) StartCleanupLoop(cfg CleanupConfig) func() {
	if cfg.Interval == 0 {
		cfg = DefaultCleanupConfig()
	}

	ticker := time.NewTicker(cfg.Interval)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ticker.C:
				o.runCleanupCycle(cfg)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			<-stopped
		})
	}

	o.mu.Lock()
	o.stopCleanup = stop
	o.mu.Unlock()
	return stop
}

// runCleanupCycle performs a single cleanup cycle with panic recovery.
func (o *Orchestrator) runCleanupCycle(cfg CleanupConfig) {
	_ = SafeExecute(o.logger, "cleanup_cycle", func() error {
		sessionCount := o.CleanupIdleSessions(cfg.SessionIdleTTL)
		commitCount := o.pipeline.Supervisor.PruneCommits(cfg.CommitRetention)
		limiterCount := o.limiter.CleanupExpired(cfg.Interval)

		o.logger.Debug("cleanup_cycle_completed",
			"sessions_cleaned", sessionCount,
			"commits_pruned", commitCount,
			"rate_windows_cleaned", limiterCount,
		)
		return nil
	})
}

// CleanupIdleSessions ends sessions idle for longer than idleTTL and returns
// how many were ended. A zero idleTTL ends nothing.
func (o *Orchestrator) CleanupIdleSessions(idleTTL time.Duration) int {
	if idleTTL <= 0 {
		return 0
	}
	cutoff := time.Now().UTC().Add(-idleTTL)

	var stale []string
	o.mu.RLock()
	for id, s := range o.sessions {
		if s.idleSince().Before(cutoff) && o.agg.Pending(id) == 0 {
			stale = append(stale, id)
		}
	}
	o.mu.RUnlock()

	ended := 0
	for _, id := range stale {
		ctx, cancel := context.WithTimeout(o.baseCtx, o.cfg.TurnTimeoutDuration())
		if err := o.endSession(ctx, id, EndReasonIdle); err == nil {
			ended++
		}
		cancel()
	}
	return ended
}
