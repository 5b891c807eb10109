// Package scheduler drives periodic maintenance, primarily the idle-session
// expiry sweep.
package scheduler

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSpec runs the sweep at the top of every hour.
const DefaultSweepSpec = "0 * * * *"

// DefaultSweepBatch bounds how many sessions one sweep pass touches.
const DefaultSweepBatch = 500

// DefaultSessionTTL applies when settings leave the TTL unset.
const DefaultSessionTTL = 30 * time.Minute

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler with per-job panic
// recovery.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// sessionExpirer is the slice of the store the sweeper needs.
type sessionExpirer interface {
	ExpireIdleSessions(ttl time.Duration, now time.Time, batch int) (int, error)
}

// ttlSource reads the configured session TTL; zero means use the default.
type ttlSource func() time.Duration

// Sweeper expires idle sessions in bounded batches. Runs are single-flight:
// a tick that fires while the previous run is still draining is skipped.
type Sweeper struct {
	store   sessionExpirer
	ttl     ttlSource
	batch   int
	now     func() time.Time
	running atomic.Bool
}

// SweeperOpts holds configuration for the sweeper.
type SweeperOpts struct {
	Batch int
	Now   func() time.Time
}

// SweeperOption defines a configuration option for the sweeper.
type SweeperOption func(*SweeperOpts)

// WithBatchSize overrides the per-pass batch bound.
func WithBatchSize(n int) SweeperOption {
	return func(o *SweeperOpts) { o.Batch = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SweeperOption {
	return func(o *SweeperOpts) { o.Now = now }
}

// NewSweeper creates a sweeper over the given store. The ttl function is
// consulted at run time so settings changes take effect without a restart.
func NewSweeper(st sessionExpirer, ttl ttlSource, opts ...SweeperOption) *Sweeper {
	cfg := SweeperOpts{Batch: DefaultSweepBatch, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Sweeper{store: st, ttl: ttl, batch: cfg.Batch, now: cfg.Now}
}

// Run performs one sweep, draining batches until fewer than a full batch
// expire. It returns the total number of sessions expired.
func (s *Sweeper) Run() int {
	if !s.running.CompareAndSwap(false, true) {
		slog.Debug("Sweeper run skipped, previous run still in flight")
		return 0
	}
	defer s.running.Store(false)

	ttl := s.ttl()
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	total := 0
	for {
		n, err := s.store.ExpireIdleSessions(ttl, s.now(), s.batch)
		if err != nil {
			slog.Error("Sweeper pass failed", "error", err, "expired_so_far", total)
			break
		}
		total += n
		if n < s.batch {
			break
		}
	}
	if total > 0 {
		slog.Info("Sweeper expired idle sessions", "count", total, "ttl", ttl)
	}
	return total
}
