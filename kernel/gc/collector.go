// Package gc reclaims session workspaces that have been idle for longer
// than the inactivity limit.
package gc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/OnslaughtSnail/bibforge/internal/observability"
	"github.com/OnslaughtSnail/bibforge/kernel/artifact"
	"github.com/OnslaughtSnail/bibforge/kernel/clock"
	"github.com/OnslaughtSnail/bibforge/kernel/session"
)

const (
	DefaultInterval        = time.Minute
	DefaultInactivityLimit = 17 * time.Minute
)

var ErrAlreadyRunning = errors.New("gc: collector is already running")

// Config controls the cycle cadence. Zero values take the defaults.
type Config struct {
	Interval        time.Duration
	InactivityLimit time.Duration
	// OrphanSweep also deletes session directories on disk that the
	// registry does not know, once they are older than InactivityLimit.
	OrphanSweep bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.InactivityLimit <= 0 {
		c.InactivityLimit = DefaultInactivityLimit
	}
	return c
}

// Recorder receives expiry events. *ledger.Ledger satisfies it.
type Recorder interface {
	MarkExpired(ctx context.Context, sessionID string, at time.Time) error
}

// CleanupError is one session whose artifacts could not be reclaimed.
type CleanupError struct {
	SessionID string
	Err       error
}

func (e CleanupError) Error() string {
	return fmt.Sprintf("gc: cleanup %s: %v", e.SessionID, e.Err)
}

func (e CleanupError) Unwrap() error { return e.Err }

// CycleResult summarizes one collection cycle.
type CycleResult struct {
	Started  time.Time
	Finished time.Time
	// Scanned is the number of live sessions at the start of the cycle.
	Scanned int
	// Expired lists sessions evicted from the registry this cycle.
	Expired []string
	// Reclaimed lists sessions whose artifacts are confirmed deleted,
	// including retries of earlier failures.
	Reclaimed    []string
	Orphans      []string
	MissingFiles int
	Errors       []CleanupError
}

func (r CycleResult) Duration() time.Duration { return r.Finished.Sub(r.Started) }

// Deps are the collaborators of a Collector. Registry and Store are required.
type Deps struct {
	Registry *session.Registry
	Store    artifact.Store
	Clock    clock.Clock
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Ledger   Recorder
}

// Collector runs cleanup cycles on a ticker until stopped.
type Collector struct {
	cfg      Config
	registry *session.Registry
	store    artifact.Store
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *observability.Metrics
	ledger   Recorder

	// cycleDone observes every finished cycle of the background loop.
	cycleDone func(CycleResult)

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	finished chan struct{}
}

// New builds a stopped Collector.
func New(cfg Config, deps Deps) (*Collector, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("gc: registry is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("gc: artifact store is required")
	}
	c := &Collector{
		cfg:      cfg.withDefaults(),
		registry: deps.Registry,
		store:    deps.Store,
		clock:    deps.Clock,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		ledger:   deps.Ledger,
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("gc")
	return c, nil
}

// Start launches the background loop. The first cycle runs immediately.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}
	c.running = true
	c.stop = make(chan struct{})
	c.finished = make(chan struct{})

	c.logger.Info("collector starting",
		zap.Duration("interval", c.cfg.Interval),
		zap.Duration("inactivity_limit", c.cfg.InactivityLimit),
		zap.Bool("orphan_sweep", c.cfg.OrphanSweep),
	)
	ticker := c.clock.NewTicker(c.cfg.Interval)
	go c.loop(ctx, ticker, c.stop, c.finished)
	return nil
}

// Stop ends the loop and waits for an in-progress cycle to finish.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stop)
	finished := c.finished
	c.mu.Unlock()
	<-finished
}

// RunNow runs one cycle synchronously.
func (c *Collector) RunNow(ctx context.Context) CycleResult {
	return c.runCycle(ctx)
}

func (c *Collector) loop(ctx context.Context, ticker *clock.Ticker, stop <-chan struct{}, finished chan<- struct{}) {
	defer close(finished)
	defer ticker.Stop()

	c.observe(c.runCycle(ctx))
	for {
		select {
		case <-ctx.Done():
			c.markStopped(stop)
			c.logger.Info("collector stopped", zap.String("reason", "context canceled"))
			return
		case <-stop:
			c.logger.Info("collector stopped", zap.String("reason", "stop requested"))
			return
		case <-ticker.C:
			c.observe(c.runCycle(ctx))
		}
	}
}

func (c *Collector) markStopped(stop <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop == stop && c.running {
		c.running = false
		close(c.stop)
	}
}

func (c *Collector) observe(result CycleResult) {
	if c.cycleDone != nil {
		c.cycleDone(result)
	}
}

func (c *Collector) runCycle(ctx context.Context) CycleResult {
	result := CycleResult{Started: c.clock.Now(), Scanned: c.registry.Len()}
	limit := c.cfg.InactivityLimit

	retrying := c.registry.Retiring()
	for _, rec := range c.registry.Expired(limit) {
		evicted, ok := c.registry.Evict(rec.ID, limit)
		if !ok {
			continue
		}
		result.Expired = append(result.Expired, evicted.ID)
		c.logger.Debug("session expired",
			zap.String("session_id", evicted.ID),
			zap.Duration("idle", evicted.IdleFor(result.Started)),
		)
		if err := c.markExpired(ctx, evicted.ID, result.Started); err != nil {
			c.logger.Warn("ledger update failed", zap.String("session_id", evicted.ID), zap.Error(err))
		}
		c.reclaimRetiring(ctx, evicted.ID, &result)
	}
	for _, id := range retrying {
		c.reclaimRetiring(ctx, id, &result)
	}
	if c.cfg.OrphanSweep {
		c.sweepOrphans(ctx, result.Started, &result)
	}

	result.Finished = c.clock.Now()
	c.metrics.RecordCycle(len(result.Expired), len(result.Orphans), len(result.Errors))
	c.metrics.SetSessions(c.registry.Len())
	if len(result.Expired) > 0 || len(result.Orphans) > 0 || len(result.Errors) > 0 {
		c.logger.Info("collection cycle completed",
			zap.Int("scanned", result.Scanned),
			zap.Int("expired", len(result.Expired)),
			zap.Int("reclaimed", len(result.Reclaimed)),
			zap.Int("orphans", len(result.Orphans)),
			zap.Int("missing_files", result.MissingFiles),
			zap.Int("errors", len(result.Errors)),
			zap.Duration("elapsed", result.Duration()),
		)
	} else {
		c.logger.Debug("collection cycle completed", zap.Int("scanned", result.Scanned))
	}
	return result
}

// markExpired skips a nil Recorder.
func (c *Collector) markExpired(ctx context.Context, id string, at time.Time) error {
	if c.ledger == nil {
		return nil
	}
	return c.ledger.MarkExpired(ctx, id, at)
}

// reclaimRetiring deletes a retiring session's artifacts and forgets the id
// on success. On failure the id stays retiring for the next cycle.
func (c *Collector) reclaimRetiring(ctx context.Context, id string, result *CycleResult) {
	report, err := c.deleteSession(ctx, id)
	result.MissingFiles += len(report.Missing)
	if len(report.Missing) > 0 {
		c.logger.Debug("session files already absent",
			zap.String("session_id", id),
			zap.Strings("roles", roleNames(report.Missing)),
		)
	}
	if err != nil {
		cleanupErr := CleanupError{SessionID: id, Err: err}
		result.Errors = append(result.Errors, cleanupErr)
		c.logger.Warn("session cleanup failed", zap.String("session_id", id), zap.Error(err))
		return
	}
	c.registry.Forget(id)
	result.Reclaimed = append(result.Reclaimed, id)
}

func (c *Collector) sweepOrphans(ctx context.Context, now time.Time, result *CycleResult) {
	dirs, err := c.store.Sessions(ctx)
	if err != nil {
		result.Errors = append(result.Errors, CleanupError{Err: fmt.Errorf("list session dirs: %w", err)})
		c.logger.Warn("orphan scan failed", zap.Error(err))
		return
	}
	for _, dir := range dirs {
		// Only directories named like issued ids are ours to remove.
		if !session.IsID(dir.Session) || c.registry.Known(dir.Session) || now.Sub(dir.Modified) <= c.cfg.InactivityLimit {
			continue
		}
		report, err := c.deleteSession(ctx, dir.Session)
		result.MissingFiles += len(report.Missing)
		if err != nil {
			result.Errors = append(result.Errors, CleanupError{SessionID: dir.Session, Err: err})
			c.logger.Warn("orphan cleanup failed", zap.String("session_id", dir.Session), zap.Error(err))
			continue
		}
		result.Orphans = append(result.Orphans, dir.Session)
		c.logger.Debug("orphan session removed", zap.String("session_id", dir.Session))
	}
}

// deleteSession isolates one session's cleanup: a panic becomes an error.
func (c *Collector) deleteSession(ctx context.Context, id string) (report artifact.DeleteReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during cleanup: %v", r)
		}
	}()
	return c.store.DeleteAll(ctx, id)
}

func roleNames(roles []artifact.Role) []string {
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		out = append(out, role.String())
	}
	return out
}
