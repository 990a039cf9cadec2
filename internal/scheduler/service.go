package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/azure/mentions-sync/internal/analytics"
	"github.com/azure/mentions-sync/internal/config"
	"github.com/azure/mentions-sync/internal/metrics"
	"github.com/azure/mentions-sync/internal/syncer"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Sweeper runs due-source sweeps
type Sweeper interface {
	SyncDueSources(ctx context.Context) (*syncer.Summary, error)
	ActiveSyncs() []syncer.ActiveSync
}

// AnalyticsRunner runs the analytics job
type AnalyticsRunner interface {
	Run(ctx context.Context) (*analytics.RunStats, error)
}

// Sweep describes the last completed due-sources sweep
type Sweep struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	DurationMs int64           `json:"duration_ms"`
	Summary    *syncer.Summary `json:"summary,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Status is reported by the scheduler status endpoint
type Status struct {
	Running           bool                `json:"running"`
	Syncing           bool                `json:"syncing"`
	Cadence           string              `json:"cadence"`
	AnalyticsCadence  string              `json:"analytics_cadence"`
	NextSweep         *time.Time          `json:"next_sweep,omitempty"`
	ActiveSyncs       []syncer.ActiveSync `json:"active_syncs"`
	LastSweep         *Sweep              `json:"last_sweep,omitempty"`
	SkippedSweepTicks int64               `json:"skipped_sweep_ticks"`
}

// Service fires the due-sources sweep and the analytics job on their cron schedules
type Service struct {
	config    *config.Config
	sweeper   Sweeper
	analytics AnalyticsRunner
	metrics   *metrics.Metrics
	cron      *cron.Cron

	running atomic.Bool
	syncing atomic.Bool
	skipped atomic.Int64

	mu        sync.Mutex
	entries   []cron.EntryID
	warmup    *time.Timer
	lastSweep *Sweep
}

// NewService creates a new scheduler service. analyticsRunner may be nil.
func NewService(cfg *config.Config, sweeper Sweeper, analyticsRunner AnalyticsRunner, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	logger := cronLogger{}
	return &Service{
		config:    cfg,
		sweeper:   sweeper,
		analytics: analyticsRunner,
		metrics:   m,
		cron: cron.New(
			cron.WithParser(config.ScheduleParser),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger)),
		),
	}
}

// Start registers the jobs, starts the cron loop and arms the warm-up sweep
func (s *Service) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}

	id, err := s.cron.AddFunc(s.config.SyncSchedule, func() { s.RunSweep(context.Background()) })
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("scheduling sweep %q: %w", s.config.SyncSchedule, err)
	}

	entries := []cron.EntryID{id}
	if s.analytics != nil {
		analyticsID, err := s.cron.AddFunc(s.config.AnalyticsSchedule, s.runAnalytics)
		if err != nil {
			s.cron.Remove(id)
			s.running.Store(false)
			return fmt.Errorf("scheduling analytics %q: %w", s.config.AnalyticsSchedule, err)
		}
		entries = append(entries, analyticsID)
	}

	s.mu.Lock()
	s.entries = entries
	if s.config.SyncWarmupDelay >= 0 {
		s.warmup = time.AfterFunc(s.config.SyncWarmupDelay, func() {
			logrus.Info("Running warm-up sweep")
			s.RunSweep(context.Background())
		})
	}
	s.mu.Unlock()

	s.cron.Start()
	logrus.Infof("Scheduler started: sweep %q, analytics %q, warm-up in %s",
		s.config.SyncSchedule, s.config.AnalyticsSchedule, s.config.SyncWarmupDelay)
	return nil
}

// Stop halts future ticks. In-flight sweeps run to completion.
func (s *Service) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	s.mu.Lock()
	if s.warmup != nil {
		s.warmup.Stop()
	}
	// entries are registered again on the next Start
	for _, id := range s.entries {
		s.cron.Remove(id)
	}
	s.entries = nil
	s.mu.Unlock()

	s.cron.Stop()
	logrus.Info("Scheduler stopped")
}

// RunSweep runs one due-sources sweep unless one is already in progress, in which case
// the tick is dropped. It reports whether a sweep ran, including one that failed or panicked.
func (s *Service) RunSweep(ctx context.Context) (ran bool) {
	if !s.syncing.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.metrics.SweepsSkipped.Inc()
		logrus.Warn("Previous sweep still running, skipping tick")
		return false
	}
	defer s.syncing.Store(false)
	ran = true

	sweep := &Sweep{StartedAt: time.Now()}
	defer func() {
		if r := recover(); r != nil {
			sweep.Error = fmt.Sprintf("panic: %v", r)
			logrus.Errorf("Sweep panicked: %v", r)
		}
		sweep.FinishedAt = time.Now()
		sweep.DurationMs = sweep.FinishedAt.Sub(sweep.StartedAt).Milliseconds()
		s.metrics.SweepDuration.Observe(sweep.FinishedAt.Sub(sweep.StartedAt).Seconds())

		s.mu.Lock()
		s.lastSweep = sweep
		s.mu.Unlock()
	}()

	summary, err := s.sweeper.SyncDueSources(ctx)
	if err != nil {
		sweep.Error = err.Error()
		logrus.Errorf("Due-sources sweep failed: %v", err)
		return true
	}
	sweep.Summary = summary
	return true
}

func (s *Service) runAnalytics() {
	logrus.Info("Starting scheduled analytics run")
	if _, err := s.analytics.Run(context.Background()); err != nil {
		if errors.Is(err, analytics.ErrAlreadyRunning) {
			return
		}
		logrus.Errorf("Scheduled analytics run failed: %v", err)
	}
}

// Status reports the scheduler state and the in-flight source syncs
func (s *Service) Status() Status {
	status := Status{
		Running:           s.running.Load(),
		Syncing:           s.syncing.Load(),
		Cadence:           s.config.SyncSchedule,
		AnalyticsCadence:  s.config.AnalyticsSchedule,
		ActiveSyncs:       s.sweeper.ActiveSyncs(),
		SkippedSweepTicks: s.skipped.Load(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastSweep != nil {
		last := *s.lastSweep
		status.LastSweep = &last
	}
	if status.Running && len(s.entries) > 0 {
		if next := s.cron.Entry(s.entries[0]).Next; !next.IsZero() {
			status.NextSweep = &next
		}
	}
	return status
}

// cronLogger routes robfig/cron's logging through logrus
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logrus.WithFields(fields(keysAndValues)).Debug("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logrus.WithFields(fields(keysAndValues)).WithError(err).Error("cron: " + msg)
}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}
