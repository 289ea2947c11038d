// Package scheduler decides when inventory runs start: on the persisted
// schedule, or on demand.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/go-tangra/go-tangra-swinventory/internal/inventory"
	"github.com/go-tangra/go-tangra-swinventory/internal/store"
)

// State is the scheduler's externally visible state.
type State int

const (
	Idle State = iota
	Running
	Paused
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrPaused rejects manual triggers while the service is deactivated.
	ErrPaused = errors.New("inventory service is paused")
	// ErrInvalidInterval rejects intervals below one week.
	ErrInvalidInterval = errors.New("interval must be at least one week")
)

// Orchestrator is the run side used by the scheduler.
type Orchestrator interface {
	Begin() (*inventory.Run, error)
	Running() bool
	Status() inventory.RunStatus
}

// MetadataStore persists the run state.
type MetadataStore interface {
	Metadata(ctx context.Context) (store.Metadata, error)
	SetMetadata(ctx context.Context, key store.MetaKey, value any) error
}

// Options tunes a Scheduler.
type Options struct {
	// PollInterval is how often the persisted schedule is checked.
	PollInterval time.Duration
	// MaxBackoff caps the delay before a failed scheduled run is retried.
	MaxBackoff time.Duration
	Clock      clockwork.Clock
}

// Status combines scheduler state, persisted metadata and run progress.
type Status struct {
	State         string              `json:"state"`
	ServiceActive bool                `json:"service_active"`
	IntervalWeeks int                 `json:"interval_weeks"`
	LastRunStart  *time.Time          `json:"last_run_start"`
	LastRunEnd    *time.Time          `json:"last_run_end"`
	NextRunAt     *time.Time          `json:"next_run_at"`
	RunInProgress bool                `json:"run_in_progress"`
	Run           inventory.RunStatus `json:"run"`
}

// Scheduler polls the metadata singleton and starts due runs. Manual runs go
// through TriggerNow. Both paths share the orchestrator's single run slot.
type Scheduler struct {
	orch   Orchestrator
	meta   MetadataStore
	clock  clockwork.Clock
	poll   time.Duration
	maxBO  time.Duration
	logger *zap.Logger

	active atomic.Bool

	mu       sync.Mutex
	runCtx   context.Context
	failures int
	retryAt  time.Time

	wg sync.WaitGroup
}

func New(orch Orchestrator, meta MetadataStore, opts Options, logger *zap.Logger) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		orch:   orch,
		meta:   meta,
		clock:  opts.Clock,
		poll:   opts.PollInterval,
		maxBO:  opts.MaxBackoff,
		logger: logger,
		runCtx: context.Background(),
	}
}

// Run polls until ctx is cancelled, then waits for an in-flight run to
// finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("scheduler started", zap.Duration("poll_interval", s.poll))
	for {
		s.tick(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping, waiting for active run")
			s.wg.Wait()
			return nil
		case <-s.clock.After(s.poll):
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler tick panicked", zap.Any("panic", r))
		}
	}()

	meta, err := s.meta.Metadata(ctx)
	if err != nil {
		s.logger.Error("read schedule", zap.Error(err))
		return
	}
	s.active.Store(meta.ServiceActive)
	if !meta.ServiceActive {
		s.logger.Debug("service paused, skipping schedule check")
		return
	}
	if s.orch.Running() {
		return
	}

	now := s.clock.Now()
	if !meta.Due(now) {
		return
	}

	s.mu.Lock()
	wait := now.Before(s.retryAt)
	s.mu.Unlock()
	if wait {
		return
	}

	run, err := s.orch.Begin()
	if err != nil {
		return
	}
	s.logger.Info("scheduled inventory run due", zap.String("run_id", run.ID.String()))
	s.launch(run, true)
}

// launch executes run in the background. Scheduled runs that fail are
// retried with exponential backoff instead of on every poll.
func (s *Scheduler) launch(run *inventory.Run, scheduled bool) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("inventory run panicked", zap.String("run_id", run.ID.String()), zap.Any("panic", r))
			}
		}()

		_, err := run.Execute(ctx)

		s.mu.Lock()
		defer s.mu.Unlock()
		if err == nil {
			s.failures = 0
			s.retryAt = time.Time{}
			return
		}
		if scheduled {
			s.failures++
			backoff := calcBackoff(s.poll, s.maxBO, s.failures)
			s.retryAt = s.clock.Now().Add(backoff)
			s.logger.Warn("scheduled run failed, retrying later",
				zap.Int("attempt", s.failures), zap.Duration("backoff", backoff), zap.Error(err))
		}
	}()
}

// TriggerNow starts a run immediately. It returns ErrPaused while the
// service is inactive and inventory.ErrAlreadyRunning while a run is in
// flight; requests are never queued.
func (s *Scheduler) TriggerNow(ctx context.Context) (uuid.UUID, error) {
	meta, err := s.meta.Metadata(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	s.active.Store(meta.ServiceActive)
	if !meta.ServiceActive {
		return uuid.Nil, ErrPaused
	}

	run, err := s.orch.Begin()
	if err != nil {
		return uuid.Nil, err
	}
	s.logger.Info("manual inventory run triggered", zap.String("run_id", run.ID.String()))
	s.launch(run, false)
	return run.ID, nil
}

// Start activates the service. A run in flight is unaffected.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.meta.SetMetadata(ctx, store.KeyServiceActive, true); err != nil {
		return err
	}
	s.active.Store(true)
	s.logger.Info("inventory service activated")
	return nil
}

// Stop deactivates the service. A run in flight completes; no new runs
// start until Start.
func (s *Scheduler) Stop(ctx context.Context) error {
	if err := s.meta.SetMetadata(ctx, store.KeyServiceActive, false); err != nil {
		return err
	}
	s.active.Store(false)
	s.logger.Info("inventory service deactivated")
	return nil
}

// SetInterval persists a new interval. When a previous run has finished, the
// next run is rescheduled relative to its end.
func (s *Scheduler) SetInterval(ctx context.Context, weeks int) error {
	if weeks < 1 {
		return ErrInvalidInterval
	}
	if err := s.meta.SetMetadata(ctx, store.KeyIntervalWeeks, weeks); err != nil {
		return err
	}

	meta, err := s.meta.Metadata(ctx)
	if err != nil {
		return err
	}
	if meta.LastEndTime != nil {
		next := inventory.NextRun(*meta.LastEndTime, weeks)
		if err := s.meta.SetMetadata(ctx, store.KeyNextInventoryRun, next); err != nil {
			return err
		}
	}
	s.logger.Info("inventory interval changed", zap.Int("weeks", weeks))
	return nil
}

// State returns Running while a run is in flight, otherwise Paused or Idle
// depending on the last observed service flag.
func (s *Scheduler) State() State {
	switch {
	case s.orch.Running():
		return Running
	case !s.active.Load():
		return Paused
	default:
		return Idle
	}
}

// Status reads the persisted metadata and combines it with run progress.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	meta, err := s.meta.Metadata(ctx)
	if err != nil {
		return Status{}, err
	}
	s.active.Store(meta.ServiceActive)

	run := s.orch.Status()
	return Status{
		State:         s.State().String(),
		ServiceActive: meta.ServiceActive,
		IntervalWeeks: meta.IntervalWeeks,
		LastRunStart:  meta.LastInventoryStart,
		LastRunEnd:    meta.LastEndTime,
		NextRunAt:     meta.NextInventoryRun,
		RunInProgress: run.Running,
		Run:           run,
	}, nil
}

func calcBackoff(base, limit time.Duration, attempt int) time.Duration {
	d := base * time.Duration(math.Pow(2, float64(attempt-1)))
	if d > limit || d <= 0 {
		d = limit
	}
	return d
}
