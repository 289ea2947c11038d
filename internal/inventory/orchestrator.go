// Package inventory runs collection cycles across the host list.
package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/go-tangra/go-tangra-swinventory/internal/hosts"
	"github.com/go-tangra/go-tangra-swinventory/internal/normalize"
	"github.com/go-tangra/go-tangra-swinventory/internal/remote"
	"github.com/go-tangra/go-tangra-swinventory/internal/store"
)

// ErrAlreadyRunning is returned when a run is requested while another one is
// in flight.
var ErrAlreadyRunning = errors.New("inventory run already in progress")

// Collector fetches the raw entries of one host.
type Collector interface {
	Collect(ctx context.Context, host string) ([]remote.Entry, error)
}

// Store is the subset of *store.Store used by a run.
type Store interface {
	Connect(ctx context.Context) error
	Backup(ctx context.Context) (int64, error)
	ResetFreshness(ctx context.Context) (int64, error)
	Insert(ctx context.Context, host string, records []normalize.Record) (int, error)
	Metadata(ctx context.Context) (store.Metadata, error)
	SetMetadata(ctx context.Context, key store.MetaKey, value any) error
}

// IsHostError reports whether err only concerns a single host. A lost
// database connection never does, even when it surfaces during one host's
// insert.
func IsHostError(err error) bool {
	var (
		connErr *store.ConnectionError
		insErr  *store.InsertError
	)
	if errors.As(err, &connErr) {
		return false
	}
	return remote.IsHostError(err) || errors.As(err, &insErr)
}

// Options tunes an Orchestrator.
type Options struct {
	Workers         int
	BackupBeforeRun bool
	// DumpDir, when set, receives <host>_output.json per processed host.
	DumpDir string
	Clock   clockwork.Clock
}

// HostFailure is one host that could not be inventoried.
type HostFailure struct {
	Host  string `json:"host"`
	Error string `json:"error"`
}

// RunSummary is the immutable result of one run.
type RunSummary struct {
	ID              uuid.UUID     `json:"id"`
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         time.Time     `json:"ended_at"`
	HostsAttempted  int           `json:"hosts_attempted"`
	HostsProcessed  int           `json:"hosts_processed"`
	HostsFailed     int           `json:"hosts_failed"`
	RecordsInserted int           `json:"records_inserted"`
	Failures        []HostFailure `json:"failures,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// RunStatus is a point-in-time view of the orchestrator.
type RunStatus struct {
	Running         bool        `json:"running"`
	RunID           string      `json:"run_id,omitempty"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	HostsTotal      int         `json:"hosts_total"`
	HostsDone       int         `json:"hosts_done"`
	HostsFailed     int         `json:"hosts_failed"`
	RecordsInserted int         `json:"records_inserted"`
	LastRun         *RunSummary `json:"last_run,omitempty"`
}

type progress struct {
	id       uuid.UUID
	started  time.Time
	total    atomic.Int64
	done     atomic.Int64
	failed   atomic.Int64
	inserted atomic.Int64
}

// Orchestrator executes at most one run at a time.
type Orchestrator struct {
	collector Collector
	store     Store
	hosts     hosts.Source
	logger    *zap.Logger
	clock     clockwork.Clock
	opts      Options

	running atomic.Bool
	current atomic.Pointer[progress]
	last    atomic.Pointer[RunSummary]
}

func New(collector Collector, st Store, src hosts.Source, opts Options, logger *zap.Logger) *Orchestrator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		collector: collector,
		store:     st,
		hosts:     src,
		logger:    logger,
		clock:     opts.Clock,
		opts:      opts,
	}
}

// Run is a reserved run slot returned by Begin.
type Run struct {
	ID   uuid.UUID
	o    *Orchestrator
	used atomic.Bool
}

// Begin reserves the single run slot. The caller must call Execute on the
// returned run.
func (o *Orchestrator) Begin() (*Run, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	return &Run{ID: uuid.New(), o: o}, nil
}

// RunOnce begins and executes a run.
func (o *Orchestrator) RunOnce(ctx context.Context) (RunSummary, error) {
	run, err := o.Begin()
	if err != nil {
		return RunSummary{}, err
	}
	return run.Execute(ctx)
}

// Running reports whether a run is in flight.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Status returns the current run progress and the last finished run.
func (o *Orchestrator) Status() RunStatus {
	st := RunStatus{LastRun: o.last.Load()}
	if p := o.current.Load(); p != nil {
		started := p.started
		st.Running = true
		st.RunID = p.id.String()
		st.StartedAt = &started
		st.HostsTotal = int(p.total.Load())
		st.HostsDone = int(p.done.Load())
		st.HostsFailed = int(p.failed.Load())
		st.RecordsInserted = int(p.inserted.Load())
	} else if o.running.Load() {
		st.Running = true
	}
	return st
}

// Execute performs the run and releases the slot. Per-host failures are
// recorded in the summary; the returned error is set only when the run could
// not proceed (database unavailable, host list unreadable, metadata writes
// failing).
func (r *Run) Execute(ctx context.Context) (RunSummary, error) {
	if !r.used.CompareAndSwap(false, true) {
		return RunSummary{}, errors.New("run already executed")
	}
	o := r.o
	defer o.running.Store(false)

	p := &progress{id: r.ID, started: o.clock.Now().UTC()}
	o.current.Store(p)
	defer o.current.Store(nil)

	log := o.logger.With(zap.String("run_id", r.ID.String()))
	summary := RunSummary{ID: r.ID, StartedAt: p.started}

	err := o.execute(ctx, log, p, &summary)
	summary.EndedAt = o.clock.Now().UTC()
	if err != nil {
		summary.Error = err.Error()
		log.Error("inventory run aborted", zap.Error(err))
	} else {
		log.Info("inventory run finished",
			zap.Int("hosts", summary.HostsAttempted),
			zap.Int("processed", summary.HostsProcessed),
			zap.Int("failed", summary.HostsFailed),
			zap.Int("records", summary.RecordsInserted),
			zap.Duration("took", summary.EndedAt.Sub(summary.StartedAt)))
	}
	o.last.Store(&summary)
	return summary, err
}

func (o *Orchestrator) execute(ctx context.Context, log *zap.Logger, p *progress, summary *RunSummary) error {
	if err := o.store.Connect(ctx); err != nil {
		return err
	}
	if err := o.store.SetMetadata(ctx, store.KeyLastInventoryStart, p.started); err != nil {
		return err
	}

	targets, err := o.hosts.Hosts()
	if err != nil {
		return err
	}
	p.total.Store(int64(len(targets)))
	summary.HostsAttempted = len(targets)
	log.Info("inventory run started", zap.Int("hosts", len(targets)), zap.Int("workers", o.opts.Workers))

	if o.opts.BackupBeforeRun {
		n, err := o.store.Backup(ctx)
		if err != nil {
			return fmt.Errorf("backup: %w", err)
		}
		log.Info("productive table backed up", zap.Int64("rows", n))
	}
	n, err := o.store.ResetFreshness(ctx)
	if err != nil {
		return fmt.Errorf("reset freshness: %w", err)
	}
	log.Debug("freshness reset", zap.Int64("rows", n))

	var (
		mu       sync.Mutex
		failures = make(map[string]string, len(targets))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)
	for _, host := range targets {
		g.Go(func() error {
			inserted, err := o.processHost(gctx, log, host)
			if err != nil && !IsHostError(err) {
				// Cancels the remaining hosts; the run is aborted below.
				return fmt.Errorf("host %s: %w", host, err)
			}
			if err != nil {
				p.failed.Add(1)
				mu.Lock()
				failures[host] = err.Error()
				mu.Unlock()
				log.Warn("host failed", zap.String("host", host), zap.Error(err))
			} else {
				p.inserted.Add(int64(inserted))
			}
			p.done.Add(1)
			return nil
		})
	}
	runErr := g.Wait()

	for _, host := range targets {
		if msg, ok := failures[host]; ok {
			summary.Failures = append(summary.Failures, HostFailure{Host: host, Error: msg})
		}
	}
	summary.HostsFailed = len(summary.Failures)
	summary.HostsProcessed = summary.HostsAttempted - summary.HostsFailed
	summary.RecordsInserted = int(p.inserted.Load())

	if runErr != nil {
		// The schedule is left alone so the next poll retries.
		return runErr
	}
	return o.finish(ctx, log)
}

func (o *Orchestrator) processHost(ctx context.Context, log *zap.Logger, host string) (int, error) {
	entries, err := o.collector.Collect(ctx, host)
	if err != nil {
		return 0, err
	}
	records := normalize.All(entries)

	n, err := o.store.Insert(ctx, host, records)
	if err != nil {
		return 0, err
	}
	log.Info("host inventoried", zap.String("host", host), zap.Int("records", n))

	if o.opts.DumpDir != "" {
		if err := dump(o.opts.DumpDir, host, records); err != nil {
			log.Warn("could not write host dump", zap.String("host", host), zap.Error(err))
		}
	}
	return n, nil
}

func (o *Orchestrator) finish(ctx context.Context, log *zap.Logger) error {
	end := o.clock.Now().UTC()
	if err := o.store.SetMetadata(ctx, store.KeyLastEndTime, end); err != nil {
		return err
	}

	meta, err := o.store.Metadata(ctx)
	if err != nil {
		return err
	}
	next := NextRun(end, meta.IntervalWeeks)
	if err := o.store.SetMetadata(ctx, store.KeyNextInventoryRun, next); err != nil {
		return err
	}
	log.Info("next inventory scheduled", zap.Time("next_run", next))
	return nil
}

// NextRun returns from plus the given number of weeks.
func NextRun(from time.Time, weeks int) time.Time {
	if weeks < 1 {
		weeks = 1
	}
	return from.AddDate(0, 0, 7*weeks)
}

func dump(dir, host string, records []normalize.Record) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	name := filepath.Base(filepath.Clean(host)) + "_output.json"
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}
