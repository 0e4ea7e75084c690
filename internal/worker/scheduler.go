package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/clan-roster/internal/domain"
	"github.com/clan-roster/internal/metrics"
)

// JobFunc performs one run of a scheduled job
type JobFunc func(ctx context.Context) error

// Job is a named recurring task
type Job struct {
	Name     string
	Interval time.Duration
	Run      JobFunc
}

// JobStatus reports the last known state of a job
type JobStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Running   bool          `json:"running"`
	Pending   bool          `json:"pending"`
	Runs      int64         `json:"runs"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// Ticker is the subset of *time.Ticker the scheduler uses
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.Ticker.C }

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{time.NewTicker(d)}
}

type jobState struct {
	job     Job
	trigger chan struct{}
	runMu   sync.Mutex

	mu        sync.Mutex
	running   bool
	runs      int64
	lastRun   time.Time
	lastError string
}

// Scheduler runs each registered job on its own interval and on demand.
// A job never overlaps with itself; different jobs may run concurrently.
// Triggers that arrive while a run is in flight fold into one pending rerun.
type Scheduler struct {
	jobs       map[string]*jobState
	runOnStart bool
	newTicker  func(time.Duration) Ticker
	now        func() time.Time
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithTicker replaces the interval ticker constructor
func WithTicker(fn func(time.Duration) Ticker) Option {
	return func(s *Scheduler) { s.newTicker = fn }
}

// WithClock overrides the time source used for run bookkeeping
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithRunOnStart runs every job once as soon as the scheduler starts
func WithRunOnStart(enabled bool) Option {
	return func(s *Scheduler) { s.runOnStart = enabled }
}

// NewScheduler creates a scheduler with no jobs
func NewScheduler(m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:      make(map[string]*jobState),
		newTicker: newTimeTicker,
		now:       time.Now,
		metrics:   m,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a job. It must be called before Start.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("%w: job needs a name and a run function", domain.ErrInvalidRequest)
	}
	if job.Interval <= 0 {
		return fmt.Errorf("%w: job %s has non-positive interval", domain.ErrInvalidRequest, job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("%w: job %s already registered", domain.ErrInvalidRequest, job.Name)
	}
	s.jobs[job.Name] = &jobState{job: job, trigger: make(chan struct{}, 1)}
	return nil
}

// Start launches one loop per job
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, st := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, st)
		s.logger.Info("scheduled job started", "job", st.job.Name, "interval", st.job.Interval)
	}
	return nil
}

// Stop cancels in-flight runs and waits for every loop to exit
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning returns whether the scheduler loops are active
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, st *jobState) {
	defer s.wg.Done()

	ticker := s.newTicker(st.job.Interval)
	defer ticker.Stop()

	if s.runOnStart {
		s.execute(ctx, st)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.execute(ctx, st)
		case <-st.trigger:
			s.execute(ctx, st)
		}
	}
}

// Trigger asks for an on-demand run of the named job. It reports false when
// the request was folded into a run that is already pending.
func (s *Scheduler) Trigger(name string) (bool, error) {
	st, err := s.job(name)
	if err != nil {
		return false, err
	}
	select {
	case st.trigger <- struct{}{}:
		s.logger.Info("job triggered", "job", name)
		return true, nil
	default:
		s.metrics.JobCoalesced(name)
		s.logger.Info("job already pending, trigger coalesced", "job", name)
		return false, nil
	}
}

// RunOnce runs the named job synchronously, waiting for any in-flight run of
// the same job to finish first.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	st, err := s.job(name)
	if err != nil {
		return err
	}
	return s.execute(ctx, st)
}

// Status lists every job sorted by name
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	states := make([]*jobState, 0, len(s.jobs))
	for _, st := range s.jobs {
		states = append(states, st)
	}
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, JobStatus{
			Name:      st.job.Name,
			Interval:  st.job.Interval,
			Running:   st.running,
			Pending:   len(st.trigger) > 0,
			Runs:      st.runs,
			LastRun:   st.lastRun,
			LastError: st.lastError,
		})
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) job(name string) (*jobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownJob, name)
	}
	return st, nil
}

func (s *Scheduler) execute(ctx context.Context, st *jobState) error {
	st.runMu.Lock()
	defer st.runMu.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	start := s.now()
	st.mu.Lock()
	st.running = true
	st.mu.Unlock()

	err := st.job.Run(ctx)
	duration := s.now().Sub(start)

	st.mu.Lock()
	st.running = false
	st.runs++
	st.lastRun = start
	st.lastError = ""
	if err != nil {
		st.lastError = err.Error()
	}
	st.mu.Unlock()

	outcome := "ok"
	if err != nil {
		outcome = "error"
		s.logger.Error("job run failed", "job", st.job.Name, "duration", duration, "error", err)
	} else {
		s.logger.Debug("job run finished", "job", st.job.Name, "duration", duration)
	}
	s.metrics.ObserveJob(st.job.Name, outcome, duration.Seconds())
	return err
}
