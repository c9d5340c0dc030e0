package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"mail-deliverability-go/internal/metrics"
)

var (
	ErrJobRunning = errors.New("job is already running")
	ErrUnknownJob = errors.New("unknown job")
)

// JobFunc is one unit of periodic work.
type JobFunc func(ctx context.Context) error

// JobStatus describes a registered job.
type JobStatus struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	Running   bool      `json:"running"`
	Runs      int       `json:"runs"`
	LastStart time.Time `json:"last_start"`
	LastEnd   time.Time `json:"last_end"`
	LastError string    `json:"last_error,omitempty"`
	Next      time.Time `json:"next"`
}

type job struct {
	name    string
	spec    string
	fn      JobFunc
	entryID cron.EntryID

	mu        sync.Mutex
	running   bool
	runs      int
	lastStart time.Time
	lastEnd   time.Time
	lastErr   error
}

// Scheduler runs named jobs on cron specs. A job never overlaps with
// itself, whether started by cron or by RunOnce.
type Scheduler struct {
	cron    *cron.Cron
	jobs    []*job
	metrics *metrics.Metrics
	timeout time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	isRunning bool
	mu        sync.RWMutex
}

// New creates a scheduler. Each run gets a context bounded by timeout when
// timeout is positive.
func New(m *metrics.Metrics, timeout time.Duration) *Scheduler {
	logger := cron.PrintfLogger(logrus.StandardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		metrics: m,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers fn under name on spec ("@every 5m", "*/10 * * * *", ...).
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if j.name == name {
			return fmt.Errorf("job %s already registered", name)
		}
	}

	j := &job{name: name, spec: spec, fn: fn}
	entryID, err := s.cron.AddFunc(spec, func() {
		s.mu.RLock()
		ctx := s.ctx
		s.mu.RUnlock()
		if err := s.run(ctx, j); err != nil && !errors.Is(err, ErrJobRunning) {
			logrus.WithField("job", j.name).Errorf("Scheduled job failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job %s: %w", name, err)
	}
	j.entryID = entryID
	s.jobs = append(s.jobs, j)
	return nil
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}
	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}

	s.cron.Start()
	s.isRunning = true

	logrus.Infof("Scheduler started with %d jobs", len(s.jobs))
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	s.cancel()
	ctx := s.cron.Stop()

	select {
	case <-ctx.Done():
		logrus.Info("Scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Scheduler stop timeout, forcing shutdown")
	}

	s.isRunning = false
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// RunOnce runs every job now, concurrently, and waits for all of them.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.mu.RLock()
	jobs := append([]*job(nil), s.jobs...)
	s.mu.RUnlock()

	var g errgroup.Group
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			if err := s.run(ctx, j); err != nil {
				return fmt.Errorf("%s: %w", j.name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RunJob runs the named job now.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	s.mu.RLock()
	var found *job
	for _, j := range s.jobs {
		if j.name == name {
			found = j
		}
	}
	s.mu.RUnlock()

	if found == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, found)
}

// Status returns every job in registration order.
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		st := JobStatus{
			Name:      j.name,
			Spec:      j.spec,
			Running:   j.running,
			Runs:      j.runs,
			LastStart: j.lastStart,
			LastEnd:   j.lastEnd,
		}
		if j.lastErr != nil {
			st.LastError = j.lastErr.Error()
		}
		j.mu.Unlock()
		if s.isRunning {
			st.Next = s.cron.Entry(j.entryID).Next
		}
		out = append(out, st)
	}
	return out
}

func (s *Scheduler) run(ctx context.Context, j *job) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		logrus.WithField("job", j.name).Info("Job still running, skipping")
		return ErrJobRunning
	}
	j.running = true
	j.lastStart = time.Now()
	j.mu.Unlock()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	logrus.WithField("job", j.name).Debug("Job started")
	start := time.Now()
	err := j.fn(ctx)
	duration := time.Since(start)

	if s.metrics != nil {
		s.metrics.JobDuration.WithLabelValues(j.name).Observe(duration.Seconds())
	}

	j.mu.Lock()
	j.running = false
	j.runs++
	j.lastEnd = time.Now()
	j.lastErr = err
	j.mu.Unlock()

	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"job": j.name, "duration": duration}).Info("Job completed")
	return nil
}
