package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parcelview/sitewatch/util/deduplock"
	"github.com/parcelview/sitewatch/util/logger"
	"github.com/parcelview/sitewatch/util/metrics"
	"github.com/parcelview/sitewatch/util/workerpool"
)

// JobFunc is the unit of work a job performs on each run. It may suspend on
// I/O; the dedup lock's TTL covers a run that outlives its holder.
type JobFunc func(ctx context.Context) error

// Job describes one keyed periodic job, typically a snapshot refresh against
// an upstream dataset.
type Job struct {
	Key      string        // dedup lock key; unique per job
	Interval time.Duration // how often the job becomes due
	LockTTL  time.Duration // dedup lock TTL; must exceed a normal run
	Run      JobFunc
}

// jobState tracks a job and its next due time
type jobState struct {
	job     Job
	nextDue time.Time
}

// Scheduler runs keyed background jobs on their intervals. Executions go
// through a fixed-size worker pool, and each run is wrapped in a dedup lock
// so a run that is still in flight when the job comes due again causes a
// skip instead of a concurrent duplicate.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []*jobState
	keys    map[string]bool
	locks   *deduplock.Registry
	pool    *workerpool.WorkerPool
	now     func() time.Time
	logger  *logger.Logger
	tick    time.Duration
	stopCh  chan struct{}
	done    chan struct{}
	started bool
}

// NewScheduler creates a scheduler that executes jobs on the given pool,
// deduplicating runs through the given lock registry.
func NewScheduler(locks *deduplock.Registry, pool *workerpool.WorkerPool) *Scheduler {
	return &Scheduler{
		keys:   make(map[string]bool),
		locks:  locks,
		pool:   pool,
		now:    time.Now,
		logger: logger.NewLogger("Scheduler"),
		tick:   time.Second,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// AddJob registers a job. A newly added job is due on the next tick. Jobs
// cannot be added after Start.
func (s *Scheduler) AddJob(job Job) error {
	if job.Key == "" {
		return fmt.Errorf("job key cannot be empty")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Key)
	}
	if job.LockTTL <= 0 {
		return fmt.Errorf("job %s: lock TTL must be positive", job.Key)
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: run function is required", job.Key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("cannot add job %s: scheduler already started", job.Key)
	}
	if s.keys[job.Key] {
		return fmt.Errorf("duplicate job key: %s", job.Key)
	}
	s.keys[job.Key] = true
	s.jobs = append(s.jobs, &jobState{job: job, nextDue: s.now()})
	return nil
}

// Start begins the scheduling loop. No-op if already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	count := len(s.jobs)
	s.mu.Unlock()

	s.logger.Infof("Starting scheduler with %d jobs", count)
	go s.run()
}

// Stop stops the scheduling loop and waits for it to finish. In-flight job
// executions are not interrupted; they finish on the worker pool. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}

	if started {
		<-s.done
	}
	s.logger.Infof("Scheduler stopped")
}

func (s *Scheduler) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runDueJobs()
		}
	}
}

// runDueJobs submits every due job to the worker pool and advances its next
// due time. The dedup lock inside the submitted task decides whether the run
// actually executes.
func (s *Scheduler) runDueJobs() {
	now := s.now()

	s.mu.Lock()
	due := make([]Job, 0)
	for _, st := range s.jobs {
		if !st.nextDue.After(now) {
			due = append(due, st.job)
			st.nextDue = now.Add(st.job.Interval)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		s.submit(job)
	}
}

func (s *Scheduler) submit(job Job) {
	runID := uuid.NewString()

	s.pool.Submit(func(ctx context.Context) error {
		start := time.Now()
		ran, err := s.locks.WithLock(ctx, job.Key, job.LockTTL, job.Run)
		if !ran {
			metrics.RecordJobSkip(job.Key)
			s.logger.Infof("Job %s run %s skipped: previous run still holds the lock", job.Key, runID)
			return nil
		}
		if err != nil {
			metrics.RecordJobRun(job.Key, "error")
			s.logger.Errorf("Job %s run %s failed after %v: %v", job.Key, runID, time.Since(start), err)
			return err
		}
		metrics.RecordJobRun(job.Key, "ok")
		s.logger.Infof("Job %s run %s completed in %v", job.Key, runID, time.Since(start))
		return nil
	})
}
