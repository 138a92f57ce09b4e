package services

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Cadence describes when a periodic job fires.
type Cadence struct {
	kind     cadenceKind
	hour     int
	minute   int
	weekday  time.Weekday
	interval time.Duration
}

type cadenceKind int

const (
	cadenceDaily cadenceKind = iota
	cadenceHourly
	cadenceWeekly
	cadenceInterval
)

// Daily fires every day at hh:mm.
func Daily(hour, minute int) Cadence {
	return Cadence{kind: cadenceDaily, hour: hour, minute: minute}
}

// Hourly fires every hour at :mm.
func Hourly(minute int) Cadence {
	return Cadence{kind: cadenceHourly, minute: minute}
}

// Weekly fires once a week on the given weekday at hh:mm.
func Weekly(day time.Weekday, hour, minute int) Cadence {
	return Cadence{kind: cadenceWeekly, weekday: day, hour: hour, minute: minute}
}

// Every fires at a fixed interval.
func Every(d time.Duration) Cadence {
	return Cadence{kind: cadenceInterval, interval: d}
}

// Next returns the first fire time strictly after the given instant.
func (c Cadence) Next(after time.Time) time.Time {
	switch c.kind {
	case cadenceDaily:
		next := time.Date(after.Year(), after.Month(), after.Day(), c.hour, c.minute, 0, 0, after.Location())
		if !next.After(after) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	case cadenceHourly:
		next := after.Truncate(time.Hour).Add(time.Duration(c.minute) * time.Minute)
		if !next.After(after) {
			next = next.Add(time.Hour)
		}
		return next
	case cadenceWeekly:
		next := time.Date(after.Year(), after.Month(), after.Day(), c.hour, c.minute, 0, 0, after.Location())
		for next.Weekday() != c.weekday || !next.After(after) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	default:
		return after.Add(c.interval)
	}
}

// JobFunc is one idempotent unit of scheduled work. It returns how many
// entities succeeded and how many failed.
type JobFunc func(ctx context.Context) (successCount, errorCount int, err error)

type scheduledJob struct {
	name      string
	cadence   Cadence
	fn        JobFunc
	lastRunID string
	lastRun   *JobReport
	nextFire  time.Time
}

// JobStatus is the registry view of one job.
type JobStatus struct {
	Name      string     `json:"name"`
	LastRun   *JobReport `json:"last_run,omitempty"`
	NextFire  time.Time  `json:"next_fire"`
	LastRunID string     `json:"last_run_id,omitempty"`
}

type fireEntry struct {
	fireAt  time.Time
	jobName string
}

type fireHeap []fireEntry

func (h fireHeap) Len() int            { return len(h) }
func (h fireHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h fireHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *fireHeap) Push(x interface{}) { *h = append(*h, x.(fireEntry)) }
func (h *fireHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type schedulerTask struct {
	job   *scheduledJob
	runID string
	slot  time.Time
}

// Scheduler drives the offline loop: a min-heap of next-fire times and a
// small worker pool. Each (job, slot) executes at most once.
type Scheduler struct {
	logger *logrus.Logger
	clock  Clock

	mu   sync.Mutex
	jobs map[string]*scheduledJob
	heap fireHeap

	taskCh   chan schedulerTask
	stopCh   chan struct{}
	wakeCh   chan struct{}
	loopDone chan struct{}
	workerWg sync.WaitGroup

	workers      int
	drainTimeout time.Duration
	started      bool
	stopped      bool

	runCtx    context.Context
	runCancel context.CancelFunc

	jobRuns   *prometheus.CounterVec
	jobErrors *prometheus.CounterVec
}

func NewScheduler(clock Clock, workers int, logger *logrus.Logger) *Scheduler {
	if workers <= 0 {
		workers = 2
	}
	s := &Scheduler{
		logger:       logger,
		clock:        clock,
		jobs:         make(map[string]*scheduledJob),
		taskCh:       make(chan schedulerTask, 64),
		stopCh:       make(chan struct{}),
		wakeCh:       make(chan struct{}, 1),
		loopDone:     make(chan struct{}),
		workers:      workers,
		drainTimeout: 5 * time.Second,
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())

	s.jobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_job_runs_total",
		Help: "Completed scheduled job runs by job name",
	}, []string{"job"})
	s.jobErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_job_errors_total",
		Help: "Failed scheduled job runs by job name",
	}, []string{"job"})
	for _, c := range []prometheus.Collector{s.jobRuns, s.jobErrors} {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				logger.WithError(err).Warn("Failed to register scheduler metrics")
			}
		}
	}

	return s
}

// Register adds a job; the first firing is the cadence's next slot after
// the current time. Registration after Stop is ignored.
func (s *Scheduler) Register(name string, cadence Cadence, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("scheduler stopped: %w", ErrServiceUnavailable)
	}
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered: %w", name, ErrBadInput)
	}
	job := &scheduledJob{name: name, cadence: cadence, fn: fn}
	job.nextFire = cadence.Next(s.clock.Now())
	s.jobs[name] = job
	heap.Push(&s.heap, fireEntry{fireAt: job.nextFire, jobName: name})
	s.wake()
	return nil
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Start launches the dispatch loop and the worker pool.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.workerWg.Add(1)
		go s.worker()
	}
	go s.loop()

	s.logger.WithField("workers", s.workers).Info("Scheduler started")
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)
	for {
		s.mu.Lock()
		var waitCh <-chan time.Time
		now := s.clock.Now()
		for len(s.heap) > 0 && !s.heap[0].fireAt.After(now) {
			entry := heap.Pop(&s.heap).(fireEntry)
			s.dispatchLocked(entry, now)
		}
		if len(s.heap) > 0 {
			waitCh = s.clock.After(s.heap[0].fireAt.Sub(now))
		}
		s.mu.Unlock()

		select {
		case <-s.stopCh:
			return
		case <-s.wakeCh:
		case <-waitCh:
		}
	}
}

// dispatchLocked reschedules the job and hands the due firing to the pool.
// A duplicate firing of an already-claimed slot is dropped.
func (s *Scheduler) dispatchLocked(entry fireEntry, now time.Time) {
	job, ok := s.jobs[entry.jobName]
	if !ok {
		return
	}

	slot := entry.fireAt.Truncate(time.Minute)
	runID := fmt.Sprintf("%s@%s", job.name, slot.UTC().Format(time.RFC3339))

	job.nextFire = job.cadence.Next(now)
	heap.Push(&s.heap, fireEntry{fireAt: job.nextFire, jobName: job.name})

	if job.lastRunID == runID {
		s.logger.WithFields(logrus.Fields{
			"job": job.name, "run_id": runID,
		}).Warn("Duplicate firing for slot, dropping")
		return
	}
	job.lastRunID = runID

	select {
	case s.taskCh <- schedulerTask{job: job, runID: runID, slot: slot}:
	case <-s.stopCh:
	}
}

func (s *Scheduler) worker() {
	defer s.workerWg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case task := <-s.taskCh:
			s.run(task)
		}
	}
}

func (s *Scheduler) run(task schedulerTask) {
	start := s.clock.Now()
	log := s.logger.WithFields(logrus.Fields{
		"job":    task.job.name,
		"run_id": task.runID,
	})
	log.Info("Job started")

	success, failed, err := task.job.fn(s.runCtx)
	report := &JobReport{
		JobName:        task.job.name,
		RunID:          task.runID,
		SuccessCount:   success,
		ErrorCount:     failed,
		ProcessingTime: s.clock.Now().Sub(start),
		StartedAt:      start,
	}

	s.mu.Lock()
	task.job.lastRun = report
	s.mu.Unlock()

	s.jobRuns.WithLabelValues(task.job.name).Inc()
	if err != nil {
		s.jobErrors.WithLabelValues(task.job.name).Inc()
		log.WithError(err).WithFields(logrus.Fields{
			"success_count": success,
			"error_count":   failed,
		}).Error("Job failed")
		return
	}
	log.WithFields(logrus.Fields{
		"success_count":   success,
		"error_count":     failed,
		"processing_time": report.ProcessingTime,
	}).Info("Job completed")
}

// Status lists every registered job with its last and next run.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	statuses := make([]JobStatus, 0, len(s.jobs))
	for _, job := range s.jobs {
		statuses = append(statuses, JobStatus{
			Name:      job.name,
			LastRun:   job.lastRun,
			NextFire:  job.nextFire,
			LastRunID: job.lastRunID,
		})
	}
	return statuses
}

// Alive reports whether the dispatch loop is running.
func (s *Scheduler) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return false
	}
	select {
	case <-s.loopDone:
		return false
	default:
		return true
	}
}

// Stop halts dispatching and waits up to the drain timeout for in-flight
// jobs; after that their context is cancelled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	close(s.stopCh)
	if !started {
		s.runCancel()
		return
	}
	<-s.loopDone

	done := make(chan struct{})
	go func() {
		s.workerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.drainTimeout):
		s.logger.Warn("Scheduler drain timeout, cancelling in-flight jobs")
	}
	s.runCancel()
	s.logger.Info("Scheduler stopped")
}
