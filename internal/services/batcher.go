package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/temcen/rerank/internal/config"
)

type scoreResult struct {
	score float64
	err   error
}

type batchItem struct {
	features []float64
	deadline time.Time
	// Buffered so late delivery after a caller timeout never blocks the
	// worker; the result is simply discarded.
	result chan scoreResult
}

// BatcherStats is the counter snapshot surfaced by STATS.
type BatcherStats struct {
	Enqueued     uint64  `json:"enqueued"`
	Batches      uint64  `json:"batches"`
	AvgBatchSize float64 `json:"avg_batch_size"`
	Timeouts     uint64  `json:"timeouts"`
	Overloads    uint64  `json:"overloads"`
	Failures     uint64  `json:"failures"`
	QueueDepth   int     `json:"queue_depth"`
}

// InferenceBatcher coalesces concurrent single-item score calls into
// bounded batchScore calls. A batch is sealed when it reaches the size
// limit or when the timeout since its first item elapses, whichever is
// first; results map back to callers by submission order.
type InferenceBatcher struct {
	scorer Scorer
	cfg    config.BatcherConfig
	clock  Clock
	logger *logrus.Logger

	mu           sync.Mutex
	open         []*batchItem
	generation   uint64
	pendingItems int
	stopped      bool

	maxQueueDepth int
	flushCh       chan []*batchItem
	stopCh        chan struct{}
	workerWg      sync.WaitGroup

	statsMu    sync.Mutex
	enqueued   uint64
	batches    uint64
	batchItems uint64
	timeouts   uint64
	overloads  uint64
	failures   uint64

	batchSizeHist prometheus.Histogram
	overloadCtr   prometheus.Counter
	timeoutCtr    prometheus.Counter
}

func NewInferenceBatcher(scorer Scorer, cfg config.BatcherConfig, clock Clock, logger *logrus.Logger) *InferenceBatcher {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 64
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = time.Second
	}
	maxQueueDepth := cfg.MaxQueueDepth
	if maxQueueDepth <= 0 {
		maxQueueDepth = 8 * cfg.MaxBatchSize
	}

	b := &InferenceBatcher{
		scorer:        scorer,
		cfg:           cfg,
		clock:         clock,
		logger:        logger,
		maxQueueDepth: maxQueueDepth,
		flushCh:       make(chan []*batchItem, maxQueueDepth),
		stopCh:        make(chan struct{}),
	}

	b.batchSizeHist = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "inference_batch_size",
		Help:    "Items per flushed inference batch",
		Buckets: prometheus.ExponentialBuckets(1, 2, 8),
	})
	b.overloadCtr = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inference_batcher_overloads_total",
		Help: "Score calls rejected because the pending queue was full",
	})
	b.timeoutCtr = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inference_batcher_timeouts_total",
		Help: "Score calls that exceeded their deadline",
	})
	for _, c := range []prometheus.Collector{b.batchSizeHist, b.overloadCtr, b.timeoutCtr} {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				logger.WithError(err).Warn("Failed to register batcher metrics")
			}
		}
	}

	for i := 0; i < cfg.MaxWorkers; i++ {
		b.workerWg.Add(1)
		go b.worker()
	}

	return b
}

// Score blocks until the enclosing batch has been processed and returns
// the scalar for this call's input. Calls beyond the queue depth fail
// with OVERLOADED; calls that outlive their deadline fail with TIMEOUT.
func (b *InferenceBatcher) Score(ctx context.Context, features []float64) (float64, error) {
	now := b.clock.Now()
	item := &batchItem{
		features: features,
		deadline: now.Add(b.cfg.CallTimeout),
		result:   make(chan scoreResult, 1),
	}
	if d, ok := ctx.Deadline(); ok && d.Before(item.deadline) {
		item.deadline = d
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return 0, fmt.Errorf("batcher stopped: %w", ErrServiceUnavailable)
	}
	if b.pendingItems >= b.maxQueueDepth {
		b.mu.Unlock()
		b.overloadCtr.Inc()
		b.bumpStats(func(s *statsDelta) { s.overloads = 1 })
		return 0, fmt.Errorf("pending queue full: %w", ErrOverloaded)
	}
	b.pendingItems++
	b.open = append(b.open, item)
	if len(b.open) == 1 {
		b.armTimerLocked()
	}
	if len(b.open) >= b.cfg.MaxBatchSize {
		b.sealLocked()
	}
	b.mu.Unlock()

	b.bumpStats(func(s *statsDelta) { s.enqueued = 1 })

	select {
	case res := <-item.result:
		return res.score, res.err
	case <-ctx.Done():
		// An expired deadline is a timeout; an explicit cancel is not.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			b.timeoutCtr.Inc()
			b.bumpStats(func(s *statsDelta) { s.timeouts = 1 })
			return 0, fmt.Errorf("score call deadline exceeded: %w", ErrTimeout)
		}
		return 0, fmt.Errorf("score call cancelled: %w", ctx.Err())
	case <-b.clock.After(b.cfg.CallTimeout):
		b.timeoutCtr.Inc()
		b.bumpStats(func(s *statsDelta) { s.timeouts = 1 })
		return 0, fmt.Errorf("score call exceeded %s: %w", b.cfg.CallTimeout, ErrTimeout)
	}
}

// armTimerLocked starts the flush timer for the current open batch. The
// generation guard keeps a stale timer from sealing a newer batch.
func (b *InferenceBatcher) armTimerLocked() {
	gen := b.generation
	go func() {
		select {
		case <-b.clock.After(b.cfg.BatchTimeout):
		case <-b.stopCh:
			return
		}
		b.mu.Lock()
		if b.generation == gen && len(b.open) > 0 {
			b.sealLocked()
		}
		b.mu.Unlock()
	}()
}

// sealLocked moves the open batch to FLUSHING. One-way: no new items join
// a sealed batch. The flush channel is sized to the queue depth, so this
// send never blocks.
func (b *InferenceBatcher) sealLocked() {
	batch := b.open
	b.open = nil
	b.generation++
	b.flushCh <- batch
}

func (b *InferenceBatcher) worker() {
	defer b.workerWg.Done()
	for {
		select {
		case batch := <-b.flushCh:
			b.process(batch)
		case <-b.stopCh:
			// Drain batches already sealed before shutdown.
			for {
				select {
				case batch := <-b.flushCh:
					b.process(batch)
				default:
					return
				}
			}
		}
	}
}

// process scores one sealed batch. Expired callers fail fast before the
// Scorer is consulted; a Scorer failure fails every call in the batch.
func (b *InferenceBatcher) process(batch []*batchItem) {
	defer func() {
		b.mu.Lock()
		b.pendingItems -= len(batch)
		b.mu.Unlock()
	}()

	now := b.clock.Now()
	live := make([]*batchItem, 0, len(batch))
	for _, item := range batch {
		if now.After(item.deadline) {
			item.result <- scoreResult{err: fmt.Errorf("deadline passed before dispatch: %w", ErrTimeout)}
			continue
		}
		live = append(live, item)
	}
	if len(live) == 0 {
		return
	}

	b.batchSizeHist.Observe(float64(len(live)))
	b.bumpStats(func(s *statsDelta) {
		s.batches = 1
		s.batchItems = uint64(len(live))
	})

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.CallTimeout)
	defer cancel()

	rows := make([][]float64, len(live))
	for i, item := range live {
		rows[i] = item.features
	}

	scores, err := b.scorer.BatchScore(ctx, rows)
	if err == nil && len(scores) != len(live) {
		err = fmt.Errorf("scorer returned %d scores for %d rows", len(scores), len(live))
	}
	if err != nil {
		if !errors.Is(err, ErrServiceUnavailable) && !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%v: %w", err, ErrInference)
		}
		b.bumpStats(func(s *statsDelta) { s.failures = 1 })
		b.logger.WithError(err).WithField("batch_size", len(live)).Warn("Inference batch failed")
		for _, item := range live {
			item.result <- scoreResult{err: err}
		}
		return
	}

	for i, item := range live {
		item.result <- scoreResult{score: scores[i]}
	}
}

// Alive reports whether the batcher accepts new calls.
func (b *InferenceBatcher) Alive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.stopped
}

// Stats snapshots the batcher counters.
func (b *InferenceBatcher) Stats() BatcherStats {
	b.mu.Lock()
	depth := b.pendingItems
	b.mu.Unlock()

	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	stats := BatcherStats{
		Enqueued:   b.enqueued,
		Batches:    b.batches,
		Timeouts:   b.timeouts,
		Overloads:  b.overloads,
		Failures:   b.failures,
		QueueDepth: depth,
	}
	if b.batches > 0 {
		stats.AvgBatchSize = float64(b.batchItems) / float64(b.batches)
	}
	return stats
}

type statsDelta struct {
	enqueued, batches, batchItems, timeouts, overloads, failures uint64
}

func (b *InferenceBatcher) bumpStats(f func(*statsDelta)) {
	var d statsDelta
	f(&d)
	b.statsMu.Lock()
	b.enqueued += d.enqueued
	b.batches += d.batches
	b.batchItems += d.batchItems
	b.timeouts += d.timeouts
	b.overloads += d.overloads
	b.failures += d.failures
	b.statsMu.Unlock()
}

// Stop seals the open batch, stops accepting calls, and waits up to 5s
// for workers to drain.
func (b *InferenceBatcher) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	if len(b.open) > 0 {
		b.sealLocked()
	}
	b.mu.Unlock()

	close(b.stopCh)

	done := make(chan struct{})
	go func() {
		b.workerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.logger.Warn("Batcher drain timeout")
	}
}
