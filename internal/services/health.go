package services

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// HealthStatus aggregates the liveness of the core collaborators.
type HealthStatus struct {
	Status         string    `json:"status"`
	ScorerLoaded   bool      `json:"scorer_loaded"`
	KVReachable    bool      `json:"kv_reachable"`
	SchedulerAlive bool      `json:"scheduler_alive"`
	BatcherAlive   bool      `json:"batcher_alive"`
	Timestamp      time.Time `json:"timestamp"`
}

// HealthService probes the scorer, KV tier, scheduler, and batcher. The
// overall status is healthy only when every probe passes.
type HealthService struct {
	scorer    *ScorerHandle
	features  *FeatureStore
	scheduler *Scheduler
	batcher   *InferenceBatcher
	logger    *logrus.Logger

	mu   sync.Mutex
	last HealthStatus

	healthGauge *prometheus.GaugeVec
}

func NewHealthService(scorer *ScorerHandle, features *FeatureStore, scheduler *Scheduler, batcher *InferenceBatcher, logger *logrus.Logger) *HealthService {
	hs := &HealthService{
		scorer:    scorer,
		features:  features,
		scheduler: scheduler,
		batcher:   batcher,
		logger:    logger,
	}

	hs.healthGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "component_health_status",
		Help: "Component health (1 = healthy, 0 = unhealthy)",
	}, []string{"component"})
	if err := prometheus.Register(hs.healthGauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			hs.healthGauge = are.ExistingCollector.(*prometheus.GaugeVec)
		} else {
			logger.WithError(err).Warn("Failed to register health metrics")
		}
	}

	return hs
}

// Check probes every component and records the result.
func (hs *HealthService) Check(ctx context.Context) HealthStatus {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := HealthStatus{
		ScorerLoaded:   hs.scorer.Loaded(),
		KVReachable:    hs.features.Reachable(probeCtx),
		SchedulerAlive: hs.scheduler.Alive(),
		BatcherAlive:   hs.batcher.Alive(),
		Timestamp:      time.Now(),
	}

	status.Status = "healthy"
	if !status.ScorerLoaded || !status.KVReachable || !status.SchedulerAlive || !status.BatcherAlive {
		status.Status = "unhealthy"
	}

	hs.healthGauge.WithLabelValues("scorer").Set(boolGauge(status.ScorerLoaded))
	hs.healthGauge.WithLabelValues("kv").Set(boolGauge(status.KVReachable))
	hs.healthGauge.WithLabelValues("scheduler").Set(boolGauge(status.SchedulerAlive))
	hs.healthGauge.WithLabelValues("batcher").Set(boolGauge(status.BatcherAlive))

	hs.mu.Lock()
	hs.last = status
	hs.mu.Unlock()
	return status
}

// Last returns the most recent probe result without re-probing.
func (hs *HealthService) Last() HealthStatus {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.last
}

func boolGauge(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}
