package pipeline

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/apptrail-sh/bluegreen/internal/model"
)

var (
	stageTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluegreen_stage_transitions_total",
			Help: "Stage decisions taken by the orchestrator and the monitor",
		},
		[]string{"app", "command", "outcome"},
	)

	lockAcquireFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluegreen_lock_acquire_failures_total",
			Help: "Lock acquisitions that gave up because the lock stayed busy",
		},
		[]string{"app"},
	)

	monitorPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluegreen_monitor_polls_total",
			Help: "Execution status polls by result",
		},
		[]string{"app", "result"},
	)

	pipelineStatusGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bluegreen_pipeline_status",
			Help: "Current pipeline status per application (1 for the active status)",
		},
		[]string{"app", "status"},
	)

	registerMetricsOnce sync.Once
)

func registerMetrics() {
	registerMetricsOnce.Do(func() {
		metrics.Registry.MustRegister(stageTransitions, lockAcquireFailures, monitorPolls, pipelineStatusGauge)
	})
}

func recordPipelineStatus(rec *model.DeploymentRecord) {
	if rec == nil {
		return
	}
	for _, s := range []model.PipelineStatus{model.PipelineNotRunning, model.PipelineRunning, model.PipelineHalted} {
		v := 0.0
		if s == rec.PipelineStatus {
			v = 1
		}
		pipelineStatusGauge.WithLabelValues(rec.AppName, string(s)).Set(v)
	}
}
