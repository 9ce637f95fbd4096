// Package telemetry 暴露引擎自身的 Prometheus 指标。
package telemetry

import (
	"errors"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "topology_engine"

// Metrics 汇总引擎更新的全部采集器。
type Metrics struct {
	UnitsCompiled   *prometheus.CounterVec
	CompileFailures *prometheus.CounterVec
	UnitsApplied    *prometheus.CounterVec
	Redeploys       *prometheus.CounterVec
	ProbeResults    *prometheus.CounterVec
	EligibleTargets *prometheus.GaugeVec
	BuildDuration   *prometheus.HistogramVec
}

// New 把全部采集器注册到 reg。
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		UnitsCompiled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_compiled_total",
			Help:      "Units successfully compiled into a plan.",
		}, []string{"app"}),
		CompileFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compile_failures_total",
			Help:      "Assembly compilations rejected, by reason.",
		}, []string{"reason"}),
		UnitsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_applied_total",
			Help:      "Unit apply attempts, by outcome.",
		}, []string{"unit", "outcome"}),
		Redeploys: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redeploys_total",
			Help:      "Forced replacements issued, by unit and outcome.",
		}, []string{"unit", "outcome"}),
		ProbeResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_results_total",
			Help:      "Health probe results observed by the admission monitor.",
		}, []string{"unit", "result"}),
		EligibleTargets: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eligible_targets",
			Help:      "Targets currently eligible for traffic.",
		}, []string{"unit"}),
		BuildDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "image_build_duration_seconds",
			Help:      "Duration of source image builds.",
			Buckets:   prometheus.ExponentialBuckets(15, 2, 8),
		}, []string{"status"}),
	}
}

// FailureReason 把编译错误映射为低基数的标签值。
func FailureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrMissingImage):
		return "missing_image"
	case errors.Is(err, domain.ErrMissingSecret):
		return "missing_secret"
	case errors.Is(err, domain.ErrDuplicateUnit):
		return "duplicate_unit"
	case errors.Is(err, domain.ErrProbePortNotPublished):
		return "probe_port"
	case errors.Is(err, domain.ErrNameCollision):
		return "name_collision"
	case errors.Is(err, domain.ErrInvalidConfig):
		return "invalid_config"
	default:
		return "other"
	}
}

// Outcome 把错误映射为 "succeeded" 或 "failed"。
func Outcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "succeeded"
}

// Result 把探测结果映射为标签值。
func Result(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "unhealthy"
}
