package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the runtime.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with reconciliation and dispatch paths.
type Collector interface {
	IncReconcileDiagnostic(entityID, field string)
	IncScriptRun(script string, failed bool)
	IncTriggerFire(trigger string)
	SetEntityCount(domain string, count int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncReconcileDiagnostic(string, string) {}
func (noopCollector) IncScriptRun(string, bool)             {}
func (noopCollector) IncTriggerFire(string)                 {}
func (noopCollector) SetEntityCount(string, int)            {}

// PrometheusCollector exposes runtime counters via Prometheus.
type PrometheusCollector struct {
	reconcileDiagnostics *prometheus.CounterVec
	scriptRuns           *prometheus.CounterVec
	triggerFires         *prometheus.CounterVec
	entities             *prometheus.GaugeVec
}

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reconcile, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "hearth_reconcile_diagnostics_total",
		Help: "Number of rejected template results per entity and state field.",
	}, []string{"entity", "field"})
	if err != nil {
		return nil, err
	}
	runs, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "hearth_script_runs_total",
		Help: "Number of action script executions by outcome.",
	}, []string{"script", "result"})
	if err != nil {
		return nil, err
	}
	fires, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "hearth_trigger_fires_total",
		Help: "Number of device trigger activations.",
	}, []string{"trigger"})
	if err != nil {
		return nil, err
	}
	entities := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hearth_entities",
		Help: "Number of registered entities per domain.",
	}, []string{"domain"})
	if err := reg.Register(entities); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.GaugeVec); ok {
				entities = existing
			} else {
				return nil, err
			}
		} else {
			return nil, err
		}
	}
	return &PrometheusCollector{
		reconcileDiagnostics: reconcile,
		scriptRuns:           runs,
		triggerFires:         fires,
		entities:             entities,
	}, nil
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels []string) (*prometheus.CounterVec, error) {
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

// IncReconcileDiagnostic records a rejected template result.
func (p *PrometheusCollector) IncReconcileDiagnostic(entityID, field string) {
	if p == nil || p.reconcileDiagnostics == nil {
		return
	}
	p.reconcileDiagnostics.WithLabelValues(entityID, field).Inc()
}

// IncScriptRun records one script execution.
func (p *PrometheusCollector) IncScriptRun(script string, failed bool) {
	if p == nil || p.scriptRuns == nil {
		return
	}
	result := "ok"
	if failed {
		result = "error"
	}
	p.scriptRuns.WithLabelValues(script, result).Inc()
}

// IncTriggerFire records one trigger activation.
func (p *PrometheusCollector) IncTriggerFire(trigger string) {
	if p == nil || p.triggerFires == nil {
		return
	}
	p.triggerFires.WithLabelValues(trigger).Inc()
}

// SetEntityCount updates the per-domain entity gauge.
func (p *PrometheusCollector) SetEntityCount(domain string, count int) {
	if p == nil || p.entities == nil {
		return
	}
	p.entities.WithLabelValues(domain).Set(float64(count))
}
