package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mark-sch/GpsdTracking/errors"
)

// MetricsRegistry owns the prometheus registry of one daemon. Components
// register their own collectors under a component name so that two engines
// of the same adapter cannot silently share a series.
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics

	mu    sync.Mutex
	owned map[string]prometheus.Collector // "component.name"
}

// NewMetricsRegistry creates a registry holding the daemon metrics and the Go
// runtime collectors.
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prometheusRegistry: prometheus.NewRegistry(),
		Metrics:            NewMetrics(),
		owned:              make(map[string]prometheus.Collector),
	}
	r.prometheusRegistry.MustRegister(r.Metrics.collectors()...)
	r.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry { return r.prometheusRegistry }

// CoreMetrics returns the daemon-wide metrics, or nil on a nil registry.
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	if r == nil {
		return nil
	}
	return r.Metrics
}

// Register adds c under component and name. A second registration of the
// same pair, or of a series prometheus already knows, is an invalid error.
func (r *MetricsRegistry) Register(component, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := component + "." + name
	if _, exists := r.owned[key]; exists {
		return errors.WrapInvalid(fmt.Errorf("%s already registered by %s", name, component),
			"MetricsRegistry", "Register", "duplicate metric")
	}
	if err := r.prometheusRegistry.Register(c); err != nil {
		var dup prometheus.AlreadyRegisteredError
		if stderrors.As(err, &dup) {
			return errors.WrapInvalid(err, "MetricsRegistry", "Register", "prometheus conflict on "+name)
		}
		return errors.WrapFatal(err, "MetricsRegistry", "Register", "register collector")
	}
	r.owned[key] = c
	return nil
}

func (r *MetricsRegistry) RegisterCounter(component, name string, c prometheus.Counter) error {
	return r.Register(component, name, c)
}

func (r *MetricsRegistry) RegisterGauge(component, name string, g prometheus.Gauge) error {
	return r.Register(component, name, g)
}

func (r *MetricsRegistry) RegisterHistogramVec(component, name string, h *prometheus.HistogramVec) error {
	return r.Register(component, name, h)
}
