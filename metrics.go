package main

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Row outcomes counted by the ingest loop
const (
	rowPublished     = "published"
	rowMalformed     = "malformed"
	rowUnknownDevice = "unknown_device"
	rowDropped       = "dropped"
)

type Metrics struct {
	gpu           *prometheus.GaugeVec
	rows          *prometheus.CounterVec
	announcements prometheus.Counter
	available     prometheus.Gauge
	units         map[string]string
}

func NewMetrics(logger *slog.Logger, reg prometheus.Registerer, sensors []SensorDescriptor) *Metrics {
	m := &Metrics{
		gpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nvidia_smi_gpu_metric",
			Help: "Last value reported by nvidia-smi dmon.",
		}, []string{"gpu", "uuid", "metric", "unit"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nvidia_smi2ha_rows_total",
			Help: "dmon rows read, by outcome.",
		}, []string{"result"}),
		announcements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nvidia_smi2ha_announcements_total",
			Help: "Number of times the discovery configs were published.",
		}),
		available: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nvidia_smi2ha_available",
			Help: "1 when the availability topic was last set to online.",
		}),
		units: make(map[string]string, len(sensors)),
	}
	for _, s := range sensors {
		m.units[s.Key] = s.Unit
	}

	for _, c := range []prometheus.Collector{m.gpu, m.rows, m.announcements, m.available} {
		if err := reg.Register(c); err != nil {
			logger.Error("Error registering metric", "error", err)
		}
	}
	return m
}

func (m *Metrics) Row(result string) {
	m.rows.WithLabelValues(result).Inc()
}

func (m *Metrics) SetAvailable(online bool) {
	if online {
		m.available.Set(1)
	} else {
		m.available.Set(0)
	}
}

// Observe mirrors a published record into the gpu gauge.
// Metrics without data, or that aren't numbers, are removed from the vector.
func (m *Metrics) Observe(dev DeviceIdentity, rec MetricRecord) {
	gpu := strconv.Itoa(dev.Index)
	for key, raw := range rec.Fields {
		labels := prometheus.Labels{
			"gpu":    gpu,
			"uuid":   dev.UniqueID,
			"metric": key,
			"unit":   m.units[key],
		}
		if raw == nil {
			m.gpu.Delete(labels)
			continue
		}
		value, err := strconv.ParseFloat(*raw, 64)
		if err != nil {
			m.gpu.Delete(labels)
			continue
		}
		m.gpu.With(labels).Set(value)
	}
}

// NewHTTPHandler serves the prometheus registry and a health check.
func NewHTTPHandler(reg *prometheus.Registry, healthy func() bool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !healthy() {
			http.Error(w, "not streaming", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}
