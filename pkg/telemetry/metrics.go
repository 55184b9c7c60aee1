package telemetry

import (
	"context"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// MetricsBridge exposes instruments recorded through its MeterProvider as
// Prometheus metrics. Data is pulled from a manual reader on every scrape,
// so register the bridge with the registry that serves /metrics.
type MetricsBridge struct {
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
	logger   *slog.Logger
}

// NewMetricsBridge creates a meter provider whose data is collected by the
// returned bridge.
func NewMetricsBridge(logger *slog.Logger) *MetricsBridge {
	if logger == nil {
		logger = slog.Default()
	}
	reader := sdkmetric.NewManualReader()
	return &MetricsBridge{
		reader:   reader,
		provider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		logger:   logger.With("component", "telemetry"),
	}
}

// MeterProvider returns the provider instruments should be created on.
func (b *MetricsBridge) MeterProvider() metric.MeterProvider {
	return b.provider
}

// Shutdown stops the meter provider.
func (b *MetricsBridge) Shutdown(ctx context.Context) error {
	return b.provider.Shutdown(ctx)
}

// Describe yields nothing, which makes the bridge an unchecked collector:
// the instrument set is only known once something has been recorded.
func (b *MetricsBridge) Describe(chan<- *prometheus.Desc) {}

// Collect converts the current OpenTelemetry data points.
func (b *MetricsBridge) Collect(ch chan<- prometheus.Metric) {
	var rm metricdata.ResourceMetrics
	if err := b.reader.Collect(context.Background(), &rm); err != nil {
		b.logger.Warn("Failed to collect OpenTelemetry metrics", "error", err)
		return
	}

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			b.collectMetric(ch, m)
		}
	}
}

func (b *MetricsBridge) collectMetric(ch chan<- prometheus.Metric, m metricdata.Metrics) {
	name := sanitizeName(m.Name)

	switch data := m.Data.(type) {
	case metricdata.Sum[int64]:
		for _, dp := range data.DataPoints {
			b.emit(ch, name, m.Description, sumType(data.IsMonotonic), float64(dp.Value), dp.Attributes)
		}
	case metricdata.Sum[float64]:
		for _, dp := range data.DataPoints {
			b.emit(ch, name, m.Description, sumType(data.IsMonotonic), dp.Value, dp.Attributes)
		}
	case metricdata.Gauge[int64]:
		for _, dp := range data.DataPoints {
			b.emit(ch, name, m.Description, prometheus.GaugeValue, float64(dp.Value), dp.Attributes)
		}
	case metricdata.Gauge[float64]:
		for _, dp := range data.DataPoints {
			b.emit(ch, name, m.Description, prometheus.GaugeValue, dp.Value, dp.Attributes)
		}
	case metricdata.Histogram[float64]:
		for _, dp := range data.DataPoints {
			keys, values := labels(dp.Attributes)
			desc := prometheus.NewDesc(name, m.Description, keys, nil)

			buckets := make(map[float64]uint64, len(dp.Bounds))
			var cumulative uint64
			for i, bound := range dp.Bounds {
				cumulative += dp.BucketCounts[i]
				buckets[bound] = cumulative
			}

			metric, err := prometheus.NewConstHistogram(desc, dp.Count, dp.Sum, buckets, values...)
			if err != nil {
				b.logger.Debug("Skipping histogram data point", "metric", name, "error", err)
				continue
			}
			ch <- metric
		}
	default:
		b.logger.Debug("Skipping unsupported aggregation", "metric", name)
	}
}

func (b *MetricsBridge) emit(ch chan<- prometheus.Metric, name, help string, valueType prometheus.ValueType, value float64, attrs attribute.Set) {
	keys, values := labels(attrs)
	metric, err := prometheus.NewConstMetric(prometheus.NewDesc(name, help, keys, nil), valueType, value, values...)
	if err != nil {
		b.logger.Debug("Skipping data point", "metric", name, "error", err)
		return
	}
	ch <- metric
}

func sumType(monotonic bool) prometheus.ValueType {
	if monotonic {
		return prometheus.CounterValue
	}
	return prometheus.GaugeValue
}

func labels(attrs attribute.Set) ([]string, []string) {
	keys := make([]string, 0, attrs.Len())
	values := make([]string, 0, attrs.Len())
	iter := attrs.Iter()
	for iter.Next() {
		kv := iter.Attribute()
		keys = append(keys, sanitizeName(string(kv.Key)))
		values = append(values, kv.Value.Emit())
	}
	return keys, values
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		default:
			return '_'
		}
	}, name)
}
