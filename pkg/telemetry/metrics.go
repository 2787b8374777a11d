package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names shared across packages. Counters live with the component
// that increments them (gateway, protective controller, reversal
// coordinator); only the broker-truth gauges are centralized here because
// the reconciler is their single writer.
const (
	MetricIntentsActive = "intent_keeper_intents_active"
	MetricExposureNet   = "intent_keeper_exposure_net"
	MetricExposureCount = "intent_keeper_exposure_count"
	MetricLatencyVenue  = "intent_keeper_latency_venue_ms"
)

// MetricsHolder owns the observable exposure gauges and the state they
// report from.
type MetricsHolder struct {
	IntentsActive metric.Int64ObservableGauge
	ExposureNet   metric.Float64ObservableGauge
	ExposureCount metric.Int64ObservableGauge

	mu               sync.RWMutex
	intentsActiveMap map[string]int64
	exposureNetMap   map[string]float64
	exposureCountMap map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			intentsActiveMap: make(map[string]int64),
			exposureNetMap:   make(map[string]float64),
			exposureCountMap: make(map[string]int64),
		}
		// Instruments are registered in InitMetrics
	})
	return globalMetrics
}

// InitMetrics registers the observable gauges with the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.IntentsActive, err = meter.Int64ObservableGauge(MetricIntentsActive, metric.WithDescription("Number of live intents"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.intentsActiveMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ExposureNet, err = meter.Float64ObservableGauge(MetricExposureNet, metric.WithDescription("Net signed broker exposure"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.exposureNetMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ExposureCount, err = meter.Int64ObservableGauge(MetricExposureCount, metric.WithDescription("Broker exposure expressed in contracts"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.exposureCountMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetIntentsActive(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intentsActiveMap[symbol] = count
}

func (m *MetricsHolder) SetExposure(symbol string, net float64, contracts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exposureNetMap[symbol] = net
	m.exposureCountMap[symbol] = contracts
}

func (m *MetricsHolder) GetExposureNet() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.exposureNetMap {
		res[k] = v
	}
	return res
}
