package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	strategyMetricsOnce  sync.Once
	encryptionDuration   metric.Float64Histogram
	encryptionOperations metric.Int64Counter
)

func initStrategyMetrics() {
	strategyMetricsOnce.Do(func() {
		meter := otel.Meter("github.com/trustform/session-bridge/internal/cache")

		var err error
		encryptionDuration, err = meter.Float64Histogram(
			"cache.encryption.duration",
			metric.WithDescription("Cache encryption operation duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}

		encryptionOperations, err = meter.Int64Counter(
			"cache.encryption.total",
			metric.WithDescription("Total cache encryption operations"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// InstrumentedStrategy wraps an EncryptionStrategy with metrics
// instrumentation for encrypt and decrypt operations.
type InstrumentedStrategy struct {
	wrapped EncryptionStrategy
}

// NewInstrumentedStrategy creates an instrumented encryption strategy wrapper.
func NewInstrumentedStrategy(strategy EncryptionStrategy) *InstrumentedStrategy {
	initStrategyMetrics()
	return &InstrumentedStrategy{wrapped: strategy}
}

func (s *InstrumentedStrategy) EncryptValue(ctx context.Context, value []byte, key string) (string, error) {
	start := time.Now()

	result, err := s.wrapped.EncryptValue(ctx, value, key)

	s.record(ctx, "encrypt", time.Since(start), err)

	return result, err
}

func (s *InstrumentedStrategy) DecryptValue(ctx context.Context, value string, key string) ([]byte, error) {
	start := time.Now()

	result, err := s.wrapped.DecryptValue(ctx, value, key)

	s.record(ctx, "decrypt", time.Since(start), err)

	return result, err
}

func (s *InstrumentedStrategy) StorageKey(key string) string {
	return s.wrapped.StorageKey(key)
}

func (s *InstrumentedStrategy) Close() error {
	return s.wrapped.Close()
}

func (s *InstrumentedStrategy) record(ctx context.Context, op string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	if encryptionDuration != nil {
		encryptionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
			attribute.String("encryption.operation", op),
		))
	}
	if encryptionOperations != nil {
		encryptionOperations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("encryption.operation", op),
			attribute.String("encryption.status", status),
		))
	}
}
