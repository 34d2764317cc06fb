package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/pricepulse/internal/metrics"
)

func failing(context.Context, goredis.Cmder) error { return errors.New("connection refused") }
func succeeding(context.Context, goredis.Cmder) error { return nil }

func run(hook *CircuitBreakerHook, next goredis.ProcessHook) error {
	ctx := context.Background()
	return hook.ProcessHook(next)(ctx, goredis.NewStatusCmd(ctx, "set", "k", "v"))
}

func TestCircuitBreakerHook_StaysClosedOnSuccess(t *testing.T) {
	hook := NewCircuitBreakerHook(metrics.NewRedisMetrics(prometheus.NewRegistry()))

	for range 10 {
		require.NoError(t, run(hook, succeeding))
	}
	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_NilIsNotAFailure(t *testing.T) {
	hook := NewCircuitBreakerHook(metrics.NewRedisMetrics(prometheus.NewRegistry()))

	for range 10 {
		err := run(hook, func(context.Context, goredis.Cmder) error { return goredis.Nil })
		require.ErrorIs(t, err, goredis.Nil)
	}
	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_OpensAfterSustainedFailures(t *testing.T) {
	m := metrics.NewRedisMetrics(prometheus.NewRegistry())
	hook := NewCircuitBreakerHook(m)

	for range 5 {
		require.Error(t, run(hook, failing))
	}

	assert.Equal(t, circuitbreaker.OpenState, hook.State())
	err := run(hook, succeeding)
	require.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitStateChanges.WithLabelValues("open")))
}

func TestCircuitBreakerHook_RecoversAfterDelay(t *testing.T) {
	m := metrics.NewRedisMetrics(prometheus.NewRegistry())
	hook := newCircuitBreakerHook(m, 20*time.Millisecond)

	for range 5 {
		_ = run(hook, failing)
	}
	require.Equal(t, circuitbreaker.OpenState, hook.State())

	time.Sleep(40 * time.Millisecond)
	require.NoError(t, run(hook, succeeding))

	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CircuitState))
}

func TestCircuitBreakerHook_PipelineRejectedWhenOpen(t *testing.T) {
	hook := NewCircuitBreakerHook(metrics.NewRedisMetrics(prometheus.NewRegistry()))
	for range 5 {
		_ = run(hook, failing)
	}

	called := false
	err := hook.ProcessPipelineHook(func(context.Context, []goredis.Cmder) error {
		called = true
		return nil
	})(context.Background(), nil)

	require.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.False(t, called)
}
