package invalidation

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtremexq/StremioSubMaker-sub000/internal/config"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/observability"
)

func newTestBus(t *testing.T) (*Bus, *observability.Metrics) {
	t.Helper()
	return newTestBusOn(t, miniredis.RunT(t))
}

// newTestBusOn starts a Bus against an existing miniredis server, so several
// buses can share one pub/sub server.
func newTestBusOn(t *testing.T, mr *miniredis.Miniredis) (*Bus, *observability.Metrics) {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	cfg := config.RedisConfig{Host: mr.Host(), Port: port, KeyPrefix: "sub:"}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	bus := New(cfg, observability.NewNoop(), metrics)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Close() })
	return bus, metrics
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	mr := miniredis.RunT(t)
	busA, _ := newTestBusOn(t, mr)
	busB, _ := newTestBusOn(t, mr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var received []string
	done := make(chan struct{}, 1)
	require.NoError(t, busB.Subscribe(ctx, func(token string) {
		mu.Lock()
		received = append(received, token)
		mu.Unlock()
		done <- struct{}{}
	}))

	require.NoError(t, busA.Publish(context.Background(), "tok-123", "update"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for invalidation event")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"tok-123"}, received)
}

func TestSelfPublishedEventsAreIgnored(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int
	var mu sync.Mutex
	require.NoError(t, bus.Subscribe(ctx, func(string) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))

	require.NoError(t, bus.Publish(context.Background(), "tok-self", "update"))
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls, "a bus must not react to its own published event")
}

func TestPublishRecordsSuccessMetric(t *testing.T) {
	bus, metrics := newTestBus(t)
	require.NoError(t, bus.Publish(context.Background(), "tok-metric", "delete"))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.InvalidationPublished))
}

func TestPublishAcrossPrefixVariants(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	cfg := config.RedisConfig{
		Host:              mr.Host(),
		Port:              port,
		KeyPrefix:         "sub:",
		KeyPrefixVariants: []string{"legacy:", "submaker:"},
	}
	bus := New(cfg, observability.NewNoop(), observability.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Close() })

	require.Len(t, bus.channels, 3)
	assert.Contains(t, bus.channels, "sub:session:invalidate")
	assert.Contains(t, bus.channels, "legacy:session:invalidate")
	assert.Contains(t, bus.channels, "submaker:session:invalidate")
}

func TestPublishWithoutStartIsNoOp(t *testing.T) {
	cfg := config.RedisConfig{Host: "localhost", Port: 6379, KeyPrefix: "sub:"}
	bus := New(cfg, observability.NewNoop(), observability.NewMetrics(prometheus.NewRegistry()))

	// Start was never called (e.g. filesystem storage mode), so bus.pub is
	// nil; Publish must not dereference it.
	require.NoError(t, bus.Publish(context.Background(), "tok", "delete"))
}
