package metrics

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResourceCollectorDefaults(t *testing.T) {
	c := NewResourceCollector(ResourceConfig{Enabled: true})
	assert.True(t, c.IsEnabled())
	assert.Equal(t, 5*time.Second, c.interval)
	assert.Equal(t, 100, c.maxHistory)

	c = NewResourceCollector(ResourceConfig{Interval: time.Second, MaxHistory: 3})
	assert.False(t, c.IsEnabled())
	assert.Equal(t, time.Second, c.interval)
	assert.Equal(t, 3, c.maxHistory)
}

func TestResourceCollectorSamplesOwnProcess(t *testing.T) {
	c := NewResourceCollector(ResourceConfig{Enabled: true, MaxHistory: 2})
	reg := prometheus.NewRegistry()
	require.NoError(t, c.RegisterMetrics(reg))
	require.NoError(t, c.RegisterMetrics(reg))

	pid := int32(os.Getpid())
	for i := 0; i < 3; i++ {
		c.collect(context.Background(), pid)
	}
	latest, ok := c.Latest()
	require.True(t, ok)
	assert.Equal(t, pid, latest.PID)
	assert.Greater(t, latest.MemoryRSS, uint64(0))
	assert.Len(t, c.History(), 2)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["xcubelab_server_memory_mb"])

	c.collect(context.Background(), 0)
	mfs, _ = reg.Gather()
	for _, mf := range mfs {
		assert.Empty(t, mf.GetMetric(), "gauges must be cleared without a server")
	}
}

func TestResourceCollectorStartStop(t *testing.T) {
	c := NewResourceCollector(ResourceConfig{Enabled: true, Interval: 10 * time.Millisecond})
	c.Start(context.Background(), func() int32 { return int32(os.Getpid()) })
	assert.Eventually(t, func() bool {
		_, ok := c.Latest()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	c.Stop()
	c.Stop()
}

func TestDisabledCollectorIsInert(t *testing.T) {
	c := NewResourceCollector(ResourceConfig{})
	require.NoError(t, c.RegisterMetrics(prometheus.NewRegistry()))
	c.Start(context.Background(), func() int32 { t.Fatal("sampled while disabled"); return 0 })
	c.Stop()
	_, ok := c.Latest()
	assert.False(t, ok)
}
