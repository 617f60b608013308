package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSample is the CPU and memory usage of the server process at one instant.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig holds configuration for resource sampling.
type ResourceConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ResourceCollector samples the server process periodically and keeps a bounded history.
type ResourceCollector struct {
	enabled    bool
	interval   time.Duration
	maxHistory int

	mu      sync.RWMutex
	history []ResourceSample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
}

// NewResourceCollector creates a collector; it does nothing until Start.
func NewResourceCollector(cfg ResourceConfig) *ResourceCollector {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "xcubelab",
			Subsystem: "server",
			Name:      name,
			Help:      help,
		}, []string{"pid"})
	}
	return &ResourceCollector{
		enabled:    cfg.Enabled,
		interval:   cfg.Interval,
		maxHistory: cfg.MaxHistory,
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the server process."),
		memoryMB:   gauge("memory_mb", "Resident memory of the server process in MB."),
		numThreads: gauge("num_threads", "Number of threads of the server process."),
	}
}

// RegisterMetrics registers the resource gauges with the provided registerer.
func (c *ResourceCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	for _, col := range []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads} {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples the pid returned by pidFn every interval. A pid of 0 means no server
// is running and clears the gauges.
func (c *ResourceCollector) Start(ctx context.Context, pidFn func() int32) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.collect(ctx, pidFn())
			}
		}
	}()
}

// Stop stops sampling and waits for the sampler to exit.
func (c *ResourceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *ResourceCollector) collect(ctx context.Context, pid int32) {
	if pid <= 0 {
		c.cpuPercent.Reset()
		c.memoryMB.Reset()
		c.numThreads.Reset()
		return
	}
	s, err := sample(ctx, pid, time.Now())
	if err != nil {
		slog.Debug("failed to sample server resources", "pid", pid, "error", err)
		return
	}
	label := fmt.Sprint(pid)
	c.cpuPercent.WithLabelValues(label).Set(s.CPUPercent)
	c.memoryMB.WithLabelValues(label).Set(s.MemoryMB)
	c.numThreads.WithLabelValues(label).Set(float64(s.NumThreads))
	c.add(s)
}

func sample(ctx context.Context, pid int32, ts time.Time) (ResourceSample, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	cpu, _ := p.CPUPercentWithContext(ctx)
	threads, _ := p.NumThreadsWithContext(ctx)
	return ResourceSample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		Timestamp:  ts,
	}, nil
}

func (c *ResourceCollector) add(s ResourceSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, s)
	if over := len(c.history) - c.maxHistory; over > 0 {
		c.history = append(c.history[:0], c.history[over:]...)
	}
}

// Latest returns the most recent sample.
func (c *ResourceCollector) Latest() (ResourceSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.history) == 0 {
		return ResourceSample{}, false
	}
	return c.history[len(c.history)-1], true
}

// History returns a copy of the retained samples, oldest first.
func (c *ResourceCollector) History() []ResourceSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ResourceSample(nil), c.history...)
}

// IsEnabled reports whether sampling is configured.
func (c *ResourceCollector) IsEnabled() bool { return c.enabled }
