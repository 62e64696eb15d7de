package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const ringSize = 60

const namespace = "drivefs"

// Collector tracks scheduler statistics using lock-free atomic counters. It
// also implements prometheus.Collector so the same counters can be scraped.
type Collector struct {
	tasksSubmitted atomic.Int64
	tasksClaimed   atomic.Int64
	tasksCompleted atomic.Int64
	tasksFailed    atomic.Int64
	tasksCanceled  atomic.Int64
	tasksYielded   atomic.Int64
	recoveries     atomic.Int64
	retries        atomic.Int64
	leasesLost     atomic.Int64
	stepsRun       atomic.Int64
	itemsDone      atomic.Int64
	bytesDone      atomic.Int64
	running        atomic.Int64
	startTime      time.Time

	// Ring buffer, written only by Tick.
	mu          sync.Mutex
	throughput  [ringSize]int64 // bytes delta per tick
	itemsPerSec [ringSize]int64
	ringIdx     int
	ringCount   int
	lastBytes   int64
	lastItems   int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	TasksSubmitted int64
	TasksClaimed   int64
	TasksCompleted int64
	TasksFailed    int64
	TasksCanceled  int64
	TasksYielded   int64
	Recoveries     int64
	Retries        int64
	LeasesLost     int64
	StepsRun       int64
	ItemsDone      int64
	BytesDone      int64
	Running        int64
	Elapsed        time.Duration
}

func (c *Collector) AddTasksSubmitted(n int64) { c.tasksSubmitted.Add(n) }
func (c *Collector) AddTasksClaimed(n int64)   { c.tasksClaimed.Add(n) }
func (c *Collector) AddTasksCompleted(n int64) { c.tasksCompleted.Add(n) }
func (c *Collector) AddTasksFailed(n int64)    { c.tasksFailed.Add(n) }
func (c *Collector) AddTasksCanceled(n int64)  { c.tasksCanceled.Add(n) }
func (c *Collector) AddTasksYielded(n int64)   { c.tasksYielded.Add(n) }
func (c *Collector) AddRecoveries(n int64)     { c.recoveries.Add(n) }
func (c *Collector) AddRetries(n int64)        { c.retries.Add(n) }
func (c *Collector) AddLeasesLost(n int64)     { c.leasesLost.Add(n) }
func (c *Collector) AddStepsRun(n int64)       { c.stepsRun.Add(n) }
func (c *Collector) AddItemsDone(n int64)      { c.itemsDone.Add(n) }
func (c *Collector) AddBytesDone(n int64)      { c.bytesDone.Add(n) }

// AddRunning adjusts the number of tasks currently held by workers.
func (c *Collector) AddRunning(n int64) { c.running.Add(n) }

// Snapshot returns a point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		TasksSubmitted: c.tasksSubmitted.Load(),
		TasksClaimed:   c.tasksClaimed.Load(),
		TasksCompleted: c.tasksCompleted.Load(),
		TasksFailed:    c.tasksFailed.Load(),
		TasksCanceled:  c.tasksCanceled.Load(),
		TasksYielded:   c.tasksYielded.Load(),
		Recoveries:     c.recoveries.Load(),
		Retries:        c.retries.Load(),
		LeasesLost:     c.leasesLost.Load(),
		StepsRun:       c.stepsRun.Load(),
		ItemsDone:      c.itemsDone.Load(),
		BytesDone:      c.bytesDone.Load(),
		Running:        c.running.Load(),
		Elapsed:        c.Elapsed(),
	}
}

// Tick records byte and item deltas into the ring buffer. Call it once per
// second.
func (c *Collector) Tick() {
	currentBytes := c.bytesDone.Load()
	currentItems := c.itemsDone.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.throughput[c.ringIdx] = currentBytes - c.lastBytes
	c.itemsPerSec[c.ringIdx] = currentItems - c.lastItems
	c.lastBytes = currentBytes
	c.lastItems = currentItems
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes/sec over the last n samples.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollingAvg(c.throughput[:], seconds)
}

// RollingItemsPerSec returns average items/sec over the last n samples.
func (c *Collector) RollingItemsPerSec(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollingAvg(c.itemsPerSec[:], seconds)
}

func (c *Collector) rollingAvg(buf []int64, n int) float64 {
	count := min(n, c.ringCount)
	if count == 0 {
		return 0
	}
	var sum int64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += buf[idx]
	}
	return float64(sum) / float64(count)
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"submitted=%d completed=%d failed=%d canceled=%d yielded=%d retries=%d items=%d bytes=%d",
		s.TasksSubmitted, s.TasksCompleted, s.TasksFailed, s.TasksCanceled,
		s.TasksYielded, s.Retries, s.ItemsDone, s.BytesDone,
	)
}

var (
	descTasks = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "tasks", "total"),
		"Tasks by scheduler outcome.", []string{"outcome"}, nil)
	descRecoveries = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "tasks", "recovered_total"),
		"Claims that took over an expired lease.", nil, nil)
	descRetries = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "steps", "retries_total"),
		"Steps retried after a transient I/O error.", nil, nil)
	descLeasesLost = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "leases", "lost_total"),
		"Claims abandoned because another worker took the lease.", nil, nil)
	descSteps = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "steps", "total"),
		"Task steps executed.", nil, nil)
	descItems = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "items", "done_total"),
		"Filesystem entries processed.", nil, nil)
	descBytes = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "bytes", "done_total"),
		"Bytes copied.", nil, nil)
	descRunning = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "tasks", "running"),
		"Tasks currently held by a worker.", nil, nil)
)

var _ prometheus.Collector = (*Collector)(nil)

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descTasks, descRecoveries, descRetries, descLeasesLost,
		descSteps, descItems, descBytes, descRunning,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.Snapshot()
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	counter(descTasks, s.TasksSubmitted, "submitted")
	counter(descTasks, s.TasksClaimed, "claimed")
	counter(descTasks, s.TasksCompleted, "completed")
	counter(descTasks, s.TasksFailed, "failed")
	counter(descTasks, s.TasksCanceled, "canceled")
	counter(descTasks, s.TasksYielded, "yielded")
	counter(descRecoveries, s.Recoveries)
	counter(descRetries, s.Retries)
	counter(descLeasesLost, s.LeasesLost)
	counter(descSteps, s.StepsRun)
	counter(descItems, s.ItemsDone)
	counter(descBytes, s.BytesDone)
	ch <- prometheus.MustNewConstMetric(descRunning, prometheus.GaugeValue, float64(s.Running))
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
