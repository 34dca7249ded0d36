package hostinfo

import (
	"context"
	"math"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/attractor/internal/loggingutil"
	"pkt.systems/attractor/internal/svcfields"
)

// DefaultSampleInterval is used when Observer receives a non-positive interval.
const DefaultSampleInterval = 15 * time.Second

// Snapshot is one sample of process and system usage.
type Snapshot struct {
	RSSBytes          uint64
	MemoryUsedPercent float64
	CPUPercent        float64
	Load1             float64
	Load5             float64
	Load15            float64
	Goroutines        int
	CollectedAt       time.Time
}

// Observer samples system usage on an interval and publishes it as
// observable gauges.
type Observer struct {
	interval time.Duration
	logger   pslog.Logger
	proc     *process.Process
	running  atomic.Bool
	last     atomic.Pointer[Snapshot]
	wg       sync.WaitGroup
}

// NewObserver constructs an Observer and registers its gauges with the
// global meter provider.
func NewObserver(interval time.Duration, logger pslog.Logger) *Observer {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	o := &Observer{
		interval: interval,
		logger:   svcfields.WithSubsystem(loggingutil.EnsureLogger(logger), "hostinfo.observer"),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		o.proc = p
	}
	o.registerMetrics()
	return o
}

// Start launches the sampling loop. Only the first call has an effect.
func (o *Observer) Start(ctx context.Context) {
	if !o.running.CompareAndSwap(false, true) {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.sample(ctx, time.Now())
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				o.sample(ctx, now)
			}
		}
	}()
}

// Wait blocks until the sampling loop has exited.
func (o *Observer) Wait() { o.wg.Wait() }

// Last returns the most recent sample, if any.
func (o *Observer) Last() (Snapshot, bool) {
	s := o.last.Load()
	if s == nil {
		return Snapshot{}, false
	}
	return *s, true
}

func (o *Observer) sample(ctx context.Context, ts time.Time) {
	snap := Snapshot{Goroutines: runtime.NumGoroutine(), CollectedAt: ts}
	if o.proc != nil {
		if info, err := o.proc.MemoryInfoWithContext(ctx); err == nil && info != nil {
			snap.RSSBytes = info.RSS
		}
	}
	if snap.RSSBytes == 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		snap.RSSBytes = ms.Sys
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		snap.MemoryUsedPercent = vm.UsedPercent
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		snap.Load1, snap.Load5, snap.Load15 = avg.Load1, avg.Load5, avg.Load15
	}
	o.last.Store(&snap)
	o.logger.Trace("hostinfo.sample",
		"rss_bytes", snap.RSSBytes,
		"memory_percent", snap.MemoryUsedPercent,
		"cpu_percent", snap.CPUPercent,
		"load1", snap.Load1,
		"goroutines", snap.Goroutines,
	)
}

func (o *Observer) registerMetrics() {
	meter := otel.Meter("pkt.systems/attractor/hostinfo")
	rss, err := meter.Int64ObservableGauge("attractor.process.rss",
		metric.WithDescription("Resident set size of the host process"),
		metric.WithUnit("By"),
	)
	logMetricInitError(o.logger, "attractor.process.rss", err)
	memPct, err := meter.Float64ObservableGauge("attractor.system.memory.percent",
		metric.WithDescription("System memory used percent"),
	)
	logMetricInitError(o.logger, "attractor.system.memory.percent", err)
	cpuPct, err := meter.Float64ObservableGauge("attractor.system.cpu.percent",
		metric.WithDescription("System CPU percent"),
	)
	logMetricInitError(o.logger, "attractor.system.cpu.percent", err)
	loadAvg, err := meter.Float64ObservableGauge("attractor.system.load",
		metric.WithDescription("System load average"),
	)
	logMetricInitError(o.logger, "attractor.system.load", err)
	goroutines, err := meter.Int64ObservableGauge("attractor.process.goroutines",
		metric.WithDescription("Goroutine count"),
	)
	logMetricInitError(o.logger, "attractor.process.goroutines", err)

	if _, err := meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		snap, ok := o.Last()
		if !ok {
			return nil
		}
		obs.ObserveInt64(rss, clampUint64(snap.RSSBytes))
		obs.ObserveFloat64(memPct, snap.MemoryUsedPercent)
		obs.ObserveFloat64(cpuPct, snap.CPUPercent)
		obs.ObserveFloat64(loadAvg, snap.Load1, metric.WithAttributes(attribute.String("attractor.load.window", "1")))
		obs.ObserveFloat64(loadAvg, snap.Load5, metric.WithAttributes(attribute.String("attractor.load.window", "5")))
		obs.ObserveFloat64(loadAvg, snap.Load15, metric.WithAttributes(attribute.String("attractor.load.window", "15")))
		obs.ObserveInt64(goroutines, int64(snap.Goroutines))
		return nil
	}, rss, memPct, cpuPct, loadAvg, goroutines); err != nil {
		o.logger.Warn("telemetry.metric.callback_failed", "name", "attractor.hostinfo", "error", err)
	}
}

func clampUint64(value uint64) int64 {
	if value > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(value)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
