package optimizer

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"fraudflow/logger"
)

// State is the optimizer's published tuning decision. The orchestrator reads
// the latest snapshot before scheduling a batch and never blocks on a tick.
type State struct {
	BatchSize   int
	WorkerCount int
}

// Limits bounds the optimizer's adjustments.
type Limits struct {
	CPUHighPercent    float64
	MemoryHighPercent float64
	BatchSizeMin      int
	BatchSizeMax      int
	WorkerCountMin    int
	WorkerCountMax    int
}

// DefaultLimits mirrors the production thresholds: scale down above 80% CPU
// or 85% memory, scale up when both sit below 70% of those thresholds.
func DefaultLimits() Limits {
	return Limits{
		CPUHighPercent:    80.0,
		MemoryHighPercent: 85.0,
		BatchSizeMin:      10,
		BatchSizeMax:      1000,
		WorkerCountMin:    2,
		WorkerCountMax:    16,
	}
}

// Sampler reports current system utilization percentages.
type Sampler interface {
	CPUPercent() (float64, error)
	MemoryPercent() (float64, error)
}

type systemSampler struct{}

func (systemSampler) CPUPercent() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return percents[0], nil
}

func (systemSampler) MemoryPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// SystemSampler samples the host via gopsutil.
func SystemSampler() Sampler { return systemSampler{} }

// Optimizer adjusts batch size and worker count one step per tick based on
// resource utilization, publishing the result as an atomic snapshot.
type Optimizer struct {
	limits   Limits
	sampler  Sampler
	interval time.Duration
	maxProcs int

	state  atomic.Pointer[State]
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	log    *logger.Log
}

// New creates an optimizer starting from the given state, clamped into the
// limits. A nil sampler defaults to the gopsutil host sampler; an interval
// of zero defaults to one minute.
func New(limits Limits, initial State, sampler Sampler, interval time.Duration) *Optimizer {
	if sampler == nil {
		sampler = SystemSampler()
	}
	if interval <= 0 {
		interval = time.Minute
	}

	initial.BatchSize = clamp(initial.BatchSize, limits.BatchSizeMin, limits.BatchSizeMax)
	initial.WorkerCount = clamp(initial.WorkerCount, limits.WorkerCountMin, limits.WorkerCountMax)

	o := &Optimizer{
		limits:   limits,
		sampler:  sampler,
		interval: interval,
		maxProcs: runtime.NumCPU(),
		log:      logger.GetLogger(),
	}
	o.state.Store(&initial)
	return o
}

// Snapshot returns the latest published state without blocking.
func (o *Optimizer) Snapshot() State {
	return *o.state.Load()
}

// Start runs the periodic tuning loop until the context is cancelled or
// Stop is called.
func (o *Optimizer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		log := o.log.WithComponent("optimizer")
		log.WithFields(logger.Fields{"interval": o.interval.String()}).Info("optimizer loop started")

		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Info("optimizer loop stopped")
				return
			case <-ticker.C:
				o.Tick()
			}
		}
	}()
}

// Stop cancels the tuning loop and waits for it to exit.
func (o *Optimizer) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// Tick samples utilization and applies at most one adjustment step. It is
// safe to call concurrently with Snapshot and is invoked directly by tests.
func (o *Optimizer) Tick() {
	o.mu.Lock()
	defer o.mu.Unlock()

	log := o.log.WithComponent("optimizer")

	cpuPct, err := o.sampler.CPUPercent()
	if err != nil {
		log.WithError(err).Warn("cpu sampling failed, skipping tick")
		return
	}
	memPct, err := o.sampler.MemoryPercent()
	if err != nil {
		log.WithError(err).Warn("memory sampling failed, skipping tick")
		return
	}

	old := o.Snapshot()
	next := old

	cpuHigh := cpuPct > o.limits.CPUHighPercent
	memHigh := memPct > o.limits.MemoryHighPercent
	cpuLow := cpuPct < o.limits.CPUHighPercent*0.7
	memLow := memPct < o.limits.MemoryHighPercent*0.7

	switch {
	case cpuHigh || memHigh:
		next.BatchSize = clamp(int(float64(old.BatchSize)*0.8), o.limits.BatchSizeMin, o.limits.BatchSizeMax)
		if cpuHigh {
			next.WorkerCount = clamp(old.WorkerCount-1, o.limits.WorkerCountMin, o.limits.WorkerCountMax)
		}
	case cpuLow && memLow:
		next.BatchSize = clamp(int(float64(old.BatchSize)*1.2), o.limits.BatchSizeMin, o.limits.BatchSizeMax)
		if cpuLow {
			upper := o.limits.WorkerCountMax
			if o.maxProcs < upper {
				upper = o.maxProcs
			}
			next.WorkerCount = clamp(old.WorkerCount+1, o.limits.WorkerCountMin, upper)
		}
	default:
		return
	}

	if next == old {
		return
	}

	o.state.Store(&next)

	log.WithFields(logger.Fields{
		"cpu_percent":      cpuPct,
		"memory_percent":   memPct,
		"old_batch_size":   old.BatchSize,
		"new_batch_size":   next.BatchSize,
		"old_worker_count": old.WorkerCount,
		"new_worker_count": next.WorkerCount,
	}).Info("adjusted pipeline tuning")
}

// ReduceLoad forces a single scale-down step regardless of current samples.
// The recovery coordinator invokes this when CPU is exhausted.
func (o *Optimizer) ReduceLoad() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	old := o.Snapshot()
	next := old
	next.BatchSize = clamp(int(float64(old.BatchSize)*0.8), o.limits.BatchSizeMin, o.limits.BatchSizeMax)
	next.WorkerCount = clamp(old.WorkerCount-1, o.limits.WorkerCountMin, o.limits.WorkerCountMax)

	if next == old {
		return false
	}
	o.state.Store(&next)

	o.log.WithComponent("optimizer").WithFields(logger.Fields{
		"old_batch_size":   old.BatchSize,
		"new_batch_size":   next.BatchSize,
		"old_worker_count": old.WorkerCount,
		"new_worker_count": next.WorkerCount,
	}).Info("reduced load on request")
	return true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
