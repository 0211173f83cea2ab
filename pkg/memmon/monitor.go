// Package memmon samples Go heap usage and reports memory pressure so the
// buffer pool can stop holding idle buffers while the process is near its
// heap limit.
package memmon

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/atomic"

	"github.com/respcache/respcache/pkg/clock"
	"github.com/respcache/respcache/pkg/types"
)

const component = "memmon"

// MonitorConfig configures memory monitoring behavior
type MonitorConfig struct {
	// SampleInterval is how often to collect memory stats
	SampleInterval time.Duration

	// HeapLimit is the heap size in bytes at which pressure begins. Zero
	// disables pressure detection; samples are still collected.
	HeapLimit uint64

	// RecoverRatio is the fraction of HeapLimit the heap must fall below
	// before pressure is lifted.
	RecoverRatio float64

	// MaxSamples is the number of samples to keep in history
	MaxSamples int

	// OnPressure is called on every pressure transition.
	OnPressure func(underPressure bool)

	Logger types.Logger
	Clock  types.Clock

	// ReadStats replaces runtime.ReadMemStats.
	ReadStats func(*runtime.MemStats)
}

// DefaultMonitorConfig returns sensible defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval: 10 * time.Second,
		RecoverRatio:   0.8,
		MaxSamples:     60,
	}
}

// MemoryMonitor tracks heap usage and raises pressure transitions
type MemoryMonitor struct {
	config MonitorConfig

	mu             sync.RWMutex
	samples        []MemorySample
	baselineSet    bool
	baselineSample MemorySample
	currentSample  MemorySample
	alerts         []MemoryAlert
	growthAlerted  bool

	pressure *atomic.Bool
	active   *atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// MemorySample represents a memory usage sample
type MemorySample struct {
	Timestamp     time.Time
	HeapAlloc     uint64 // bytes allocated in heap
	HeapSys       uint64 // bytes obtained from system for heap
	HeapIdle      uint64 // bytes in idle spans
	Sys           uint64 // bytes obtained from system
	NumGC         uint32
	NumGoroutine  int
	GCCPUFraction float64
}

// AlertType represents the type of memory alert
type AlertType int

const (
	AlertTypeHeapPressure AlertType = iota
	AlertTypePressureRelieved
	AlertTypeGoroutineGrowth
)

// String returns the string representation of alert type
func (t AlertType) String() string {
	switch t {
	case AlertTypeHeapPressure:
		return "heap_pressure"
	case AlertTypePressureRelieved:
		return "pressure_relieved"
	case AlertTypeGoroutineGrowth:
		return "goroutine_growth"
	default:
		return "unknown"
	}
}

// MemoryAlert represents a memory alert
type MemoryAlert struct {
	Timestamp time.Time
	AlertType AlertType
	Message   string
	Current   uint64
	Limit     uint64
}

// MemoryStats provides memory statistics
type MemoryStats struct {
	CurrentSample  MemorySample
	BaselineSample MemorySample
	SampleCount    int
	AlertCount     int
	UnderPressure  bool
}

// NewMemoryMonitor creates a new memory monitor
func NewMemoryMonitor(config MonitorConfig) *MemoryMonitor {
	defaults := DefaultMonitorConfig()
	if config.SampleInterval <= 0 {
		config.SampleInterval = defaults.SampleInterval
	}
	if config.RecoverRatio <= 0 || config.RecoverRatio > 1 {
		config.RecoverRatio = defaults.RecoverRatio
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = defaults.MaxSamples
	}
	if config.Clock == nil {
		config.Clock = clock.Real{}
	}
	if config.ReadStats == nil {
		config.ReadStats = runtime.ReadMemStats
	}

	return &MemoryMonitor{
		config:   config,
		samples:  make([]MemorySample, 0, config.MaxSamples),
		pressure: atomic.NewBool(false),
		active:   atomic.NewBool(false),
		stopCh:   make(chan struct{}),
	}
}

// Start begins memory monitoring
func (mm *MemoryMonitor) Start(ctx context.Context) error {
	if !mm.active.CompareAndSwap(false, true) {
		return fmt.Errorf("monitor already running")
	}

	mm.log(types.SeverityInfo, fmt.Sprintf("starting memory monitor (interval %s, heap limit %s)",
		mm.config.SampleInterval, humanize.IBytes(mm.config.HeapLimit)))

	mm.wg.Add(1)
	go mm.monitorLoop(ctx)

	return nil
}

// Stop stops memory monitoring
func (mm *MemoryMonitor) Stop() {
	if !mm.active.CompareAndSwap(true, false) {
		return
	}
	close(mm.stopCh)
	mm.wg.Wait()
}

func (mm *MemoryMonitor) monitorLoop(ctx context.Context) {
	defer mm.wg.Done()

	ticker := time.NewTicker(mm.config.SampleInterval)
	defer ticker.Stop()

	mm.Sample()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mm.stopCh:
			return
		case <-ticker.C:
			mm.Sample()
		}
	}
}

// Sample collects one sample and evaluates it. The monitor loop calls it
// on every tick; callers may call it directly to force an evaluation.
func (mm *MemoryMonitor) Sample() MemorySample {
	sample := mm.takeSample()
	mm.analyzeMemory(sample)
	return sample
}

func (mm *MemoryMonitor) takeSample() MemorySample {
	var memStats runtime.MemStats
	mm.config.ReadStats(&memStats)

	sample := MemorySample{
		Timestamp:     mm.config.Clock.Now(),
		HeapAlloc:     memStats.HeapAlloc,
		HeapSys:       memStats.HeapSys,
		HeapIdle:      memStats.HeapIdle,
		Sys:           memStats.Sys,
		NumGC:         memStats.NumGC,
		NumGoroutine:  runtime.NumGoroutine(),
		GCCPUFraction: memStats.GCCPUFraction,
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()

	if !mm.baselineSet {
		mm.baselineSample = sample
		mm.baselineSet = true
	}
	mm.currentSample = sample

	mm.samples = append(mm.samples, sample)
	if len(mm.samples) > mm.config.MaxSamples {
		mm.samples = mm.samples[1:]
	}
	return sample
}

// analyzeMemory raises a pressure transition when the heap crosses the
// limit and lifts it once the heap drops below limit*RecoverRatio.
func (mm *MemoryMonitor) analyzeMemory(sample MemorySample) {
	limit := mm.config.HeapLimit
	if limit > 0 {
		floor := uint64(float64(limit) * mm.config.RecoverRatio)
		switch {
		case !mm.pressure.Load() && sample.HeapAlloc >= limit:
			mm.pressure.Store(true)
			mm.generateAlert(AlertTypeHeapPressure, fmt.Sprintf(
				"heap %s reached limit %s, disabling buffer pooling",
				humanize.IBytes(sample.HeapAlloc), humanize.IBytes(limit),
			), sample.HeapAlloc, limit)
			mm.notify(true)
		case mm.pressure.Load() && sample.HeapAlloc < floor:
			mm.pressure.Store(false)
			mm.generateAlert(AlertTypePressureRelieved, fmt.Sprintf(
				"heap %s fell below %s, re-enabling buffer pooling",
				humanize.IBytes(sample.HeapAlloc), humanize.IBytes(floor),
			), sample.HeapAlloc, floor)
			mm.notify(false)
		}
	}

	mm.mu.Lock()
	baseline := mm.baselineSample
	grown := baseline.NumGoroutine > 0 && sample.NumGoroutine > 2*baseline.NumGoroutine
	first := grown && !mm.growthAlerted
	mm.growthAlerted = grown
	mm.mu.Unlock()

	// More than double the goroutines seen at the baseline, reported once
	// per excursion.
	if first {
		mm.generateAlert(AlertTypeGoroutineGrowth, fmt.Sprintf(
			"goroutine count grew from %d to %d", baseline.NumGoroutine, sample.NumGoroutine,
		), uint64(sample.NumGoroutine), uint64(baseline.NumGoroutine))
	}
}

func (mm *MemoryMonitor) notify(underPressure bool) {
	if mm.config.OnPressure != nil {
		mm.config.OnPressure(underPressure)
	}
}

func (mm *MemoryMonitor) generateAlert(alertType AlertType, message string, current, limit uint64) {
	alert := MemoryAlert{
		Timestamp: mm.config.Clock.Now(),
		AlertType: alertType,
		Message:   message,
		Current:   current,
		Limit:     limit,
	}

	mm.mu.Lock()
	mm.alerts = append(mm.alerts, alert)
	if len(mm.alerts) > mm.config.MaxSamples {
		mm.alerts = mm.alerts[1:]
	}
	mm.mu.Unlock()

	severity := types.SeverityWarn
	if alertType == AlertTypePressureRelieved {
		severity = types.SeverityInfo
	}
	mm.log(severity, message)
}

func (mm *MemoryMonitor) log(severity types.Severity, message string) {
	if mm.config.Logger != nil {
		mm.config.Logger.Log(severity, component, message, nil)
	}
}

// UnderPressure reports whether the heap is currently above the limit.
func (mm *MemoryMonitor) UnderPressure() bool {
	return mm.pressure.Load()
}

// GetStats returns current memory statistics
func (mm *MemoryMonitor) GetStats() MemoryStats {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	return MemoryStats{
		CurrentSample:  mm.currentSample,
		BaselineSample: mm.baselineSample,
		SampleCount:    len(mm.samples),
		AlertCount:     len(mm.alerts),
		UnderPressure:  mm.pressure.Load(),
	}
}

// GetAlerts returns all memory alerts
func (mm *MemoryMonitor) GetAlerts() []MemoryAlert {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	alerts := make([]MemoryAlert, len(mm.alerts))
	copy(alerts, mm.alerts)
	return alerts
}

// GetSamples returns memory sample history
func (mm *MemoryMonitor) GetSamples() []MemorySample {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	samples := make([]MemorySample, len(mm.samples))
	copy(samples, mm.samples)
	return samples
}

// ResetBaseline resets the baseline to current memory usage
func (mm *MemoryMonitor) ResetBaseline() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.baselineSample = mm.currentSample
	mm.growthAlerted = false
}
