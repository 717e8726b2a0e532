package render

import (
	"sync"
	"time"
)

// FrameProfiler aggregates per-frame stats over a rolling window so
// hosts can display frame-rate and utilization figures without keeping
// history themselves.
//
// FrameProfiler is safe for concurrent use.
type FrameProfiler struct {
	mu     sync.Mutex
	window []Stats
	next   int
	filled int
	total  uint64
}

// defaultProfilerWindow covers two seconds at 60 fps.
const defaultProfilerWindow = 120

// NewFrameProfiler creates a profiler averaging over the last window
// frames. A non-positive window uses the default.
func NewFrameProfiler(window int) *FrameProfiler {
	if window <= 0 {
		window = defaultProfilerWindow
	}
	return &FrameProfiler{window: make([]Stats, window)}
}

// Record adds one executed frame's stats to the window.
func (p *FrameProfiler) Record(s Stats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.window[p.next] = s
	p.next = (p.next + 1) % len(p.window)
	if p.filled < len(p.window) {
		p.filled++
	}
	p.total++
}

// Frames returns the total number of recorded frames.
func (p *FrameProfiler) Frames() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// AverageFrameTime returns the mean frame time over the window. Zero
// when no frames were recorded.
func (p *FrameProfiler) AverageFrameTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.filled == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < p.filled; i++ {
		sum += p.window[i].FrameTime
	}
	return sum / time.Duration(p.filled)
}

// WorstFrameTime returns the longest frame time in the window. Zero
// when no frames were recorded.
func (p *FrameProfiler) WorstFrameTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	var worst time.Duration
	for i := 0; i < p.filled; i++ {
		if p.window[i].FrameTime > worst {
			worst = p.window[i].FrameTime
		}
	}
	return worst
}

// AverageUtilization returns the mean GPU utilization over the window,
// in [0, 1]. Zero when no frames were recorded.
func (p *FrameProfiler) AverageUtilization() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.filled == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < p.filled; i++ {
		sum += p.window[i].GPUUtilization
	}
	return sum / float64(p.filled)
}

// FPS returns the frame rate implied by the average frame time. Zero
// when no frames were recorded.
func (p *FrameProfiler) FPS() float64 {
	avg := p.AverageFrameTime()
	if avg <= 0 {
		return 0
	}
	return float64(time.Second) / float64(avg)
}

// Reset clears the window and the total frame count.
func (p *FrameProfiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.window {
		p.window[i] = Stats{}
	}
	p.next = 0
	p.filled = 0
	p.total = 0
}
