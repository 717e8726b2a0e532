// Package render issues frame submissions against the active backend
// session and reports per-frame statistics. It sits on top of the
// backend selector: the executor validates pooled buffer handles
// against the current session, submits one unit of rendering work, and
// translates device failures into the error taxonomy the host render
// loop acts on.
package render

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/chartgpu"
	"github.com/gogpu/chartgpu/backend"
	"github.com/gogpu/chartgpu/pool"
	"github.com/gogpu/chartgpu/shader"
)

// Render errors.
var (
	// ErrNoSession is returned when executing without an active
	// backend session.
	ErrNoSession = errors.New("render: no active session")

	// ErrStaleHandle is returned when a submitted buffer handle does
	// not belong to the active session's pool, typically because the
	// session it came from was torn down.
	ErrStaleHandle = errors.New("render: stale buffer handle")

	// ErrStalePipeline is returned when the submitted pipeline was not
	// built by the active session's shader cache. Pipelines reference
	// device-specific modules and do not survive a fallback or
	// shutdown; rebuild them on the new session.
	ErrStalePipeline = errors.New("render: pipeline not built by active session")

	// ErrDeviceLost reports that the device became unusable during
	// submission. The caller should invoke the selector's
	// ForceFallback and rebuild its frame resources.
	ErrDeviceLost = backend.ErrDeviceLost
)

// SubmitError reports a failed submission that is not a device loss.
// The frame is dropped; the next frame may be retried on the same
// session.
type SubmitError struct {
	Message string
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("render: submission failed: %s", e.Message)
}

// targetFrameTime is the 60 fps frame budget utilization is measured
// against.
const targetFrameTime = 16_666_667 * time.Nanosecond

// Stats describes one executed frame. Produced fresh per execution and
// not persisted; see [FrameProfiler] for aggregation.
type Stats struct {
	// FrameTime is the wall-clock duration of the submission,
	// including validation and fence wait.
	FrameTime time.Duration

	// DrawCalls is the number of draw calls issued, one per bound
	// buffer.
	DrawCalls int

	// TrianglesRendered is the total triangle count across all draws.
	TrianglesRendered uint64

	// GPUUtilization is the device-side execution time relative to
	// the 60 fps frame budget, clamped to [0, 1].
	GPUUtilization float64
}

// Executor submits render passes against the selector's active
// session.
type Executor struct {
	sel *backend.Selector
}

// NewExecutor creates an executor over the given selector.
func NewExecutor(sel *backend.Selector) *Executor {
	return &Executor{sel: sel}
}

// Execute issues one rendering submission: every handle's buffer is
// bound and drawn with the given pipeline in a single pass.
//
// The pipeline and every handle are validated against the active
// session before the device is touched, so a failed validation issues
// nothing. A pipeline from a torn-down session fails with
// ErrStalePipeline; a handle from one fails with ErrStaleHandle. A
// device loss is reported as ErrDeviceLost (possibly wrapped); the
// caller should then fall back via the selector. Other submission
// failures are reported as *SubmitError and drop only this frame.
func (e *Executor) Execute(p shader.Pipeline, handles []pool.Handle) (Stats, error) {
	sess, ok := e.sel.Current()
	if !ok {
		return Stats{}, ErrNoSession
	}
	if !sess.Shaders().Holds(p) {
		return Stats{}, ErrStalePipeline
	}

	start := time.Now()

	draws := make([]backend.Draw, 0, len(handles))
	var triangles uint64
	for _, h := range handles {
		if !sess.Pool().Holds(h) {
			return Stats{}, fmt.Errorf("%w: size %d", ErrStaleHandle, h.Size())
		}
		backing, ok := sess.Pool().Backing(h)
		if !ok {
			return Stats{}, fmt.Errorf("%w: size %d", ErrStaleHandle, h.Size())
		}
		vertices := uint32(h.Size() / backend.VertexStride)
		draws = append(draws, backend.Draw{Buffer: backing, Vertices: vertices})
		triangles += uint64(vertices / 3)
	}

	gpuTime, err := sess.Device().SubmitFrame(p, draws)
	if err != nil {
		if errors.Is(err, backend.ErrDeviceLost) {
			return Stats{}, err
		}
		return Stats{}, &SubmitError{Message: err.Error()}
	}

	stats := Stats{
		FrameTime:         time.Since(start),
		DrawCalls:         len(draws),
		TrianglesRendered: triangles,
		GPUUtilization:    utilization(gpuTime),
	}
	chartgpu.Logger().Debug("render: frame executed",
		"tier", sess.Tier().String(),
		"draw_calls", stats.DrawCalls,
		"frame_time", stats.FrameTime)
	return stats, nil
}

// utilization maps device execution time onto the frame budget.
func utilization(gpuTime time.Duration) float64 {
	u := float64(gpuTime) / float64(targetFrameTime)
	if u < 0 {
		return 0
	}
	if u > 1 {
		return 1
	}
	return u
}
