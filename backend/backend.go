// Package backend selects and drives one rendering backend tier for a
// canvas surface. Three tiers exist behind one device interface:
// hardware GPU acceleration, a reduced acceleration tier on CPU or
// virtual adapters, and a pure-software canvas that never fails.
//
// The Selector owns the fallback chain: it probes tiers best-first,
// activates the first one whose device constructs, and degrades to the
// next tier when a live session breaks. Exactly one session is active
// per selector at any time.
package backend

import (
	"errors"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/chartgpu/capability"
	"github.com/gogpu/chartgpu/pool"
	"github.com/gogpu/chartgpu/shader"
)

// Common backend errors.
var (
	// ErrNoBackendAvailable is returned when every tier fails to
	// construct. Fatal: no renderable surface exists.
	ErrNoBackendAvailable = errors.New("backend: no backend available")

	// ErrNotActive is returned for session operations while no session
	// is active.
	ErrNotActive = errors.New("backend: no active session")

	// ErrDeviceLost is returned (wrapped) by a device whose underlying
	// context became unusable mid-session. The caller should invoke
	// [Selector.ForceFallback].
	ErrDeviceLost = errors.New("backend: device lost")
)

// VertexStride is the size in bytes of one vertex in pooled vertex
// buffers: an x,y position as two float32s. Every tier interprets
// submitted buffers with this layout.
const VertexStride = 8

// DeviceHandle provides GPU device access from a host application.
//
// Hosts that already own a GPU context (e.g. a windowing framework)
// implement DeviceHandle and pass it via [Config] so the backend can
// match the host's surface format instead of picking its own.
//
// DeviceHandle is an alias for gpucontext.DeviceProvider, providing a
// chartgpu-specific name for the interface while maintaining full
// compatibility with the gpucontext ecosystem.
type DeviceHandle = gpucontext.DeviceProvider

// NullDeviceHandle is a DeviceHandle that provides nil implementations.
// Used when no host GPU context is shared.
type NullDeviceHandle struct{}

// Device returns nil for the null handle.
func (NullDeviceHandle) Device() gpucontext.Device { return nil }

// Queue returns nil for the null handle.
func (NullDeviceHandle) Queue() gpucontext.Queue { return nil }

// Adapter returns nil for the null handle.
func (NullDeviceHandle) Adapter() gpucontext.Adapter { return nil }

// SurfaceFormat returns undefined format for the null handle.
func (NullDeviceHandle) SurfaceFormat() gputypes.TextureFormat {
	return gputypes.TextureFormatUndefined
}

var _ DeviceHandle = NullDeviceHandle{}

// Draw is one draw call within a frame submission: a pooled vertex
// buffer and the number of vertices to read from it.
type Draw struct {
	Buffer   pool.Backing
	Vertices uint32
}

// Device is the uniform per-tier rendering surface. A Device is
// created by a tier factory during probing, serves one session, and is
// closed on teardown or fallback.
//
// Device embeds the pool allocator and shader compiler contracts so
// the session's buffer pool and pipeline cache work against the same
// device handle.
type Device interface {
	pool.Allocator
	shader.Compiler

	// Tier identifies the backend tier this device serves.
	Tier() capability.Tier

	// TargetFormat is the render target format frames are produced in.
	TargetFormat() gputypes.TextureFormat

	// SubmitFrame issues one rendering submission: every draw is
	// recorded into a single pass with the given pipeline bound, and
	// SubmitFrame blocks until the device has finished the work.
	// It returns the device-side execution time. A broken device
	// reports an error wrapping ErrDeviceLost; the submission is
	// atomic, so on error nothing was issued.
	SubmitFrame(p shader.Pipeline, draws []Draw) (gpuTime time.Duration, err error)

	// Close releases the device and its render target. The device
	// must not be used afterwards.
	Close()
}

// Config carries host-supplied parameters for session construction.
type Config struct {
	// Surface is the opaque canvas/surface handle from the host
	// environment, passed through unmodified to device creation.
	// May be nil for offscreen rendering.
	Surface any

	// Width and Height are the render target dimensions in pixels.
	Width  uint32
	Height uint32

	// DeviceProvider optionally shares a host GPU context. When set,
	// accelerated tiers adopt the host's surface format.
	DeviceProvider DeviceHandle
}

// DefaultConfig returns a Config for offscreen rendering at a common
// canvas size.
func DefaultConfig() Config {
	return Config{
		Width:          800,
		Height:         600,
		DeviceProvider: NullDeviceHandle{},
	}
}
