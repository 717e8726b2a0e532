// Package capability probes the runtime environment and reports which
// rendering backend tiers are usable, together with their capability
// limits. Detection is read-only: no device is kept open, and a tier
// that cannot be probed is simply omitted from the result.
package capability

import "github.com/gogpu/gputypes"

// Tier identifies one rendering backend tier, ordered by preference.
// Lower values are preferred: detection and backend selection always
// try TierGPUAccelerated first and TierSoftwareCanvas last.
type Tier int

const (
	// TierGPUAccelerated is full hardware acceleration on a discrete
	// or integrated GPU adapter.
	TierGPUAccelerated Tier = iota

	// TierMidTierAccelerated is a reduced acceleration tier backed by
	// a CPU or virtual adapter (e.g. a software rasterizer exposed
	// through the GPU API).
	TierMidTierAccelerated

	// TierSoftwareCanvas is the pure-CPU fallback tier. It is always
	// available and never fails to construct.
	TierSoftwareCanvas
)

// String returns the tier name used in logs and error messages.
func (t Tier) String() string {
	switch t {
	case TierGPUAccelerated:
		return "gpu-accelerated"
	case TierMidTierAccelerated:
		return "midtier-accelerated"
	case TierSoftwareCanvas:
		return "software-canvas"
	default:
		return "unknown"
	}
}

// Capabilities describes the limits of one backend tier. Produced once
// per tier during detection and read-only afterward.
type Capabilities struct {
	// MaxTextureSize is the maximum texture dimension in pixels.
	MaxTextureSize uint32

	// MaxBufferSize is the maximum buffer allocation in bytes.
	MaxBufferSize uint64

	// SupportedFormats lists the render target formats the tier can
	// produce, best first.
	SupportedFormats []gputypes.TextureFormat

	// ComputeSupported indicates whether compute shaders are usable.
	ComputeSupported bool
}

// SupportsFormat reports whether format is in SupportedFormats.
func (c Capabilities) SupportsFormat(format gputypes.TextureFormat) bool {
	for _, f := range c.SupportedFormats {
		if f == format {
			return true
		}
	}
	return false
}

// AdapterInfo carries identifying information about the adapter behind
// a tier, for host logging and diagnostics.
type AdapterInfo struct {
	// Name is the adapter name (e.g. "NVIDIA GeForce RTX 3080"), or a
	// fixed identifier for the software tier.
	Name string

	// DeviceType is the adapter class reported by the GPU API.
	// Meaningless for the software tier.
	DeviceType gputypes.DeviceType
}

// Report is one usable tier with its capabilities.
type Report struct {
	Tier    Tier
	Caps    Capabilities
	Adapter AdapterInfo
}

// Detector reports the usable backend tiers in the current
// environment.
type Detector interface {
	// Detect returns every usable tier, best first. It never fails; an
	// empty result means no renderable surface exists and the caller
	// must treat that as fatal.
	Detect() []Report
}

// StaticDetector is a Detector with a fixed result. Hosts that probe
// platform capabilities themselves (e.g. through browser bindings)
// supply their findings this way.
type StaticDetector []Report

// Detect returns a copy of the configured reports.
func (d StaticDetector) Detect() []Report {
	out := make([]Report, len(d))
	copy(out, d)
	return out
}
