package capability

import (
	"sort"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/chartgpu"
)

// Software tier limits. The CPU rasterizer is bounded only by memory;
// these caps keep allocation requests in the same order of magnitude
// as the accelerated tiers.
const (
	softwareMaxTextureSize = 16384
	softwareMaxBufferSize  = 256 << 20
)

// InstanceAPI is the subset of the wgpu HAL backend API the detector
// needs. Platform backends obtained via hal.GetBackend satisfy it, as
// does the hal/noop test API.
type InstanceAPI interface {
	CreateInstance(*hal.InstanceDescriptor) (hal.Instance, error)
}

// HALDetector probes GPU adapters through the wgpu HAL and classifies
// them into tiers: discrete and integrated adapters report
// TierGPUAccelerated, any other adapter class (CPU rasterizers,
// virtual adapters) reports TierMidTierAccelerated. The software
// canvas tier is always reported last since it cannot fail.
type HALDetector struct {
	apis []InstanceAPI
}

// NewHALDetector creates a detector probing the platform's available
// HAL backends.
func NewHALDetector() *HALDetector {
	return &HALDetector{apis: platformAPIs()}
}

// NewHALDetectorWithAPIs creates a detector probing only the given
// APIs. Used by tests to inject the hal/noop backend.
func NewHALDetectorWithAPIs(apis ...InstanceAPI) *HALDetector {
	return &HALDetector{apis: apis}
}

// platformAPIs returns the HAL backends registered for this platform,
// in probe order.
func platformAPIs() []InstanceAPI {
	var apis []InstanceAPI
	for _, b := range []gputypes.Backend{
		gputypes.BackendVulkan,
		gputypes.BackendMetal,
		gputypes.BackendDX12,
	} {
		if api, ok := hal.GetBackend(b); ok {
			apis = append(apis, api)
		}
	}
	return apis
}

// Detect probes every configured HAL backend and returns the usable
// tiers, best first. Probing is read-only: every instance is destroyed
// before Detect returns, and no device is opened.
func (d *HALDetector) Detect() []Report {
	log := chartgpu.Logger()

	var reports []Report
	seen := map[Tier]bool{}
	for _, api := range d.apis {
		instance, err := api.CreateInstance(&hal.InstanceDescriptor{})
		if err != nil {
			log.Debug("capability: instance creation failed", "error", err)
			continue
		}
		adapters := instance.EnumerateAdapters(nil)
		for i := range adapters {
			info := adapters[i].Info
			tier := Classify(info.DeviceType)
			if seen[tier] {
				continue
			}
			seen[tier] = true
			reports = append(reports, Report{
				Tier:    tier,
				Caps:    halCapabilities(),
				Adapter: AdapterInfo{Name: info.Name, DeviceType: info.DeviceType},
			})
			log.Debug("capability: adapter found",
				"adapter", info.Name, "tier", tier.String())
		}
		instance.Destroy()
	}

	reports = append(reports, softwareReport())
	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].Tier < reports[j].Tier
	})
	return reports
}

// Classify maps an adapter class to the tier it can serve: discrete
// and integrated GPUs serve the accelerated tier, everything else
// (CPU rasterizers, virtual adapters) serves the mid tier.
func Classify(t gputypes.DeviceType) Tier {
	switch t {
	case gputypes.DeviceTypeDiscreteGPU, gputypes.DeviceTypeIntegratedGPU:
		return TierGPUAccelerated
	default:
		return TierMidTierAccelerated
	}
}

// halCapabilities derives tier capabilities from the default HAL
// limits used when opening a device.
func halCapabilities() Capabilities {
	limits := gputypes.DefaultLimits()
	return Capabilities{
		MaxTextureSize: limits.MaxTextureDimension2D,
		MaxBufferSize:  limits.MaxBufferSize,
		SupportedFormats: []gputypes.TextureFormat{
			gputypes.TextureFormatBGRA8Unorm,
			gputypes.TextureFormatRGBA8Unorm,
		},
		ComputeSupported: true,
	}
}

// softwareReport describes the always-available CPU canvas tier.
func softwareReport() Report {
	return Report{
		Tier: TierSoftwareCanvas,
		Caps: Capabilities{
			MaxTextureSize: softwareMaxTextureSize,
			MaxBufferSize:  softwareMaxBufferSize,
			SupportedFormats: []gputypes.TextureFormat{
				gputypes.TextureFormatRGBA8Unorm,
			},
			ComputeSupported: false,
		},
		Adapter: AdapterInfo{Name: "software-canvas"},
	}
}
