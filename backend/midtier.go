package backend

import (
	"github.com/gogpu/chartgpu/capability"
)

func init() {
	Register(capability.TierMidTierAccelerated, func(report capability.Report, cfg Config) (Device, error) {
		return openHALDevice(report, cfg)
	})
}
