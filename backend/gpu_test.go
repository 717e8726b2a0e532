package backend

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/chartgpu/capability"
	"github.com/gogpu/chartgpu/pool"
	"github.com/gogpu/chartgpu/shader"
)

// createNoopHALDevice builds a halDevice over the noop HAL backend so
// the device resource paths run without a GPU. The WGSL path is used
// since the noop driver accepts modules verbatim.
func createNoopHALDevice(t *testing.T) *halDevice {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		t.Fatal("noop backend exposed no adapters")
	}
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}

	d := &halDevice{
		tier:      capability.TierMidTierAccelerated,
		instance:  instance,
		device:    openDev.Device,
		queue:     openDev.Queue,
		maxBuffer: gputypes.DefaultLimits().MaxBufferSize,
		format:    gputypes.TextureFormatBGRA8Unorm,
	}
	if err := d.createTarget(64, 64); err != nil {
		d.Close()
		t.Fatalf("createTarget failed: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func TestHALDeviceBufferLifecycle(t *testing.T) {
	dev := createNoopHALDevice(t)

	b, err := dev.AllocateBuffer("test_buf", 1024)
	if err != nil {
		t.Fatalf("AllocateBuffer() error = %v", err)
	}
	if b == nil {
		t.Fatal("AllocateBuffer() returned nil backing")
	}
	dev.ReleaseBuffer(b)

	if dev.MaxBufferSize() == 0 {
		t.Error("MaxBufferSize() = 0")
	}
}

func TestHALDevicePoolIntegration(t *testing.T) {
	dev := createNoopHALDevice(t)
	p := pool.New(dev)
	defer p.Destroy()

	h, err := p.Allocate(4096)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if _, ok := p.Backing(h); !ok {
		t.Error("Backing() not available for checked-out handle")
	}
	if err := p.Release(h); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
}

func TestHALDeviceShaderAndPipeline(t *testing.T) {
	dev := createNoopHALDevice(t)

	m, err := dev.CompileShader("tri", "fn vs_main() {} fn fs_main() {}")
	if err != nil {
		t.Fatalf("CompileShader() error = %v", err)
	}

	p, err := dev.BuildPipeline("tri", m, gputypes.TextureFormatBGRA8Unorm)
	if err != nil {
		t.Fatalf("BuildPipeline() error = %v", err)
	}
	dev.DestroyPipeline(p)

	if _, err := dev.BuildPipeline("tri", m, gputypes.TextureFormatRGBA8Unorm); !errors.Is(err, shader.ErrIncompatibleFormat) {
		t.Errorf("BuildPipeline(wrong format) error = %v, want ErrIncompatibleFormat", err)
	}

	dev.DestroyShader(m)
}

func TestHALDeviceCacheIntegration(t *testing.T) {
	dev := createNoopHALDevice(t)
	c := shader.NewCache(dev)
	defer c.DestroyAll()

	if _, err := c.GetOrCompile("chart", func() string {
		return "fn vs_main() {} fn fs_main() {}"
	}); err != nil {
		t.Fatalf("GetOrCompile() error = %v", err)
	}
	if _, err := c.GetOrBuildPipeline("chart", dev.TargetFormat()); err != nil {
		t.Fatalf("GetOrBuildPipeline() error = %v", err)
	}

	stats := c.Stats()
	if stats.Shaders != 1 || stats.Pipelines != 1 {
		t.Errorf("Stats() = %+v, want 1 shader and 1 pipeline", stats)
	}
}

func TestHALDeviceCloseIdempotent(t *testing.T) {
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	d := &halDevice{
		tier:      capability.TierGPUAccelerated,
		instance:  instance,
		device:    openDev.Device,
		queue:     openDev.Queue,
		maxBuffer: gputypes.DefaultLimits().MaxBufferSize,
		format:    gputypes.TextureFormatBGRA8Unorm,
		spirv:     true,
	}

	d.Close()
	d.Close()
}
