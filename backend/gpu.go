package backend

import (
	"fmt"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/chartgpu/capability"
	"github.com/gogpu/chartgpu/pool"
	"github.com/gogpu/chartgpu/shader"
)

func init() {
	Register(capability.TierGPUAccelerated, func(report capability.Report, cfg Config) (Device, error) {
		return openHALDevice(report, cfg)
	})
}

// fenceTimeout bounds the wait for a submitted frame. A frame that
// does not complete within it is treated as a lost device.
const fenceTimeout = 5 * time.Second

// halDevice drives an accelerated tier through the wgpu HAL. The GPU
// tier compiles WGSL to SPIR-V through naga before module creation;
// the mid tier hands WGSL straight to the driver.
type halDevice struct {
	tier      capability.Tier
	instance  hal.Instance
	device    hal.Device
	queue     hal.Queue
	maxBuffer uint64
	format    gputypes.TextureFormat
	spirv     bool

	target     hal.Texture
	targetView hal.TextureView
}

// openHALDevice probes the platform HAL backends for an adapter
// serving report.Tier, opens a device on it, and creates the render
// target texture.
func openHALDevice(report capability.Report, cfg Config) (*halDevice, error) {
	format := targetFormat(cfg)

	var lastErr error
	for _, b := range []gputypes.Backend{
		gputypes.BackendVulkan,
		gputypes.BackendMetal,
		gputypes.BackendDX12,
	} {
		api, ok := hal.GetBackend(b)
		if !ok {
			continue
		}
		dev, err := openOnAPI(api, report.Tier, format, cfg)
		if err != nil {
			lastErr = err
			continue
		}
		return dev, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("no HAL backend serves tier %s", report.Tier)
}

// targetFormat picks the render target format: the host surface format
// when a device provider shares one, BGRA8 otherwise.
func targetFormat(cfg Config) gputypes.TextureFormat {
	if cfg.DeviceProvider != nil {
		if f := cfg.DeviceProvider.SurfaceFormat(); f != gputypes.TextureFormatUndefined {
			return f
		}
	}
	return gputypes.TextureFormatBGRA8Unorm
}

func openOnAPI(api capability.InstanceAPI, tier capability.Tier, format gputypes.TextureFormat, cfg Config) (*halDevice, error) {
	instance, err := api.CreateInstance(&hal.InstanceDescriptor{})
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if capability.Classify(adapters[i].Info.DeviceType) == tier {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		instance.Destroy()
		return nil, fmt.Errorf("no adapter serves tier %s", tier)
	}

	limits := gputypes.DefaultLimits()
	openDev, err := selected.Adapter.Open(gputypes.Features(0), limits)
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("open device: %w", err)
	}

	d := &halDevice{
		tier:      tier,
		instance:  instance,
		device:    openDev.Device,
		queue:     openDev.Queue,
		maxBuffer: limits.MaxBufferSize,
		format:    format,
		spirv:     tier == capability.TierGPUAccelerated,
	}
	if err := d.createTarget(cfg.Width, cfg.Height); err != nil {
		d.device.Destroy()
		instance.Destroy()
		return nil, err
	}
	return d, nil
}

// createTarget creates the offscreen render target texture and view.
func (d *halDevice) createTarget(w, h uint32) error {
	tex, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label: "chartgpu_target",
		Size: hal.Extent3D{
			Width:              w,
			Height:             h,
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        d.format,
		Usage:         gputypes.TextureUsageRenderAttachment,
	})
	if err != nil {
		return fmt.Errorf("create render target: %w", err)
	}
	view, err := d.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label: "chartgpu_target_view",
	})
	if err != nil {
		d.device.DestroyTexture(tex)
		return fmt.Errorf("create target view: %w", err)
	}
	d.target = tex
	d.targetView = view
	return nil
}

func (d *halDevice) Tier() capability.Tier { return d.tier }

func (d *halDevice) TargetFormat() gputypes.TextureFormat { return d.format }

// AllocateBuffer creates a vertex buffer on the device.
func (d *halDevice) AllocateBuffer(label string, size uint64) (pool.Backing, error) {
	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// ReleaseBuffer frees a buffer created by AllocateBuffer.
func (d *halDevice) ReleaseBuffer(b pool.Backing) {
	if buf, ok := b.(hal.Buffer); ok {
		d.device.DestroyBuffer(buf)
	}
}

// MaxBufferSize returns the device buffer allocation limit.
func (d *halDevice) MaxBufferSize() uint64 { return d.maxBuffer }

// CompileShader compiles WGSL source into a device shader module. On
// the GPU tier the source goes through naga to SPIR-V first; the mid
// tier passes WGSL to the driver directly.
func (d *halDevice) CompileShader(key, source string) (shader.Module, error) {
	desc := &hal.ShaderModuleDescriptor{Label: key}
	if d.spirv {
		code, err := compileToSPIRV(source)
		if err != nil {
			return nil, &shader.CompileError{Key: key, Message: err.Error()}
		}
		desc.Source = hal.ShaderSource{SPIRV: code}
	} else {
		desc.Source = hal.ShaderSource{WGSL: source}
	}
	m, err := d.device.CreateShaderModule(desc)
	if err != nil {
		return nil, &shader.CompileError{Key: key, Message: err.Error()}
	}
	return m, nil
}

// compileToSPIRV compiles WGSL to SPIR-V uint32 words through naga.
// SPIR-V is little-endian 32-bit words.
func compileToSPIRV(source string) ([]uint32, error) {
	raw, err := naga.Compile(source)
	if err != nil {
		return nil, err
	}
	code := make([]uint32, len(raw)/4)
	for i := range code {
		code[i] = uint32(raw[i*4]) |
			uint32(raw[i*4+1])<<8 |
			uint32(raw[i*4+2])<<16 |
			uint32(raw[i*4+3])<<24
	}
	return code, nil
}

// DestroyShader releases a compiled module.
func (d *halDevice) DestroyShader(m shader.Module) {
	if mod, ok := m.(hal.ShaderModule); ok {
		d.device.DestroyShaderModule(mod)
	}
}

// halPipeline bundles a render pipeline with the layout it was built
// from so both are destroyed together.
type halPipeline struct {
	pipeline hal.RenderPipeline
	layout   hal.PipelineLayout
}

// BuildPipeline creates a render pipeline drawing float32x2 vertices
// with the given module. Only the device's target format is
// renderable.
func (d *halDevice) BuildPipeline(key string, m shader.Module, format gputypes.TextureFormat) (shader.Pipeline, error) {
	if format != d.format {
		return nil, fmt.Errorf("%w: device renders %v, requested %v",
			shader.ErrIncompatibleFormat, d.format, format)
	}
	mod, ok := m.(hal.ShaderModule)
	if !ok {
		return nil, fmt.Errorf("shader module %q has unexpected type %T", key, m)
	}

	layout, err := d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            key + "_layout",
		BindGroupLayouts: nil,
	})
	if err != nil {
		return nil, fmt.Errorf("create pipeline layout: %w", err)
	}

	p, err := d.device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  key,
		Layout: layout,
		Vertex: hal.VertexState{
			Module:     mod,
			EntryPoint: "vs_main",
			Buffers: []gputypes.VertexBufferLayout{
				{
					ArrayStride: VertexStride,
					StepMode:    gputypes.VertexStepModeVertex,
					Attributes: []gputypes.VertexAttribute{
						{
							Format:         gputypes.VertexFormatFloat32x2,
							Offset:         0,
							ShaderLocation: 0,
						},
					},
				},
			},
		},
		Fragment: &hal.FragmentState{
			Module:     mod,
			EntryPoint: "fs_main",
			Targets: []gputypes.ColorTargetState{
				{Format: format, WriteMask: gputypes.ColorWriteMaskAll},
			},
		},
		Primitive: gputypes.PrimitiveState{
			Topology: gputypes.PrimitiveTopologyTriangleList,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		d.device.DestroyPipelineLayout(layout)
		return nil, fmt.Errorf("create render pipeline: %w", err)
	}
	return &halPipeline{pipeline: p, layout: layout}, nil
}

// DestroyPipeline releases a pipeline and its layout.
func (d *halDevice) DestroyPipeline(p shader.Pipeline) {
	if hp, ok := p.(*halPipeline); ok {
		d.device.DestroyRenderPipeline(hp.pipeline)
		d.device.DestroyPipelineLayout(hp.layout)
	}
}

// SubmitFrame records every draw into one render pass against the
// target texture, submits, and waits for the fence. Encoding errors
// abort before submission; submission and fence failures report the
// device as lost.
func (d *halDevice) SubmitFrame(p shader.Pipeline, draws []Draw) (time.Duration, error) {
	hp, ok := p.(*halPipeline)
	if !ok {
		return 0, fmt.Errorf("pipeline has unexpected type %T", p)
	}

	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "chartgpu_frame_encoder",
	})
	if err != nil {
		return 0, fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("chartgpu_frame"); err != nil {
		return 0, fmt.Errorf("begin encoding: %w", err)
	}

	rp := encoder.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: "chartgpu_pass",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:       d.targetView,
			LoadOp:     gputypes.LoadOpClear,
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: gputypes.Color{R: 0, G: 0, B: 0, A: 0},
		}},
	})
	rp.SetPipeline(hp.pipeline)
	for _, draw := range draws {
		buf, ok := draw.Buffer.(hal.Buffer)
		if !ok {
			rp.End()
			encoder.DiscardEncoding()
			return 0, fmt.Errorf("draw buffer has unexpected type %T", draw.Buffer)
		}
		rp.SetVertexBuffer(0, buf, 0)
		rp.Draw(draw.Vertices, 1, 0, 0)
	}
	rp.End()

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return 0, fmt.Errorf("end encoding: %w", err)
	}
	defer d.device.FreeCommandBuffer(cmdBuf)

	fence, err := d.device.CreateFence()
	if err != nil {
		return 0, fmt.Errorf("%w: create fence: %v", ErrDeviceLost, err)
	}
	defer d.device.DestroyFence(fence)

	start := time.Now()
	if err := d.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return 0, fmt.Errorf("%w: submit: %v", ErrDeviceLost, err)
	}
	fenceOK, err := d.device.Wait(fence, 1, fenceTimeout)
	if err != nil || !fenceOK {
		return 0, fmt.Errorf("%w: fence wait: ok=%v err=%v", ErrDeviceLost, fenceOK, err)
	}
	return time.Since(start), nil
}

// Close releases the render target, device, and instance.
func (d *halDevice) Close() {
	if d.targetView != nil {
		d.device.DestroyTextureView(d.targetView)
		d.targetView = nil
	}
	if d.target != nil {
		d.device.DestroyTexture(d.target)
		d.target = nil
	}
	if d.device != nil {
		d.device.Destroy()
		d.device = nil
	}
	if d.instance != nil {
		d.instance.Destroy()
		d.instance = nil
	}
}

var _ Device = (*halDevice)(nil)
