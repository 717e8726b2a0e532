package backend

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"math"
	"time"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/draw"

	"github.com/gogpu/chartgpu/capability"
	"github.com/gogpu/chartgpu/pool"
	"github.com/gogpu/chartgpu/shader"
)

func init() {
	Register(capability.TierSoftwareCanvas, func(report capability.Report, cfg Config) (Device, error) {
		return newSoftwareDevice(report, cfg)
	})
}

// softwareDevice is the pure-CPU fallback tier. Buffers are byte
// slices, shaders are accepted as opaque text, and a frame submission
// rasterizes coarse coverage of the submitted geometry into an RGBA
// framebuffer. Construction never fails, which is what makes the
// fallback chain total.
type softwareDevice struct {
	fb        *image.RGBA
	maxBuffer uint64
	closed    bool
}

func newSoftwareDevice(report capability.Report, cfg Config) (*softwareDevice, error) {
	w, h := int(cfg.Width), int(cfg.Height)
	if w <= 0 {
		w = 1
	}
	if h <= 0 {
		h = 1
	}
	return &softwareDevice{
		fb:        image.NewRGBA(image.Rect(0, 0, w, h)),
		maxBuffer: report.Caps.MaxBufferSize,
	}, nil
}

func (d *softwareDevice) Tier() capability.Tier { return capability.TierSoftwareCanvas }

func (d *softwareDevice) TargetFormat() gputypes.TextureFormat {
	return gputypes.TextureFormatRGBA8Unorm
}

// Framebuffer returns the canvas pixels. The host copies or encodes
// them after each submitted frame.
func (d *softwareDevice) Framebuffer() *image.RGBA { return d.fb }

func (d *softwareDevice) AllocateBuffer(label string, size uint64) (pool.Backing, error) {
	return make([]byte, size), nil
}

func (d *softwareDevice) ReleaseBuffer(b pool.Backing) {}

func (d *softwareDevice) MaxBufferSize() uint64 { return d.maxBuffer }

// softwareModule is the software tier's "compiled" shader: the source
// is kept verbatim since no compilation happens on the CPU path.
type softwareModule struct {
	key    string
	source string
}

func (d *softwareDevice) CompileShader(key, source string) (shader.Module, error) {
	if source == "" {
		return nil, &shader.CompileError{Key: key, Message: "empty shader source"}
	}
	return &softwareModule{key: key, source: source}, nil
}

func (d *softwareDevice) DestroyShader(m shader.Module) {}

type softwarePipeline struct {
	key string
}

func (d *softwareDevice) BuildPipeline(key string, m shader.Module, format gputypes.TextureFormat) (shader.Pipeline, error) {
	if format != gputypes.TextureFormatRGBA8Unorm {
		return nil, fmt.Errorf("%w: software canvas renders %v, requested %v",
			shader.ErrIncompatibleFormat, gputypes.TextureFormatRGBA8Unorm, format)
	}
	if _, ok := m.(*softwareModule); !ok {
		return nil, fmt.Errorf("shader module %q has unexpected type %T", key, m)
	}
	return &softwarePipeline{key: key}, nil
}

func (d *softwareDevice) DestroyPipeline(p shader.Pipeline) {}

// SubmitFrame clears the framebuffer and fills the bounding box of
// each draw's vertices. Coverage is coarse: per-pixel shading is a
// host concern on this tier, the canvas only guarantees that
// submitted geometry becomes visible.
func (d *softwareDevice) SubmitFrame(p shader.Pipeline, draws []Draw) (time.Duration, error) {
	if d.closed {
		return 0, fmt.Errorf("%w: canvas closed", ErrDeviceLost)
	}
	if _, ok := p.(*softwarePipeline); !ok {
		return 0, fmt.Errorf("pipeline has unexpected type %T", p)
	}
	for _, dr := range draws {
		if _, ok := dr.Buffer.([]byte); !ok {
			return 0, fmt.Errorf("draw buffer has unexpected type %T", dr.Buffer)
		}
	}

	start := time.Now()
	bounds := d.fb.Bounds()
	draw.Draw(d.fb, bounds, image.NewUniform(color.RGBA{}), image.Point{}, draw.Src)

	fill := image.NewUniform(color.RGBA{R: 255, G: 255, B: 255, A: 255})
	for _, dr := range draws {
		buf := dr.Buffer.([]byte)
		if rect, ok := vertexBounds(buf, dr.Vertices); ok {
			draw.Draw(d.fb, rect.Intersect(bounds), fill, image.Point{}, draw.Over)
		}
	}
	return time.Since(start), nil
}

// vertexBounds computes the integer bounding box of the first n
// float32 x,y vertices in buf.
func vertexBounds(buf []byte, n uint32) (image.Rectangle, bool) {
	count := int(n)
	if limit := len(buf) / VertexStride; count > limit {
		count = limit
	}
	if count == 0 {
		return image.Rectangle{}, false
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i := 0; i < count; i++ {
		x := float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[i*VertexStride:])))
		y := float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[i*VertexStride+4:])))
		minX = math.Min(minX, x)
		minY = math.Min(minY, y)
		maxX = math.Max(maxX, x)
		maxY = math.Max(maxY, y)
	}
	rect := image.Rect(
		int(math.Floor(minX)), int(math.Floor(minY)),
		int(math.Ceil(maxX)), int(math.Ceil(maxY)),
	)
	if rect.Dx() == 0 {
		rect.Max.X++
	}
	if rect.Dy() == 0 {
		rect.Max.Y++
	}
	return rect, true
}

// Close releases the framebuffer.
func (d *softwareDevice) Close() {
	d.fb = nil
	d.closed = true
}

var _ Device = (*softwareDevice)(nil)
