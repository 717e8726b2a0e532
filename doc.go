// Package chartgpu provides the GPU resource-management core for
// browser-oriented chart rendering: a recycling buffer pool, a shader
// and pipeline cache, and a render backend selector that degrades
// gracefully from GPU-accelerated rendering down to a software canvas.
//
// The package tree mirrors the component boundaries:
//
//   - capability/ probes the environment and reports which backend
//     tiers are usable, together with their limits.
//   - pool/ owns fixed-size device buffers keyed by size class and
//     recycles them across frames via generation-stamped handles.
//   - shader/ caches compiled shader modules and derived render
//     pipelines per session.
//   - backend/ selects exactly one active tier, owns the device for
//     its lifetime, and falls back to the next tier on failure.
//   - render/ executes single render-pass submissions against the
//     active session and reports per-frame statistics.
//
// A typical host sets up a selector and executor once:
//
//	sel := backend.NewSelector(capability.NewHALDetector(), backend.DefaultConfig())
//	session, err := sel.Select()
//	if err != nil {
//	    // No renderable surface at all. Show a static fallback UI.
//	}
//	exec := render.NewExecutor(sel)
//
// and then, per frame, allocates buffers from session.Pool(), resolves
// pipelines through session.Shaders(), and calls exec.Execute. A
// render.ErrDeviceLost result means the active device became unusable;
// the host calls sel.ForceFallback() and retries on the next tier.
//
// chartgpu produces no log output by default. Call [SetLogger] to
// route its diagnostics through the host's logger.
package chartgpu
