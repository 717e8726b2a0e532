// Package shader caches compiled shader modules and the render
// pipelines derived from them, keyed by logical name. Compilation and
// pipeline construction are expensive; the cache makes repeated
// requests for the same shader O(1) after the first compile.
//
// A Cache belongs to one render session and is torn down with it.
// Compiled artifacts are device-specific, so nothing survives across
// sessions.
package shader

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
)

// Cache errors.
var (
	// ErrShaderNotCompiled is returned when building a pipeline for a
	// key whose shader was never compiled.
	ErrShaderNotCompiled = errors.New("shader: shader not compiled")

	// ErrIncompatibleFormat is returned when the requested render
	// target format is not usable by the session's device.
	ErrIncompatibleFormat = errors.New("shader: incompatible render target format")

	// ErrCacheClosed is returned for operations on a destroyed cache.
	ErrCacheClosed = errors.New("shader: cache destroyed")
)

// CompileError reports a failed shader compilation with the compiler's
// diagnostic output. Failed compilations are never cached: a later
// request for the same key retries, since the source may have been
// fixed in the meantime.
type CompileError struct {
	Key     string
	Message string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("shader: compiling %q: %s", e.Key, e.Message)
}

// Module is an opaque compiled shader artifact. The concrete type is
// chosen by the Compiler.
type Module any

// Pipeline is an opaque render pipeline artifact derived from a
// Module and a render target format.
type Pipeline any

// Compiler turns shader source into device artifacts. Backend tiers
// implement it over their device handle.
type Compiler interface {
	// CompileShader compiles source into a device shader module. A
	// failure should be reported as a *CompileError when the compiler
	// produced a diagnostic.
	CompileShader(key, source string) (Module, error)

	// DestroyShader releases a module returned by CompileShader.
	DestroyShader(m Module)

	// BuildPipeline creates a render pipeline targeting format from a
	// compiled module. Returns ErrIncompatibleFormat (possibly
	// wrapped) when the device cannot render to format.
	BuildPipeline(key string, m Module, format gputypes.TextureFormat) (Pipeline, error)

	// DestroyPipeline releases a pipeline returned by BuildPipeline.
	DestroyPipeline(p Pipeline)
}

// SourceProvider supplies shader source on demand. It is only invoked
// on a cache miss, so expensive source generation (template expansion,
// asset loading) runs at most once per key per session.
type SourceProvider func() string

// pipelineKey identifies one pipeline: the same shader can back
// pipelines for different target formats.
type pipelineKey struct {
	shader string
	format gputypes.TextureFormat
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	// Hits counts requests served from the cache.
	Hits uint64

	// Misses counts requests that compiled or built a new artifact.
	Misses uint64

	// Shaders is the number of cached shader modules.
	Shaders int

	// Pipelines is the number of cached pipelines.
	Pipelines int
}

// HitRate returns the fraction of requests served from the cache, in
// [0, 1]. Zero when the cache has seen no requests.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache stores compiled shaders by key and pipelines by (key, format).
//
// Cache is safe for concurrent use. Lookups take a read lock;
// compilation takes the write lock with a double-check, so concurrent
// requests for the same key compile exactly once.
type Cache struct {
	compiler Compiler

	mu        sync.RWMutex
	shaders   map[string]Module
	pipelines map[pipelineKey]Pipeline
	closed    bool

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCache creates an empty cache compiling through compiler.
func NewCache(compiler Compiler) *Cache {
	return &Cache{
		compiler:  compiler,
		shaders:   make(map[string]Module),
		pipelines: make(map[pipelineKey]Pipeline),
	}
}

// GetOrCompile returns the cached module for key, compiling it from
// the provider's source on first request. The provider is not invoked
// on a cache hit. A compilation failure is returned to the caller and
// not cached.
func (c *Cache) GetOrCompile(key string, provider SourceProvider) (Module, error) {
	// Fast path: read lock
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrCacheClosed
	}
	if m, ok := c.shaders[key]; ok {
		c.mu.RUnlock()
		c.hits.Add(1)
		return m, nil
	}
	c.mu.RUnlock()

	// Slow path: write lock with double-check
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCacheClosed
	}
	if m, ok := c.shaders[key]; ok {
		c.hits.Add(1)
		return m, nil
	}

	m, err := c.compiler.CompileShader(key, provider())
	if err != nil {
		return nil, err
	}
	c.shaders[key] = m
	c.misses.Add(1)
	return m, nil
}

// GetOrBuildPipeline returns the cached pipeline for (key, format),
// building it from the key's compiled shader on first request. The
// shader must have been compiled first via GetOrCompile; otherwise
// ErrShaderNotCompiled is returned.
func (c *Cache) GetOrBuildPipeline(key string, format gputypes.TextureFormat) (Pipeline, error) {
	pk := pipelineKey{shader: key, format: format}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrCacheClosed
	}
	if p, ok := c.pipelines[pk]; ok {
		c.mu.RUnlock()
		c.hits.Add(1)
		return p, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCacheClosed
	}
	if p, ok := c.pipelines[pk]; ok {
		c.hits.Add(1)
		return p, nil
	}

	m, ok := c.shaders[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrShaderNotCompiled, key)
	}
	p, err := c.compiler.BuildPipeline(key, m, format)
	if err != nil {
		return nil, err
	}
	c.pipelines[pk] = p
	c.misses.Add(1)
	return p, nil
}

// Holds reports whether p is a pipeline this cache built and still
// holds. False for pipelines from other sessions' caches and for
// anything after DestroyAll, so callers can reject artifacts that
// outlived their session. Pipeline artifacts must be comparable;
// the built-in tiers all return pointers.
func (c *Cache) Holds(p Pipeline) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || p == nil {
		return false
	}
	for _, cached := range c.pipelines {
		if cached == p {
			return true
		}
	}
	return false
}

// Stats returns a snapshot of cache effectiveness. Safe to call from
// any goroutine.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	shaders := len(c.shaders)
	pipelines := len(c.pipelines)
	c.mu.RUnlock()
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Shaders:   shaders,
		Pipelines: pipelines,
	}
}

// DestroyAll releases every cached pipeline and shader module and
// closes the cache. Pipelines are destroyed before the modules they
// were built from. Safe to call more than once.
func (c *Cache) DestroyAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, p := range c.pipelines {
		c.compiler.DestroyPipeline(p)
	}
	for _, m := range c.shaders {
		c.compiler.DestroyShader(m)
	}
	c.pipelines = make(map[pipelineKey]Pipeline)
	c.shaders = make(map[string]Module)
	c.closed = true
}
