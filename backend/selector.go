package backend

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/chartgpu"
	"github.com/gogpu/chartgpu/capability"
	"github.com/gogpu/chartgpu/pool"
	"github.com/gogpu/chartgpu/shader"
)

// State is the selector's position in its lifecycle.
type State int

const (
	// StateUnselected means no selection has happened yet, or a
	// previous session was shut down cleanly.
	StateUnselected State = iota

	// StateProbing means a tier's device is being constructed.
	StateProbing

	// StateActive means one session is live.
	StateActive

	// StateShuttingDown means the active session is being torn down.
	StateShuttingDown

	// StateNoBackend is terminal: every tier failed to construct.
	StateNoBackend
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case StateUnselected:
		return "unselected"
	case StateProbing:
		return "probing"
	case StateActive:
		return "active"
	case StateShuttingDown:
		return "shutting-down"
	case StateNoBackend:
		return "no-backend"
	default:
		return "unknown"
	}
}

// Session is the full set of live resources for one active tier: the
// device, its buffer pool, and its shader cache. Exactly one Session
// is active per Selector at a time. Sessions are created by Select and
// invalidated by ForceFallback or Shutdown; after either, every handle
// and cached artifact from the session is stale.
type Session struct {
	id      uint64
	tier    capability.Tier
	caps    capability.Capabilities
	dev     Device
	pool    *pool.Pool
	shaders *shader.Cache
}

// sessionIDs issues unique session identities for host diagnostics.
var sessionIDs atomic.Uint64

// ID returns the session's unique identity. IDs are never reused, so
// hosts can tell a rebuilt session from the one it replaced.
func (s *Session) ID() uint64 { return s.id }

// Tier returns the session's backend tier.
func (s *Session) Tier() capability.Tier { return s.tier }

// Capabilities returns the tier's capability limits.
func (s *Session) Capabilities() capability.Capabilities { return s.caps }

// Device returns the session's device.
func (s *Session) Device() Device { return s.dev }

// Pool returns the session's buffer pool.
func (s *Session) Pool() *pool.Pool { return s.pool }

// Shaders returns the session's shader/pipeline cache.
func (s *Session) Shaders() *shader.Cache { return s.shaders }

// TargetFormat returns the render target format of the session's
// device.
func (s *Session) TargetFormat() gputypes.TextureFormat {
	return s.dev.TargetFormat()
}

// teardown releases the session's resources in dependency order:
// cached pipelines and shaders first, then pooled buffers, then the
// device itself.
func (s *Session) teardown() {
	s.shaders.DestroyAll()
	s.pool.Destroy()
	s.dev.Close()
}

// Selector is the backend selection state machine. It probes tiers
// best-first, activates the first one that constructs, and falls back
// to the next tier when a session breaks.
//
// Selector is safe for concurrent use, though rendering itself is
// expected to be driven by a single render loop.
type Selector struct {
	detector capability.Detector
	registry *Registry
	cfg      Config

	mu      sync.Mutex
	state   State
	session *Session
	reports []capability.Report
	next    int // index into reports of the next tier to probe
}

// NewSelector creates a selector over the built-in tier registry.
func NewSelector(detector capability.Detector, cfg Config) *Selector {
	return NewSelectorWithRegistry(detector, defaultRegistry, cfg)
}

// NewSelectorWithRegistry creates a selector probing tiers from a
// custom registry. Used by tests to inject failing tiers.
func NewSelectorWithRegistry(detector capability.Detector, registry *Registry, cfg Config) *Selector {
	return &Selector{
		detector: detector,
		registry: registry,
		cfg:      cfg,
	}
}

// State returns the selector's current state.
func (s *Selector) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the active session, if any.
func (s *Selector) Current() (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, s.session != nil
}

// Select activates the best available tier and returns its session.
// Tiers reported by the detector are probed in order; a tier whose
// device fails to construct is skipped. When every tier fails, the
// selector enters its terminal state and returns
// ErrNoBackendAvailable.
//
// Calling Select while a session is active returns that session.
func (s *Selector) Select() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateActive:
		return s.session, nil
	case StateNoBackend:
		return nil, ErrNoBackendAvailable
	}

	s.reports = s.detector.Detect()
	s.next = 0
	if len(s.reports) == 0 {
		s.state = StateNoBackend
		return nil, fmt.Errorf("%w: detector reported no tiers", ErrNoBackendAvailable)
	}
	return s.probeLocked()
}

// ForceFallback tears down the active session and activates the next
// lower tier. Called by the render loop when a submission reports a
// device-lost condition. Returns ErrNoBackendAvailable when the broken
// session was already on the lowest tier, and ErrNotActive when no
// session is live.
func (s *Selector) ForceFallback() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return nil, ErrNotActive
	}

	chartgpu.Logger().Warn("backend: forcing fallback",
		"from", s.session.tier.String())

	s.state = StateShuttingDown
	s.session.teardown()
	s.session = nil
	return s.probeLocked()
}

// Shutdown tears down the active session and returns the selector to
// its initial state. A later Select starts a fresh detection. Safe to
// call in any state.
func (s *Selector) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		s.state = StateShuttingDown
		s.session.teardown()
		s.session = nil
		chartgpu.Logger().Info("backend: session shut down")
	}
	s.state = StateUnselected
	s.reports = nil
	s.next = 0
}

// probeLocked tries the remaining detected tiers in order until one
// activates. Caller holds s.mu.
func (s *Selector) probeLocked() (*Session, error) {
	log := chartgpu.Logger()

	for ; s.next < len(s.reports); s.next++ {
		report := s.reports[s.next]
		s.state = StateProbing

		f, ok := s.registry.factory(report.Tier)
		if !ok {
			log.Debug("backend: no factory for tier", "tier", report.Tier.String())
			continue
		}

		dev, err := f(report, s.cfg)
		if err != nil {
			log.Warn("backend: tier construction failed",
				"tier", report.Tier.String(), "error", err)
			continue
		}

		s.session = &Session{
			id:      sessionIDs.Add(1),
			tier:    report.Tier,
			caps:    report.Caps,
			dev:     dev,
			pool:    pool.New(dev),
			shaders: shader.NewCache(dev),
		}
		s.state = StateActive
		s.next++
		log.Info("backend: tier activated",
			"tier", report.Tier.String(),
			"adapter", report.Adapter.Name,
			"session", s.session.id)
		return s.session, nil
	}

	s.state = StateNoBackend
	return nil, ErrNoBackendAvailable
}
