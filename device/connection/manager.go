// Package connection provides liveness tracking for sensor links.
//
// The Manager tracks when each link last accepted a frame and fires a stale
// callback when a link stays silent longer than the configured timeout. A
// silent link is not necessarily broken (reads keep timing out quietly), so
// the callback is the only signal the presentation side gets that telemetry
// stopped flowing. The live callback reports when a stale link accepts a
// frame again.
package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultStaleTimeout is the default inactivity after which a link is
	// reported stale.
	DefaultStaleTimeout = 10 * time.Second

	// checkInterval is the resolution of the manager's timeout check loop.
	checkInterval = time.Second
)

// LinkState tracks a link's activity.
type LinkState struct {
	Name     string
	LastSeen time.Time
}

// ManagerConfig configures a connection Manager.
type ManagerConfig struct {
	// StaleTimeout is the inactivity after which a link is reported stale.
	// Default: 10 seconds.
	StaleTimeout time.Duration

	// Logger for connection events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Manager tracks live links and detects silence.
type Manager struct {
	cfg     ManagerConfig
	log     *slog.Logger
	mu      sync.Mutex
	links   map[string]*LinkState
	stale   map[string]struct{}
	onStale func(name string, silent time.Duration)
	onLive  func(name string)

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// NewManager creates a connection manager with the given configuration.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = DefaultStaleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:   cfg,
		log:   logger.WithGroup("connection"),
		links: make(map[string]*LinkState),
		stale: make(map[string]struct{}),
		nowFn: time.Now,
	}
}

// SetOnStale sets the callback invoked when a link goes silent. The link is
// removed from tracking before the callback runs; the next Register or Touch
// starts tracking it again.
func (m *Manager) SetOnStale(fn func(name string, silent time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStale = fn
}

// SetOnLive sets the callback invoked when a link reported stale accepts a
// frame again.
func (m *Manager) SetOnLive(fn func(name string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLive = fn
}

// Register starts tracking a link. If the link is already tracked, its
// LastSeen time is updated (equivalent to Touch).
func (m *Manager) Register(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stale, name)
	m.links[name] = &LinkState{
		Name:     name,
		LastSeen: m.nowFn(),
	}
}

// Touch updates the last-seen time for a link. A link that went stale is
// tracked again and reported through the live callback.
func (m *Manager) Touch(name string) {
	m.mu.Lock()
	if l, ok := m.links[name]; ok {
		l.LastSeen = m.nowFn()
		m.mu.Unlock()
		return
	}
	m.links[name] = &LinkState{Name: name, LastSeen: m.nowFn()}

	_, wasStale := m.stale[name]
	delete(m.stale, name)
	onLive := m.onLive
	m.mu.Unlock()

	if wasStale {
		m.log.Info("link live again", "link", name)
		if onLive != nil {
			onLive(name)
		}
	}
}

// Remove stops tracking a link without calling the stale callback (use this
// for orderly disconnects).
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links, name)
	delete(m.stale, name)
}

// IsLive returns true if the link is currently tracked.
func (m *Manager) IsLive(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.links[name]
	return ok
}

// CheckTimeouts removes every link that has been silent longer than the
// stale timeout and reports it.
func (m *Manager) CheckTimeouts() {
	m.mu.Lock()
	now := m.nowFn()

	stale := make(map[string]time.Duration)
	for name, l := range m.links {
		if silent := now.Sub(l.LastSeen); silent > m.cfg.StaleTimeout {
			stale[name] = silent
		}
	}

	for name := range stale {
		delete(m.links, name)
		m.stale[name] = struct{}{}
	}

	onStale := m.onStale
	m.mu.Unlock()

	// Fire callbacks outside the lock
	for name, silent := range stale {
		m.log.Warn("link went stale", "link", name, "silent", silent)
		if onStale != nil {
			onStale(name, silent)
		}
	}
}

// Start runs the periodic timeout check loop. Blocks until the context is
// cancelled.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckTimeouts()
		}
	}
}
