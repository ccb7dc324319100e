package sessionproxy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cmux-dev/gateway/internal/infrastructure/config"
	"github.com/cmux-dev/gateway/internal/infrastructure/logging"
	"github.com/cmux-dev/gateway/internal/infrastructure/monitoring"
	"github.com/cmux-dev/gateway/internal/routing"
)

// ErrStartupFailed reports that the local proxy could not be started. Context
// creation fails with it until a later start attempt succeeds.
var ErrStartupFailed = errors.New("session proxy startup failed")

// NetworkConfig is the egress configuration applied to a bound session:
// all HTTP/HTTPS traffic through the local proxy, loopback bypassed.
type NetworkConfig struct {
	ProxyRules  string
	BypassRules string
}

// SessionConfigurator applies network configuration to a browser session.
// The caller owns the session lifecycle; the manager only pushes config.
type SessionConfigurator interface {
	ApplyNetworkConfig(cfg NetworkConfig) error
}

// Manager owns the local proxy server and the per-session context registry.
type Manager struct {
	cfg     config.SessionProxyConfig
	log     *logging.Logger
	metrics *monitoring.Metrics

	// startMu serializes start attempts so concurrent callers await the
	// same in-flight start instead of racing duplicate listeners.
	startMu sync.Mutex
	server  *Server
	port    int

	mu        sync.RWMutex
	byID      map[string]*Context
	byUser    map[string]*Context
	bySession map[uint32]*Context
}

// NewManager creates a context manager. The proxy server is not started
// until EnsureStarted is called.
func NewManager(cfg config.SessionProxyConfig, log *logging.Logger, metrics *monitoring.Metrics) *Manager {
	return &Manager{
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		byID:      make(map[string]*Context),
		byUser:    make(map[string]*Context),
		bySession: make(map[uint32]*Context),
	}
}

// EnsureStarted idempotently starts the local proxy and returns its port.
// Safe to call concurrently; every caller observes the same start attempt.
func (m *Manager) EnsureStarted(ctx context.Context) (int, error) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.server != nil {
		return m.port, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	server, err := NewServer(m.cfg, m, m.log.Named("server"))
	if err != nil {
		m.log.Error("session proxy failed to start", zap.Error(err))
		return 0, fmt.Errorf("%w: %v", ErrStartupFailed, err)
	}
	go server.Serve()

	m.server = server
	m.port = server.Port()
	m.log.Info("session proxy started", zap.Int("port", m.port))
	return m.port, nil
}

// Started reports whether the proxy is accepting connections.
func (m *Manager) Started() bool {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	return m.server != nil
}

// CreateContext mints credentials and binds a session to a route. A session
// holds at most one context: creating again releases the previous one first.
func (m *Manager) CreateContext(sessionID uint32, route *routing.Route) (*Context, error) {
	if route == nil {
		return nil, errors.New("nil route")
	}
	if !m.Started() {
		return nil, ErrStartupFailed
	}

	c, err := newContext(sessionID, route)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if prev, ok := m.bySession[sessionID]; ok {
		m.dropLocked(prev)
	}
	m.byID[c.ID] = c
	m.byUser[c.Username] = c
	m.bySession[sessionID] = c
	m.mu.Unlock()

	m.metrics.ContextsActive.Inc()
	m.log.Debug("context created",
		zap.String("context_id", c.ID),
		zap.Uint32("session_id", sessionID),
		zap.String("sandbox", route.SandboxID))
	return c, nil
}

// ReleaseContext forgets a context by id. No-op on unknown ids.
func (m *Manager) ReleaseContext(contextID string) {
	m.mu.Lock()
	c, ok := m.byID[contextID]
	if ok {
		m.dropLocked(c)
	}
	m.mu.Unlock()

	if ok {
		m.metrics.ContextsActive.Dec()
		m.log.Debug("context released", zap.String("context_id", contextID))
	}
}

// ReleaseSession forgets whatever context a session holds. Idempotent and
// safe for sessions that never registered.
func (m *Manager) ReleaseSession(sessionID uint32) {
	m.mu.Lock()
	c, ok := m.bySession[sessionID]
	if ok {
		m.dropLocked(c)
	}
	m.mu.Unlock()

	if ok {
		m.metrics.ContextsActive.Dec()
		m.log.Debug("session released", zap.Uint32("session_id", sessionID))
	}
}

func (m *Manager) dropLocked(c *Context) {
	delete(m.byID, c.ID)
	delete(m.byUser, c.Username)
	delete(m.bySession, c.SessionID)
}

// Bind creates a context for the session and routes the session's egress
// through the local proxy. If applying the network configuration fails the
// fresh context is released before the error propagates, so no orphaned
// credential survives a failed bind.
func (m *Manager) Bind(sessionID uint32, route *routing.Route, configurator SessionConfigurator) (*Context, error) {
	c, err := m.CreateContext(sessionID, route)
	if err != nil {
		return nil, err
	}

	proxyAddr := fmt.Sprintf("127.0.0.1:%d", m.port)
	netCfg := NetworkConfig{
		ProxyRules:  fmt.Sprintf("http=%s;https=%s", proxyAddr, proxyAddr),
		BypassRules: "<local>",
	}
	if err := configurator.ApplyNetworkConfig(netCfg); err != nil {
		m.ReleaseContext(c.ID)
		return nil, fmt.Errorf("apply network config: %w", err)
	}
	return c, nil
}

// lookup resolves proxy credentials to a context. Used by the server's
// authenticator.
func (m *Manager) lookup(username string) (*Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byUser[username]
	return c, ok
}

// Close stops the proxy server and drops all contexts.
func (m *Manager) Close() error {
	m.mu.Lock()
	n := len(m.byID)
	m.byID = make(map[string]*Context)
	m.byUser = make(map[string]*Context)
	m.bySession = make(map[uint32]*Context)
	m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.metrics.ContextsActive.Dec()
	}

	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.server == nil {
		return nil
	}
	err := m.server.Close()
	m.server = nil
	return err
}
