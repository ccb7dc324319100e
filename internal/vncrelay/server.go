package vncrelay

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cmux-dev/gateway/internal/api/middleware"
	"github.com/cmux-dev/gateway/internal/infrastructure/config"
	"github.com/cmux-dev/gateway/internal/infrastructure/logging"
	"github.com/cmux-dev/gateway/internal/infrastructure/monitoring"
)

// Server is the token/session gated relay in front of the local VNC server.
type Server struct {
	cfg     config.RelayConfig
	store   *SessionStore
	log     *logging.Logger
	metrics *monitoring.Metrics
	limiter *middleware.IPLimiter
	router  *gin.Engine
	httpSrv *http.Server
}

// NewServer creates a relay server from configuration.
func NewServer(cfg *config.Config, log *logging.Logger, metrics *monitoring.Metrics) *Server {
	token := NewAuthToken(cfg.Relay.SecretFile)
	store := NewSessionStore(token, cfg.Relay.SessionTTL, metrics)

	var limiter *middleware.IPLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewIPLimiter(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		})
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:     cfg.Relay,
		store:   store,
		log:     log,
		metrics: metrics,
		limiter: limiter,
		router:  router,
	}

	router.GET("/health", s.handleHealth)
	router.GET("/healthz", s.handleHealth)
	router.GET("/websockify", s.handleWebsockify)
	router.NoRoute(s.handleHTTP)

	return s
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Store exposes the session store for tests and GC wiring.
func (s *Server) Store() *SessionStore { return s.store }

// Run starts the listener and the session sweeper, blocking until the
// server stops.
func (s *Server) Run(ctx context.Context) error {
	s.store.StartGC(ctx)
	s.httpSrv = &http.Server{
		Addr:    ":" + strconv.Itoa(s.cfg.Port),
		Handler: s.router,
	}
	s.log.Info("vnc relay listening",
		zap.Int("port", s.cfg.Port),
		zap.String("vnc", s.cfg.VNCAddr))
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleHTTP serves the static noVNC assets behind the token/session gate.
func (s *Server) handleHTTP(c *gin.Context) {
	if isUpgradeRequest(c.Request) {
		// Only /websockify may upgrade.
		writeRawStatus(c.Writer, "404 Not Found")
		return
	}
	if s.limiter != nil && !s.limiter.Allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
		return
	}

	if token := queryToken(c.Request.URL.Query()); token != "" {
		if session, err := s.store.Mint(token); err == nil {
			s.issueSession(c, session)
			return
		}
		// A stale token, such as a bookmarked pre-redirect URL after the
		// secret rotated, does not revoke a still-live session.
	}

	if cookie, err := c.Cookie(SessionCookie); err == nil && s.store.Validate(cookie) {
		s.serveStatic(c)
		return
	}

	s.metrics.RelayAuthRejected.Inc()
	c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
}

// issueSession sets the session cookie, then redirects to the same path with
// the token parameters stripped so the secret never lingers in browser
// history or referrers.
func (s *Server) issueSession(c *gin.Context, session *Session) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     SessionCookie,
		Value:    session.ID,
		Path:     "/",
		MaxAge:   int(s.cfg.SessionTTL / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	q := c.Request.URL.Query()
	q.Del("tkn")
	q.Del("token")
	target := c.Request.URL.Path
	if encoded := q.Encode(); encoded != "" {
		target += "?" + encoded
	}
	c.Redirect(http.StatusFound, target)
}

// serveStatic serves an asset from the static root. The resolved path must
// stay inside the root.
func (s *Server) serveStatic(c *gin.Context) {
	name := strings.TrimPrefix(c.Request.URL.Path, "/")
	if name == "" {
		name = "vnc.html"
	}

	root, err := filepath.Abs(s.cfg.StaticRoot)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "static root unavailable"})
		return
	}
	resolved := filepath.Join(root, filepath.FromSlash(name))
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	http.ServeFile(c.Writer, c.Request, resolved)
}

// handleWebsockify authorizes the upgrade, dials the VNC server, and bridges
// frames until either side closes.
func (s *Server) handleWebsockify(c *gin.Context) {
	if !isUpgradeRequest(c.Request) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if s.limiter != nil && !s.limiter.Allow(c.ClientIP()) {
		writeRawStatus(c.Writer, "429 Too Many Requests")
		return
	}

	if !s.authorized(c) {
		s.metrics.RelayAuthRejected.Inc()
		writeRawStatus(c.Writer, "403 Forbidden")
		return
	}

	vnc, err := net.DialTimeout("tcp", s.cfg.VNCAddr, 10*time.Second)
	if err != nil {
		s.log.Warn("vnc dial failed", zap.String("addr", s.cfg.VNCAddr), zap.Error(err))
		writeRawStatus(c.Writer, "502 Bad Gateway")
		return
	}

	hijacker, ok := c.Writer.(http.Hijacker)
	if !ok {
		vnc.Close()
		c.Status(http.StatusInternalServerError)
		return
	}
	client, _, err := hijacker.Hijack()
	if err != nil {
		vnc.Close()
		return
	}

	// Interactive traffic: flush every write immediately.
	setNoDelay(client)
	setNoDelay(vnc)

	if err := writeHandshake(client, c.Request); err != nil {
		client.Close()
		vnc.Close()
		return
	}

	s.metrics.BridgeOpened()
	defer s.metrics.BridgeClosed()
	s.bridge(client, vnc)
}

func (s *Server) authorized(c *gin.Context) bool {
	if token := queryToken(c.Request.URL.Query()); token != "" &&
		NewAuthToken(s.cfg.SecretFile).Validate(token) {
		return true
	}
	if cookie, err := c.Cookie(SessionCookie); err == nil {
		return s.store.Validate(cookie)
	}
	return false
}

func queryToken(q url.Values) string {
	if v := q.Get("tkn"); v != "" {
		return v
	}
	return q.Get("token")
}

func isUpgradeRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func setNoDelay(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
}

func writeRawStatus(w http.ResponseWriter, status string) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		code, _ := strconv.Atoi(status[:3])
		w.WriteHeader(code)
		return
	}
	conn, _, err := hijacker.Hijack()
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = conn.Write([]byte("HTTP/1.1 " + status + "\r\n\r\n"))
}
