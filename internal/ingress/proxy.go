package ingress

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cmux-dev/gateway/internal/infrastructure/config"
	"github.com/cmux-dev/gateway/internal/infrastructure/logging"
	"github.com/cmux-dev/gateway/internal/infrastructure/monitoring"
	"github.com/cmux-dev/gateway/internal/infrastructure/tracing"
	"github.com/cmux-dev/gateway/internal/routing"
)

// Synthetic headers stamped on every forwarded request so backends can tell
// proxied traffic apart and recover the internal port the client asked for.
const (
	headerProxied    = "X-Cmux-Proxied"
	headerTargetPort = "X-Cmux-Target-Port"
)

const forwardedHostHeader = "X-Forwarded-Host"

// maxBufferedBody caps request bodies, which are held in memory in full
// before forwarding.
const maxBufferedBody = 32 * 1024 * 1024

// hopHeaders are connection-scoped and must not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Proxy forwards HTTP requests and WebSocket connections to resolved routes.
type Proxy struct {
	cfg      config.IngressConfig
	resolver *routing.Resolver
	client   *http.Client
	log      *logging.Logger
	metrics  *monitoring.Metrics
}

// NewProxy creates a proxy over the given resolver.
func NewProxy(cfg config.IngressConfig, resolver *routing.Resolver, log *logging.Logger, metrics *monitoring.Metrics) *Proxy {
	return &Proxy{
		cfg:      cfg,
		resolver: resolver,
		client: &http.Client{
			// Redirects are relayed to the client, never followed here.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Timeout: 5 * time.Minute,
		},
		log:     log,
		metrics: metrics,
	}
}

// Handle is the catch-all entry point for proxied traffic.
func (p *Proxy) Handle(c *gin.Context) {
	host := requestHost(c.Request)

	if websocket.IsWebSocketUpgrade(c.Request) {
		p.handleUpgrade(c, host)
		return
	}

	route := p.resolver.Resolve(host)
	if route == nil {
		p.metrics.RouteMisses.Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "no route for host"})
		return
	}
	c.Set("route_provider", string(route.Provider))
	p.metrics.RecordResolve(string(route.Provider))

	if c.Request.Method == http.MethodOptions {
		if route.AddCORS {
			applyCORS(c.Writer.Header(), c.Request.Header.Get("Origin"))
		}
		c.Status(http.StatusNoContent)
		return
	}

	p.forward(c, route)
}

func (p *Proxy) forward(c *gin.Context, route *routing.Route) {
	scheme, upstreamHost := p.upstreamTarget(route)
	target := scheme + "://" + upstreamHost + c.Request.URL.RequestURI()

	var body io.Reader
	switch c.Request.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		// Bodies are buffered in full before forwarding, so cap them.
		buf, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBufferedBody+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}
		if len(buf) > maxBufferedBody {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target, body)
	if err != nil {
		p.log.Error("failed to build upstream request",
			zap.String("target", target), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream request failed"})
		return
	}

	copyRequestHeaders(req.Header, c.Request.Header)
	req.Host = upstreamHost
	if requestID := tracing.FromContext(c.Request.Context()); requestID != "" {
		req.Header.Set(tracing.Header, requestID)
	}
	req.Header.Set(headerProxied, "1")
	if route.Port > 0 {
		req.Header.Set(headerTargetPort, strconv.Itoa(route.Port))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.metrics.RecordUpstreamError("http")
		p.log.Warn("upstream request failed",
			zap.String("target", target),
			zap.String("sandbox", route.SandboxID),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream unreachable"})
		return
	}
	defer resp.Body.Close()

	p.relayResponse(c, route, resp)
}

func (p *Proxy) relayResponse(c *gin.Context, route *routing.Route, resp *http.Response) {
	header := c.Writer.Header()
	for name, values := range resp.Header {
		if skipResponseHeader(name, route.SkipRewrite) {
			continue
		}
		for _, v := range values {
			header.Add(name, v)
		}
	}
	if route.AddCORS {
		applyCORS(header, c.Request.Header.Get("Origin"))
	}

	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		p.log.Debug("response relay interrupted",
			zap.String("sandbox", route.SandboxID), zap.Error(err))
	}
}

// upstreamTarget picks the backend for a route: the provider-native host when
// the grammar encodes one, otherwise the configured backend host plus the
// route's port.
func (p *Proxy) upstreamTarget(route *routing.Route) (scheme, host string) {
	if route.TargetHost != "" {
		return "https", route.TargetHost
	}
	return p.cfg.BackendScheme, p.cfg.BackendHost + ":" + strconv.Itoa(route.Port)
}

// requestHost prefers the forwarded-host header so the ingress can sit behind
// a load balancer that rewrites Host.
func requestHost(r *http.Request) string {
	if fh := r.Header.Get(forwardedHostHeader); fh != "" {
		return fh
	}
	return r.Host
}

func copyRequestHeaders(dst, src http.Header) {
	for name, values := range src {
		if strings.EqualFold(name, "Host") || strings.EqualFold(name, forwardedHostHeader) {
			continue
		}
		if isHopHeader(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// skipResponseHeader drops headers that would break serving the response from
// the proxy's own origin. Providers that serve on their own domains keep their
// framing policy intact.
func skipResponseHeader(name string, skipRewrite bool) bool {
	lower := strings.ToLower(name)
	if lower == "transfer-encoding" || lower == "connection" {
		return true
	}
	if skipRewrite {
		return false
	}
	return strings.HasPrefix(lower, "content-security-policy") ||
		lower == "x-frame-options"
}

func applyCORS(h http.Header, origin string) {
	if origin == "" {
		origin = "*"
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "*")
}
