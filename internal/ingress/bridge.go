package ingress

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cmux-dev/gateway/internal/routing"
	"github.com/cmux-dev/gateway/internal/shared/id"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleUpgrade bridges a client WebSocket to the resolved upstream. The
// client upgrade is completed only after the upstream connection is open, so
// a dead backend surfaces as a plain 502 instead of a half-established socket.
func (p *Proxy) handleUpgrade(c *gin.Context, host string) {
	route := p.resolver.Resolve(host)
	if route == nil {
		p.metrics.RouteMisses.Inc()
		writeRawStatus(c.Writer, "400 Bad Request")
		return
	}
	c.Set("route_provider", string(route.Provider))
	p.metrics.RecordResolve(string(route.Provider))

	bridgeID := id.NewBridgeID()
	scheme, upstreamHost := p.upstreamTarget(route)
	wsScheme := "ws"
	if scheme == "https" {
		wsScheme = "wss"
	}
	target := wsScheme + "://" + upstreamHost + c.Request.URL.RequestURI()

	header := make(http.Header)
	copyUpgradeHeaders(header, c.Request.Header)
	header.Set(headerProxied, "1")
	if route.Port > 0 {
		header.Set(headerTargetPort, strconv.Itoa(route.Port))
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
		Subprotocols:     websocket.Subprotocols(c.Request),
	}

	upstream, resp, err := dialer.Dial(target, header)
	if err != nil {
		p.metrics.RecordUpstreamError("websocket")
		p.log.Warn("upstream websocket dial failed",
			zap.String("bridge_id", bridgeID.String()),
			zap.String("target", target),
			zap.Error(err))
		if resp != nil {
			resp.Body.Close()
		}
		writeRawStatus(c.Writer, "502 Bad Gateway")
		return
	}

	var respHeader http.Header
	if proto := resp.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": {proto}}
	}
	client, err := upgrader.Upgrade(c.Writer, c.Request, respHeader)
	if err != nil {
		p.log.Warn("client upgrade failed",
			zap.String("bridge_id", bridgeID.String()), zap.Error(err))
		upstream.Close()
		return
	}

	p.metrics.BridgeOpened()
	p.log.Debug("bridge established",
		zap.String("bridge_id", bridgeID.String()),
		zap.String("sandbox", route.SandboxID),
		zap.String("target", target))

	p.pump(bridgeID, client, upstream, route)
}

// pump copies messages in both directions until either side closes.
func (p *Proxy) pump(bridgeID id.BridgeID, client, upstream *websocket.Conn, route *routing.Route) {
	defer p.metrics.BridgeClosed()
	defer client.Close()
	defer upstream.Close()

	errc := make(chan error, 2)
	go copyMessages(upstream, client, errc)
	go copyMessages(client, upstream, errc)

	err := <-errc
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		p.log.Debug("bridge closed",
			zap.String("bridge_id", bridgeID.String()),
			zap.String("sandbox", route.SandboxID),
			zap.Error(err))
	}
}

func copyMessages(dst, src *websocket.Conn, errc chan<- error) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			errc <- err
			return
		}
	}
}

// copyUpgradeHeaders forwards request headers to the upstream dial, skipping
// everything the dialer generates itself during its own handshake.
func copyUpgradeHeaders(dst, src http.Header) {
	for name, values := range src {
		lower := strings.ToLower(name)
		if lower == "host" || strings.EqualFold(name, forwardedHostHeader) {
			continue
		}
		if lower == "connection" || lower == "upgrade" || strings.HasPrefix(lower, "sec-websocket-") {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// writeRawStatus hijacks the connection and writes a bare status line. Upgrade
// requests never get a normal HTTP response body.
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
