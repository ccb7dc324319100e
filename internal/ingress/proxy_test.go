package ingress

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmux-dev/gateway/internal/infrastructure/config"
	"github.com/cmux-dev/gateway/internal/infrastructure/logging"
	"github.com/cmux-dev/gateway/internal/infrastructure/monitoring"
)

func newTestIngress(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	srv := NewServer(cfg, logging.NewNop(), monitoring.NewMetrics())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

// backendPort extracts the port a httptest backend listens on so tests can
// encode it into a routable hostname.
func backendPort(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	return u.Port()
}

func TestProxyForwardsWithSyntheticHeaders(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(r.Context())
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, "created")
	}))
	defer backend.Close()

	ingress := newTestIngress(t)
	host := fmt.Sprintf("cmux-abc-preview-%s.cmux.app", backendPort(t, backend))

	req, err := http.NewRequest(http.MethodPost, ingress.URL+"/api/items?x=1", strings.NewReader(`{"n":1}`))
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-Host", host)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://app.cmux.app")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "created", string(body))

	require.NotNil(t, got, "backend was never reached")
	assert.Equal(t, "1", got.Header.Get("X-Cmux-Proxied"))
	assert.Equal(t, backendPort(t, backend), got.Header.Get("X-Cmux-Target-Port"))
	assert.Empty(t, got.Header.Get("X-Forwarded-Host"))
	assert.Equal(t, "/api/items?x=1", got.URL.RequestURI())
	assert.Equal(t, `{"n":1}`, string(gotBody))

	// Framing headers never cross the proxy; the rest passes through.
	assert.Empty(t, resp.Header.Get("Content-Security-Policy"))
	assert.Empty(t, resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "yes", resp.Header.Get("X-Backend"))

	// Non-base scope gets CORS on the relayed response.
	assert.Equal(t, "https://app.cmux.app", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestProxyOptionsShortCircuit(t *testing.T) {
	backendHit := false
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backendHit = true
	}))
	defer backend.Close()

	ingress := newTestIngress(t)
	host := fmt.Sprintf("cmux-abc-preview-%s.cmux.app", backendPort(t, backend))

	req, err := http.NewRequest(http.MethodOptions, ingress.URL+"/anything", nil)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-Host", host)
	req.Header.Set("Origin", "https://example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.False(t, backendHit, "OPTIONS must not contact upstream")
}

func TestProxyUnresolvedHost(t *testing.T) {
	ingress := newTestIngress(t)

	req, err := http.NewRequest(http.MethodGet, ingress.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-Host", "www.example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProxyUpstreamUnreachable(t *testing.T) {
	ingress := newTestIngress(t)

	// Port 1 is never listening.
	req, err := http.NewRequest(http.MethodGet, ingress.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-Host", "cmux-abc-preview-1.cmux.app")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.NotContains(t, string(body), "connection refused", "error detail must not leak")
}

func TestBridgeEchoesMessages(t *testing.T) {
	echoUpgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	var upstreamSawProxied string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamSawProxied = r.Header.Get("X-Cmux-Proxied")
		conn, err := echoUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	defer backend.Close()

	ingress := newTestIngress(t)
	host := fmt.Sprintf("cmux-abc-preview-%s.cmux.app", backendPort(t, backend))

	wsURL := "ws" + strings.TrimPrefix(ingress.URL, "http") + "/stream"
	header := http.Header{}
	header.Set("X-Forwarded-Host", host)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "ping", string(data))
	assert.Equal(t, "1", upstreamSawProxied)
}

func TestBridgeEchoesNegotiatedSubprotocol(t *testing.T) {
	subUpgrader := websocket.Upgrader{
		CheckOrigin:  func(*http.Request) bool { return true },
		Subprotocols: []string{"vnc.chat"},
	}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := subUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer backend.Close()

	ingress := newTestIngress(t)
	host := fmt.Sprintf("cmux-abc-preview-%s.cmux.app", backendPort(t, backend))

	wsURL := "ws" + strings.TrimPrefix(ingress.URL, "http") + "/stream"
	header := http.Header{}
	header.Set("X-Forwarded-Host", host)

	dialer := &websocket.Dialer{Subprotocols: []string{"vnc.chat", "vnc.other"}}
	conn, resp, err := dialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	assert.Equal(t, "vnc.chat", conn.Subprotocol(), "the upstream's pick is relayed to the client")
}

func TestBridgeUpstreamDown(t *testing.T) {
	ingress := newTestIngress(t)

	wsURL := "ws" + strings.TrimPrefix(ingress.URL, "http") + "/stream"
	header := http.Header{}
	header.Set("X-Forwarded-Host", "cmux-abc-preview-1.cmux.app")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err, "upgrade must not complete when upstream is down")
	if conn != nil {
		conn.Close()
	}
	if resp != nil {
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		resp.Body.Close()
	}
}

func TestBridgeUnresolvedHost(t *testing.T) {
	ingress := newTestIngress(t)

	wsURL := "ws" + strings.TrimPrefix(ingress.URL, "http") + "/stream"
	header := http.Header{}
	header.Set("X-Forwarded-Host", "www.example.com")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	if resp != nil {
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp.Body.Close()
	}
}

func TestHealthEndpoint(t *testing.T) {
	ingress := newTestIngress(t)

	resp, err := http.Get(ingress.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestDebugHeadersEndpoint(t *testing.T) {
	ingress := newTestIngress(t)

	req, err := http.NewRequest(http.MethodGet, ingress.URL+"/__debug/headers", nil)
	require.NoError(t, err)
	req.Header.Set("X-Custom", "value")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Method  string            `json:"method"`
		Headers map[string]string `json:"headers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.MethodGet, body.Method)
	assert.Equal(t, "value", body.Headers["X-Custom"])
}
