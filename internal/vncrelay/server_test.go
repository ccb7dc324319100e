package vncrelay

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmux-dev/gateway/internal/infrastructure/config"
	"github.com/cmux-dev/gateway/internal/infrastructure/logging"
	"github.com/cmux-dev/gateway/internal/infrastructure/monitoring"
)

// newTestRelay builds a relay over temp static and secret files plus a fake
// VNC server that greets and echoes.
func newTestRelay(t *testing.T, secret string) (*Server, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vnc.html"), []byte("<html>vnc</html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("// app"), 0o644))
	secretPath := writeSecret(t, dir, secret)

	vncListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { vncListener.Close() })
	go func() {
		for {
			conn, err := vncListener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				_, _ = conn.Write([]byte("RFB 003.008\n"))
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if err != nil {
						return
					}
					if _, err := conn.Write(buf[:n]); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	cfg := config.Default()
	cfg.Relay.StaticRoot = dir
	cfg.Relay.SecretFile = secretPath
	cfg.Relay.VNCAddr = vncListener.Addr().String()
	cfg.RateLimit.Enabled = false

	srv := NewServer(cfg, logging.NewNop(), monitoring.NewMetrics())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func TestHealthUnauthenticated(t *testing.T) {
	_, ts := newTestRelay(t, "secret")

	for _, path := range []string{"/health", "/healthz"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}
}

func TestTokenMintsSessionAndRedirects(t *testing.T) {
	_, ts := newTestRelay(t, "secret")

	resp, err := noRedirectClient().Get(ts.URL + "/vnc.html?tkn=secret&autoconnect=1")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)

	location := resp.Header.Get("Location")
	assert.NotContains(t, location, "tkn", "token must not survive the redirect")
	assert.Contains(t, location, "/vnc.html")
	assert.Contains(t, location, "autoconnect=1", "unrelated query params survive")

	var sessionCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookie {
			sessionCookie = c
		}
	}
	require.NotNil(t, sessionCookie)
	assert.Len(t, sessionCookie.Value, 64)
	assert.True(t, sessionCookie.HttpOnly)
}

func TestSessionCookieServesStatic(t *testing.T) {
	srv, ts := newTestRelay(t, "secret")

	session, err := srv.Store().Mint("secret")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: session.ID})

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	buf := make([]byte, 64)
	n, _ := resp.Body.Read(buf)
	assert.Contains(t, string(buf[:n]), "vnc", "root serves the viewer page")
}

func TestUnauthenticatedForbidden(t *testing.T) {
	_, ts := newTestRelay(t, "secret")

	for _, path := range []string{"/", "/vnc.html", "/app.js", "/?tkn=wrong"} {
		resp, err := noRedirectClient().Get(ts.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, "path %s", path)
		resp.Body.Close()
	}
}

func TestStaleTokenFallsBackToSession(t *testing.T) {
	srv, ts := newTestRelay(t, "secret")

	session, err := srv.Store().Mint("secret")
	require.NoError(t, err)

	// A bookmarked pre-redirect URL still carries an old token. The bad
	// token must not shadow the live session cookie.
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/vnc.html?tkn=stale", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: session.ID})

	resp, err := noRedirectClient().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	buf := make([]byte, 64)
	n, _ := resp.Body.Read(buf)
	assert.Contains(t, string(buf[:n]), "vnc")
}

func TestPathTraversalBlocked(t *testing.T) {
	srv, _ := newTestRelay(t, "secret")

	session, err := srv.Store().Mint("secret")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/static", nil)
	req.URL.Path = "/../vnc-token"
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: session.ID})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUpgradeOnOtherPathRejected(t *testing.T) {
	_, ts := newTestRelay(t, "secret")

	addr := strings.TrimPrefix(ts.URL, "http://")
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET /vnc.html HTTP/1.1\r\n"+
		"Host: %s\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n", addr)

	status, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, status, "404 Not Found")
}

func TestWebsockifyWithoutUpgrade(t *testing.T) {
	_, ts := newTestRelay(t, "secret")

	resp, err := http.Get(ts.URL + "/websockify")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// dialWebsockify performs the upgrade by hand against the relay and returns
// the raw connection plus its reader.
func dialWebsockify(t *testing.T, ts *httptest.Server, query string) (net.Conn, *bufio.Reader) {
	t.Helper()
	addr := strings.TrimPrefix(ts.URL, "http://")
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	clientKey := "dGhlIHNhbXBsZSBub25jZQ=="
	fmt.Fprintf(conn, "GET /websockify%s HTTP/1.1\r\n"+
		"Host: %s\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Key: %s\r\n"+
		"Sec-WebSocket-Version: 13\r\n"+
		"Sec-WebSocket-Protocol: binary\r\n\r\n",
		query, addr, clientKey)

	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "101 Switching Protocols")

	expected := base64.StdEncoding.EncodeToString(
		sha1sum(clientKey + "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"))
	var sawAccept, sawBinary bool
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
		if strings.HasPrefix(line, "Sec-WebSocket-Accept:") {
			assert.Contains(t, line, expected)
			sawAccept = true
		}
		if strings.HasPrefix(line, "Sec-WebSocket-Protocol:") {
			assert.Contains(t, line, "binary")
			sawBinary = true
		}
	}
	assert.True(t, sawAccept)
	assert.True(t, sawBinary, "binary subprotocol is echoed when offered")
	return conn, reader
}

func sha1sum(s string) []byte {
	h := sha1.New()
	h.Write([]byte(s))
	return h.Sum(nil)
}

func readFrame(t *testing.T, r *bufio.Reader) Frame {
	t.Helper()
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		frame, _, err := Decode(buf)
		if err == nil {
			return frame
		}
		require.ErrorIs(t, err, ErrShortBuffer)
		n, err := r.Read(chunk)
		require.NoError(t, err)
		buf = append(buf, chunk[:n]...)
	}
	t.Fatal("timed out waiting for frame")
	return Frame{}
}

func TestWebsockifyBridge(t *testing.T) {
	_, ts := newTestRelay(t, "secret")

	conn, reader := dialWebsockify(t, ts, "?tkn=secret")

	// The VNC greeting arrives framed.
	greeting := readFrame(t, reader)
	assert.Equal(t, byte(OpcodeBinary), greeting.Opcode)
	assert.Equal(t, "RFB 003.008\n", string(greeting.Payload))

	// A masked client frame reaches the VNC socket and echoes back framed.
	_, err := conn.Write(maskedFrame(OpcodeBinary, []byte{0x01, 0x02, 0x03}))
	require.NoError(t, err)

	echo := readFrame(t, reader)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, echo.Payload)

	// A close frame tears the bridge down.
	_, err = conn.Write(maskedFrame(OpcodeClose, nil))
	require.NoError(t, err)
}

func TestWebsockifyStaleTokenWithCookie(t *testing.T) {
	srv, ts := newTestRelay(t, "secret")

	session, err := srv.Store().Mint("secret")
	require.NoError(t, err)

	addr := strings.TrimPrefix(ts.URL, "http://")
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET /websockify?tkn=stale HTTP/1.1\r\n"+
		"Host: %s\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n"+
		"Cookie: %s=%s\r\n"+
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n"+
		"Sec-WebSocket-Version: 13\r\n\r\n",
		addr, SessionCookie, session.ID)

	status, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, status, "101 Switching Protocols", "a live session outlasts a rotated token")
}

func TestWebsockifyRateLimited(t *testing.T) {
	dir := t.TempDir()
	secretPath := writeSecret(t, dir, "secret")

	cfg := config.Default()
	cfg.Relay.StaticRoot = dir
	cfg.Relay.SecretFile = secretPath
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerSecond = 0
	cfg.RateLimit.Burst = 1

	srv := NewServer(cfg, logging.NewNop(), monitoring.NewMetrics())
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	do := func() string {
		addr := strings.TrimPrefix(ts.URL, "http://")
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer conn.Close()

		fmt.Fprintf(conn, "GET /websockify?tkn=wrong HTTP/1.1\r\n"+
			"Host: %s\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n", addr)

		status, err := bufio.NewReader(conn).ReadString('\n')
		require.NoError(t, err)
		return status
	}

	assert.Contains(t, do(), "403 Forbidden", "first attempt reaches the auth check")
	assert.Contains(t, do(), "429 Too Many Requests", "further attempts never reach token validation")
}

func TestWebsockifyRejectsBadToken(t *testing.T) {
	_, ts := newTestRelay(t, "secret")

	addr := strings.TrimPrefix(ts.URL, "http://")
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET /websockify?tkn=wrong HTTP/1.1\r\n"+
		"Host: %s\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n"+
		"Sec-WebSocket-Key: abc\r\nSec-WebSocket-Version: 13\r\n\r\n", addr)

	status, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, status, "403 Forbidden")
}
