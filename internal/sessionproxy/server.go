package sessionproxy

import (
	"bufio"
	"crypto/subtle"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/cmux-dev/gateway/internal/infrastructure/config"
	"github.com/cmux-dev/gateway/internal/infrastructure/logging"
)

// Server is the local authenticating forward proxy. Every request must carry
// Basic proxy credentials naming a registered context; the context's route
// decides how loopback URLs are rewritten.
type Server struct {
	listener  net.Listener
	httpSrv   *http.Server
	port      int
	manager   *Manager
	log       *logging.Logger
	transport *http.Transport
}

// NewServer binds a listener on the first free port in the configured range.
func NewServer(cfg config.SessionProxyConfig, manager *Manager, log *logging.Logger) (*Server, error) {
	listener, port, err := listenInRange(cfg.PortRangeStart, cfg.PortRangeSize)
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener: listener,
		port:     port,
		manager:  manager,
		log:      log,
		transport: &http.Transport{
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	var handler http.Handler = s
	if cfg.EnableHTTP2 {
		// Cleartext HTTP/2: clients that speak the h2c preface get a
		// multiplexed connection, everyone else stays on HTTP/1.
		handler = h2c.NewHandler(s, &http2.Server{})
	}
	s.httpSrv = &http.Server{Handler: handler}
	return s, nil
}

func listenInRange(start, size int) (net.Listener, int, error) {
	for port := start; port < start+size; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return l, port, nil
		}
	}
	return nil, 0, fmt.Errorf("no free port in %d-%d", start, start+size-1)
}

// Port returns the bound port.
func (s *Server) Port() int { return s.port }

// Serve blocks serving the listener.
func (s *Server) Serve() {
	if err := s.httpSrv.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		s.log.Warn("session proxy serve stopped", zap.Error(err))
	}
}

// Close stops the listener.
func (s *Server) Close() error {
	return s.httpSrv.Close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, ok := s.authenticate(r)
	if !ok {
		w.Header().Set("Proxy-Authenticate", `Basic realm="cmux-gateway"`)
		http.Error(w, "proxy authentication required", http.StatusProxyAuthRequired)
		return
	}
	r.Header.Del("Proxy-Authorization")

	if r.Method == http.MethodConnect {
		s.tunnel(w, r, c)
		return
	}
	if isUpgrade(r) {
		s.tunnelUpgrade(w, r, c)
		return
	}
	s.forward(w, r, c)
}

// authenticate resolves Basic proxy credentials to a context. The password
// comparison is constant-time; the username lookup is not secret.
func (s *Server) authenticate(r *http.Request) (*Context, bool) {
	auth := r.Header.Get("Proxy-Authorization")
	const prefix = "Basic "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return nil, false
	}
	decoded, err := base64.StdEncoding.DecodeString(auth[len(prefix):])
	if err != nil {
		return nil, false
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return nil, false
	}
	c, ok := s.manager.lookup(username)
	if !ok {
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(c.Password)) != 1 {
		return nil, false
	}
	return c, true
}

// forward proxies a plain HTTP request, rewriting loopback URLs onto the
// context's sandbox host.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, c *Context) {
	rw := rewriteURL(c.Route, r.URL)

	out := r.Clone(r.Context())
	out.URL = rw.URL
	out.RequestURI = ""
	out.Host = rw.Host
	if rw.Override != "" {
		out.Header.Set(hostOverrideHeader, rw.Override)
	}
	stripHopHeaders(out.Header)

	resp, err := s.transport.RoundTrip(out)
	if err != nil {
		s.log.Warn("forward failed",
			zap.String("context_id", c.ID),
			zap.String("target", rw.URL.Host),
			zap.Error(err))
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// tunnel handles CONNECT: a raw TCP pipe to the rewritten authority.
func (s *Server) tunnel(w http.ResponseWriter, r *http.Request, c *Context) {
	addr := rewriteAuthority(c.Route, r.Host)

	upstream, err := net.DialTimeout("tcp", addr, 15*time.Second)
	if err != nil {
		s.log.Warn("tunnel dial failed",
			zap.String("context_id", c.ID),
			zap.String("target", addr),
			zap.Error(err))
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}

	client, brw, err := hijack(w)
	if err != nil {
		upstream.Close()
		return
	}
	_, _ = client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	if err := flushBuffered(upstream, brw); err != nil {
		client.Close()
		upstream.Close()
		return
	}
	pipe(client, upstream)
}

// tunnelUpgrade relays a protocol upgrade (WebSocket through the proxy).
// The upstream handshake response is validated before bytes start flowing.
func (s *Server) tunnelUpgrade(w http.ResponseWriter, r *http.Request, c *Context) {
	rw := rewriteURL(c.Route, r.URL)

	addr := rw.URL.Host
	var upstream net.Conn
	var err error
	if rw.URL.Scheme == "https" {
		upstream, err = tls.Dial("tcp", ensurePort(addr, "443"), &tls.Config{ServerName: hostOnly(addr)})
	} else {
		upstream, err = net.DialTimeout("tcp", ensurePort(addr, "80"), 15*time.Second)
	}
	if err != nil {
		s.log.Warn("upgrade dial failed",
			zap.String("context_id", c.ID),
			zap.String("target", addr),
			zap.Error(err))
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}

	out := r.Clone(r.Context())
	out.URL = rw.URL
	out.RequestURI = ""
	out.Host = rw.Host
	if rw.Override != "" {
		out.Header.Set(hostOverrideHeader, rw.Override)
	}

	if err := out.Write(upstream); err != nil {
		upstream.Close()
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}

	br := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(br, out)
	if err != nil {
		upstream.Close()
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}

	client, clientBuf, err := hijack(w)
	if err != nil {
		resp.Body.Close()
		upstream.Close()
		return
	}

	if err := resp.Write(client); err != nil || resp.StatusCode != http.StatusSwitchingProtocols {
		resp.Body.Close()
		client.Close()
		upstream.Close()
		return
	}

	// Bytes already buffered past either handshake belong to the stream.
	if n := br.Buffered(); n > 0 {
		buffered, _ := br.Peek(n)
		if _, err := client.Write(buffered); err != nil {
			client.Close()
			upstream.Close()
			return
		}
	}
	if err := flushBuffered(upstream, clientBuf); err != nil {
		client.Close()
		upstream.Close()
		return
	}
	pipe(client, upstream)
}

// flushBuffered drains bytes the server already read off the client socket
// into the upstream before raw copying takes over.
func flushBuffered(dst net.Conn, brw *bufio.ReadWriter) error {
	if brw == nil {
		return nil
	}
	n := brw.Reader.Buffered()
	if n == 0 {
		return nil
	}
	buffered, err := brw.Reader.Peek(n)
	if err != nil {
		return err
	}
	_, err = dst.Write(buffered)
	return err
}

func hijack(w http.ResponseWriter) (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade unsupported", http.StatusInternalServerError)
		return nil, nil, fmt.Errorf("response writer is not a hijacker")
	}
	return hijacker.Hijack()
}

// pipe copies bytes both directions until either side closes, then closes
// both. Half-open connections never outlive the peer's close.
func pipe(a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		done <- struct{}{}
	}
	go cp(a, b)
	go cp(b, a)
	<-done
	a.Close()
	b.Close()
	<-done
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func stripHopHeaders(h http.Header) {
	for _, name := range []string{
		"Connection", "Proxy-Connection", "Keep-Alive",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade",
	} {
		h.Del(name)
	}
}

func hostOnly(authority string) string {
	host, _, err := net.SplitHostPort(authority)
	if err != nil {
		return authority
	}
	return host
}
