package sessionproxy

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/cmux-dev/gateway/internal/routing"
)

// hostOverrideHeader carries the original loopback authority to the sandbox
// so the application behind the rewrite still sees the host it was serving.
const hostOverrideHeader = "X-Cmux-Host-Override"

// rewrite is the result of mapping a loopback URL onto a route's public host.
type rewrite struct {
	// URL is the outbound request URL, always https when rewritten.
	URL *url.URL
	// Host is the value for the outbound Host header.
	Host string
	// Override is the original authority, carried in the override header
	// for cmux targets. Empty when the Host header itself carries it.
	Override string
	// Rewritten reports whether the URL was loopback and got mapped.
	Rewritten bool
}

// rewriteURL maps loopback request URLs to the context's sandbox. A session
// browsing "localhost:3000" reaches port 3000 of its own sandbox; the port
// travels inside the public hostname, so any loopback port works without
// per-port registration. Non-loopback URLs pass through untouched.
func rewriteURL(route *routing.Route, u *url.URL) rewrite {
	host, port := splitAuthority(u.Host, u.Scheme)
	if !routing.IsLoopback(host) {
		return rewrite{URL: u, Host: u.Host}
	}

	original := u.Host
	out := *u
	out.Scheme = "https"

	if route.HasMorphSuffix() {
		// Morph fronts route on the URL host and pass Host through, so the
		// original authority rides in the literal Host header.
		out.Host = fmt.Sprintf("port-%s-morphvm-%s%s", port, route.SandboxID, route.MorphSuffix())
		return rewrite{URL: &out, Host: original, Rewritten: true}
	}

	out.Host = fmt.Sprintf("cmux-%s-%s-%s.%s", route.SandboxID, route.Scope, port, route.DomainSuffix)
	return rewrite{URL: &out, Host: out.Host, Override: original, Rewritten: true}
}

// rewriteAuthority maps a CONNECT authority the same way rewriteURL maps a
// URL, returning the address to dial.
func rewriteAuthority(route *routing.Route, authority string) string {
	host, port := splitAuthority(authority, "https")
	if !routing.IsLoopback(host) {
		return ensurePort(authority, "443")
	}
	if route.HasMorphSuffix() {
		return fmt.Sprintf("port-%s-morphvm-%s%s:443", port, route.SandboxID, route.MorphSuffix())
	}
	return fmt.Sprintf("cmux-%s-%s-%s.%s:443", route.SandboxID, route.Scope, port, route.DomainSuffix)
}

func splitAuthority(authority, scheme string) (host, port string) {
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		host = authority
		port = "80"
		if strings.EqualFold(scheme, "https") {
			port = "443"
		}
	}
	return host, port
}

func ensurePort(authority, def string) string {
	if _, _, err := net.SplitHostPort(authority); err == nil {
		return authority
	}
	return net.JoinHostPort(authority, def)
}
