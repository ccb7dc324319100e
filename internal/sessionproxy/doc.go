// Package sessionproxy gives each browser session its own authenticated
// tunnel to exactly one sandbox.
//
// A single local forward proxy listens on 127.0.0.1 and authenticates every
// request with per-context Basic credentials. Each context is bound to one
// resolved route; requests for loopback URLs are rewritten to the sandbox's
// public hostname so that two sessions pointed at different sandboxes can
// both browse "localhost" without sharing connections, cookies, or caches.
package sessionproxy
