// Package ingress implements the public-facing sandbox proxy.
//
// The ingress owns no sandbox state. Every request and WebSocket upgrade is
// resolved against the routing package using the request's host header, then
// forwarded byte-for-byte to the resolved backend. Because no state survives
// a request, any number of ingress processes can run behind a load balancer.
//
// Endpoints:
//   - GET /healthz          liveness probe
//   - GET /__debug/headers  echo of the inbound request as seen by the proxy
//   - GET /__version        build and feature information
//   - GET /metrics          Prometheus metrics
//   - everything else       proxied per the resolved route
package ingress
