// Package vncrelay serves the in-sandbox remote-desktop endpoint.
//
// The relay sits between a browser running the noVNC client and the local
// VNC server. Access is gated twice: a shared secret delivered once as a
// query token, then a cookie-bound session whose validity is re-checked
// against the live secret file on every request, so rotating the secret
// revokes every outstanding session at once.
//
// The WebSocket side is implemented by hand: the relay performs its own
// upgrade handshake and parses client frames itself, because the upstream
// is a raw TCP socket rather than another WebSocket peer.
package vncrelay
