package vncrelay

import (
	"crypto/sha1"
	"encoding/base64"
	"net"
	"net/http"
	"strings"
)

// websocketGUID is the fixed key-derivation constant from RFC 6455.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// acceptKey derives the Sec-WebSocket-Accept value for a client key.
func acceptKey(clientKey string) string {
	h := sha1.New()
	h.Write([]byte(clientKey + websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// writeHandshake completes the upgrade by hand: 101 status, the derived
// accept key, and the binary subprotocol echoed back when the client
// offered it.
func writeHandshake(conn net.Conn, r *http.Request) error {
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: " + acceptKey(r.Header.Get("Sec-WebSocket-Key")) + "\r\n")
	if offersBinary(r.Header.Get("Sec-WebSocket-Protocol")) {
		b.WriteString("Sec-WebSocket-Protocol: binary\r\n")
	}
	b.WriteString("\r\n")

	_, err := conn.Write([]byte(b.String()))
	return err
}

func offersBinary(protocols string) bool {
	for _, p := range strings.Split(protocols, ",") {
		if strings.TrimSpace(p) == "binary" {
			return true
		}
	}
	return false
}
