package vncrelay

import (
	"errors"
	"net"

	"go.uber.org/zap"
)

// bridge pumps bytes between the WebSocket client and the raw VNC socket
// until either side closes, then tears down both.
func (s *Server) bridge(client, vnc net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		s.clientToVNC(client, vnc)
		done <- struct{}{}
	}()
	go func() {
		s.vncToClient(client, vnc)
		done <- struct{}{}
	}()

	<-done
	client.Close()
	vnc.Close()
	<-done
}

// clientToVNC decodes client frames from a growable buffer and forwards
// their payloads. Partial frames stay buffered until more bytes arrive; a
// close frame or any protocol violation ends the bridge.
func (s *Server) clientToVNC(client, vnc net.Conn) {
	buf := make([]byte, 0, 32*1024)
	chunk := make([]byte, 32*1024)

	for {
		n, err := client.Read(chunk)
		if err != nil {
			return
		}
		buf = append(buf, chunk[:n]...)

		for len(buf) > 0 {
			frame, consumed, err := Decode(buf)
			if errors.Is(err, ErrShortBuffer) {
				break
			}
			if err != nil {
				s.log.Debug("client frame rejected", zap.Error(err))
				return
			}
			buf = buf[consumed:]

			switch frame.Opcode {
			case OpcodeClose:
				return
			case OpcodeBinary, OpcodeText:
				if _, err := vnc.Write(frame.Payload); err != nil {
					return
				}
			case OpcodePing, OpcodePong:
				// Keep-alives carry nothing for the VNC side.
			}
		}
	}
}

// vncToClient wraps raw VNC output in binary frames, chunked to the 16-bit
// length encoding.
func (s *Server) vncToClient(client, vnc net.Conn) {
	buf := make([]byte, maxChunk)
	for {
		n, err := vnc.Read(buf)
		if err != nil {
			return
		}
		if err := WriteBinary(client, buf[:n]); err != nil {
			return
		}
	}
}
