package vncrelay

import (
	"encoding/binary"
	"errors"
	"io"
)

// WebSocket opcodes the relay cares about.
const (
	OpcodeText   = 0x1
	OpcodeBinary = 0x2
	OpcodeClose  = 0x8
	OpcodePing   = 0x9
	OpcodePong   = 0xA
)

// maxChunk caps the payload of an encoded frame so every frame fits the
// 16-bit extended length encoding.
const maxChunk = 65535

// ErrShortBuffer means the buffer does not yet hold a complete frame; the
// caller should read more bytes and retry.
var ErrShortBuffer = errors.New("incomplete frame")

// ErrProtocolViolation means the peer sent a frame the relay does not
// support. The connection must be torn down.
var ErrProtocolViolation = errors.New("websocket protocol violation")

// Frame is one decoded client frame.
type Frame struct {
	Opcode  byte
	Payload []byte
}

// Decode parses a single frame from the front of buf, returning the frame
// and the number of bytes consumed. ErrShortBuffer means buf needs more
// data; nothing is consumed in that case.
//
// Payload length follows the client encoding: 7-bit direct value, 126 for a
// following 16-bit length, 127 for a following 32-bit length. 64-bit lengths
// are not supported. The 4-byte XOR mask is applied in place when present.
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) < 2 {
		return Frame{}, 0, ErrShortBuffer
	}

	opcode := buf[0] & 0x0F
	masked := buf[1]&0x80 != 0
	length := int(buf[1] & 0x7F)

	offset := 2
	switch length {
	case 126:
		if len(buf) < offset+2 {
			return Frame{}, 0, ErrShortBuffer
		}
		length = int(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case 127:
		if len(buf) < offset+4 {
			return Frame{}, 0, ErrShortBuffer
		}
		v := binary.BigEndian.Uint32(buf[offset:])
		if v > 1<<31-1 {
			return Frame{}, 0, ErrProtocolViolation
		}
		length = int(v)
		offset += 4
	}

	var mask []byte
	if masked {
		if len(buf) < offset+4 {
			return Frame{}, 0, ErrShortBuffer
		}
		mask = buf[offset : offset+4]
		offset += 4
	}

	if len(buf) < offset+length {
		return Frame{}, 0, ErrShortBuffer
	}

	payload := buf[offset : offset+length]
	if masked {
		for i := range payload {
			payload[i] ^= mask[i%4]
		}
	}

	return Frame{Opcode: opcode, Payload: payload}, offset + length, nil
}

// EncodeBinary wraps payload in a single unmasked binary frame. Payload must
// not exceed maxChunk bytes.
func EncodeBinary(payload []byte) []byte {
	if len(payload) < 126 {
		frame := make([]byte, 2+len(payload))
		frame[0] = 0x80 | OpcodeBinary
		frame[1] = byte(len(payload))
		copy(frame[2:], payload)
		return frame
	}
	frame := make([]byte, 4+len(payload))
	frame[0] = 0x80 | OpcodeBinary
	frame[1] = 126
	binary.BigEndian.PutUint16(frame[2:], uint16(len(payload)))
	copy(frame[4:], payload)
	return frame
}

// WriteBinary writes payload as one or more binary frames, splitting into
// chunks no larger than maxChunk.
func WriteBinary(w io.Writer, payload []byte) error {
	for len(payload) > 0 {
		chunk := payload
		if len(chunk) > maxChunk {
			chunk = chunk[:maxChunk]
		}
		if _, err := w.Write(EncodeBinary(chunk)); err != nil {
			return err
		}
		payload = payload[len(chunk):]
	}
	return nil
}
