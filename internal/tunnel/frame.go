// Package tunnel implements the server side of the runtime WebSocket tunnel:
// handshake, frame codec, and a bridge to an upstream byte stream.
package tunnel

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Opcode identifies a frame type.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(0x%x)", byte(o))
	}
}

// IsControl reports whether o is a control opcode.
func (o Opcode) IsControl() bool { return o&0x8 != 0 }

// Close status codes.
const (
	CloseNormal          uint16 = 1000
	CloseGoingAway       uint16 = 1001
	CloseProtocolError   uint16 = 1002
	CloseUnsupportedData uint16 = 1003
	CloseNoStatus        uint16 = 1005
	CloseInvalidPayload  uint16 = 1007
	CloseTooBig          uint16 = 1009
	CloseServiceError    uint16 = 1011
)

// DefaultMaxPayload bounds a single frame's payload.
const DefaultMaxPayload = 1 << 20

const maxControlPayload = 125

// Frame is one decoded WebSocket frame. Payload is already unmasked.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Payload []byte
}

// ProtocolError reports a frame the peer must not have sent. Code is the
// close status the connection should be closed with.
type ProtocolError struct {
	Code   uint16
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("websocket protocol error (%d): %s", e.Code, e.Reason)
}

func protocolErr(format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: CloseProtocolError, Reason: fmt.Sprintf(format, args...)}
}

// Parser turns a byte stream into frames. It keeps incomplete input between
// calls and tracks whether a fragmented data message is in progress.
type Parser struct {
	// MaxPayload caps each frame; zero means DefaultMaxPayload.
	MaxPayload int64
	// RequireMask rejects unmasked frames, as a server must.
	RequireMask bool

	buf        []byte
	fragmented bool
	failed     error
}

// Feed appends p and returns every frame that is now complete. After a
// protocol error the parser is poisoned and returns the same error forever.
func (p *Parser) Feed(data []byte) ([]Frame, error) {
	if p.failed != nil {
		return nil, p.failed
	}
	p.buf = append(p.buf, data...)

	var frames []Frame
	for {
		f, n, err := p.next(p.buf)
		if err != nil {
			p.failed = err
			p.buf = nil
			return frames, err
		}
		if n == 0 {
			break
		}
		frames = append(frames, f)
		p.buf = p.buf[n:]
	}
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return frames, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (p *Parser) Buffered() int { return len(p.buf) }

// DecodeFrames decodes every complete frame in buf and returns the unconsumed
// remainder. It does not require masking.
func DecodeFrames(buf []byte) ([]Frame, []byte, error) {
	p := &Parser{}
	var frames []Frame
	for {
		f, n, err := p.next(buf)
		if err != nil {
			return frames, nil, err
		}
		if n == 0 {
			return frames, buf, nil
		}
		frames = append(frames, f)
		buf = buf[n:]
	}
}

// next decodes one frame from the head of buf. n is zero when buf does not
// yet hold a complete frame.
func (p *Parser) next(buf []byte) (Frame, int, error) {
	if len(buf) < 2 {
		return Frame{}, 0, nil
	}
	b0, b1 := buf[0], buf[1]
	fin := b0&0x80 != 0
	if b0&0x70 != 0 {
		return Frame{}, 0, protocolErr("reserved bits set")
	}
	op := Opcode(b0 & 0x0f)
	switch op {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
	default:
		return Frame{}, 0, protocolErr("reserved opcode 0x%x", byte(op))
	}
	masked := b1&0x80 != 0
	if p.RequireMask && !masked {
		return Frame{}, 0, protocolErr("unmasked client frame")
	}

	offset := 2
	length := int64(b1 & 0x7f)
	switch length {
	case 126:
		if len(buf) < offset+2 {
			return Frame{}, 0, nil
		}
		length = int64(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case 127:
		if len(buf) < offset+8 {
			return Frame{}, 0, nil
		}
		u := binary.BigEndian.Uint64(buf[offset:])
		if u&(1<<63) != 0 {
			return Frame{}, 0, protocolErr("payload length has most significant bit set")
		}
		length = int64(u)
		offset += 8
	}

	if op.IsControl() {
		if !fin {
			return Frame{}, 0, protocolErr("fragmented %s frame", op)
		}
		if length > maxControlPayload {
			return Frame{}, 0, protocolErr("%s frame payload of %d bytes exceeds %d", op, length, maxControlPayload)
		}
	}
	max := p.MaxPayload
	if max <= 0 {
		max = DefaultMaxPayload
	}
	if length > max {
		return Frame{}, 0, &ProtocolError{Code: CloseTooBig, Reason: fmt.Sprintf("frame payload of %d bytes exceeds %d", length, max)}
	}

	var mask [4]byte
	if masked {
		if len(buf) < offset+4 {
			return Frame{}, 0, nil
		}
		copy(mask[:], buf[offset:offset+4])
		offset += 4
	}
	end := offset + int(length)
	if len(buf) < end {
		return Frame{}, 0, nil
	}

	if !op.IsControl() {
		switch {
		case op == OpContinuation && !p.fragmented:
			return Frame{}, 0, protocolErr("continuation frame without a message in progress")
		case op != OpContinuation && p.fragmented:
			return Frame{}, 0, protocolErr("new %s message before previous one finished", op)
		}
		p.fragmented = !fin
	}

	payload := make([]byte, length)
	copy(payload, buf[offset:end])
	if masked {
		for i := range payload {
			payload[i] ^= mask[i%4]
		}
	}
	return Frame{Fin: fin, Opcode: op, Payload: payload}, end, nil
}

// EncodeFrame encodes a final, unmasked frame as a server sends it.
func EncodeFrame(op Opcode, payload []byte) []byte {
	return encode(op, payload, nil)
}

// EncodeMaskedFrame encodes a final frame masked with key, as a client sends it.
func EncodeMaskedFrame(op Opcode, payload []byte, key [4]byte) []byte {
	return encode(op, payload, &key)
}

func encode(op Opcode, payload []byte, key *[4]byte) []byte {
	n := len(payload)
	header := make([]byte, 2, 14)
	header[0] = 0x80 | byte(op)
	var maskBit byte
	if key != nil {
		maskBit = 0x80
	}
	switch {
	case n <= 125:
		header[1] = maskBit | byte(n)
	case n <= 0xffff:
		header[1] = maskBit | 126
		header = binary.BigEndian.AppendUint16(header, uint16(n))
	default:
		header[1] = maskBit | 127
		header = binary.BigEndian.AppendUint64(header, uint64(n))
	}
	if key != nil {
		header = append(header, key[:]...)
	}
	out := make([]byte, len(header)+n)
	copy(out, header)
	copy(out[len(header):], payload)
	if key != nil {
		body := out[len(header):]
		for i := range body {
			body[i] ^= key[i%4]
		}
	}
	return out
}

// EncodeClose builds a close frame payload: a 2-byte status code followed by
// a UTF-8 reason truncated to fit a control frame.
func EncodeClose(code uint16, reason string) []byte {
	if code == CloseNoStatus {
		return nil
	}
	if len(reason) > maxControlPayload-2 {
		reason = reason[:maxControlPayload-2]
		for !utf8.ValidString(reason) {
			reason = reason[:len(reason)-1]
		}
	}
	out := binary.BigEndian.AppendUint16(make([]byte, 0, 2+len(reason)), code)
	return append(out, reason...)
}

// ParseClose decodes a close frame payload. An empty payload yields
// CloseNoStatus.
func ParseClose(payload []byte) (uint16, string, error) {
	switch {
	case len(payload) == 0:
		return CloseNoStatus, "", nil
	case len(payload) == 1:
		return 0, "", protocolErr("close payload of 1 byte")
	}
	code := binary.BigEndian.Uint16(payload)
	if !validCloseCode(code) {
		return 0, "", protocolErr("invalid close code %d", code)
	}
	reason := payload[2:]
	if !utf8.Valid(reason) {
		return 0, "", &ProtocolError{Code: CloseInvalidPayload, Reason: "close reason is not valid UTF-8"}
	}
	return code, string(reason), nil
}

func validCloseCode(code uint16) bool {
	switch {
	case code < 1000:
		return false
	case code == 1004 || code == 1005 || code == 1006 || code == 1015:
		return false
	case code >= 1016 && code < 3000:
		return false
	case code >= 5000:
		return false
	}
	return true
}
