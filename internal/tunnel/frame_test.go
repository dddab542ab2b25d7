package tunnel

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_TextRoundTrip200Bytes(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefghij"), 20)
	require.Len(t, payload, 200)

	wire := EncodeFrame(OpText, payload)
	assert.Equal(t, byte(0x81), wire[0])
	assert.Equal(t, byte(126), wire[1], "200 bytes needs the 16-bit length form")
	assert.Len(t, wire, 4+200)

	p := &Parser{}
	frames, err := p.Feed(wire)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Fin)
	assert.Equal(t, OpText, frames[0].Opcode)
	assert.Equal(t, payload, frames[0].Payload)
	assert.Zero(t, p.Buffered())
}

func TestFrame_CloseRoundTrip(t *testing.T) {
	wire := EncodeFrame(OpClose, EncodeClose(CloseNormal, "bye"))

	frames, rest, err := DecodeFrames(wire)
	require.NoError(t, err)
	assert.Empty(t, rest)
	require.Len(t, frames, 1)
	assert.Equal(t, OpClose, frames[0].Opcode)

	code, reason, err := ParseClose(frames[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, CloseNormal, code)
	assert.Equal(t, "bye", reason)
}

func TestEncodeFrame_LengthForms(t *testing.T) {
	tests := []struct {
		size       int
		headerSize int
	}{
		{0, 2},
		{125, 2},
		{126, 4},
		{65535, 4},
		{65536, 10},
	}
	for _, tt := range tests {
		wire := EncodeFrame(OpBinary, make([]byte, tt.size))
		assert.Len(t, wire, tt.headerSize+tt.size, "size %d", tt.size)

		frames, rest, err := DecodeFrames(wire)
		require.NoError(t, err)
		assert.Empty(t, rest)
		require.Len(t, frames, 1)
		assert.Len(t, frames[0].Payload, tt.size)
	}
}

func TestParser_MaskedIncremental(t *testing.T) {
	payload := []byte("hello, tunnel")
	wire := EncodeMaskedFrame(OpBinary, payload, [4]byte{0x12, 0x34, 0x56, 0x78})
	assert.NotContains(t, string(wire), "hello")

	p := &Parser{RequireMask: true}
	var got []Frame
	for i := range wire {
		frames, err := p.Feed(wire[i : i+1])
		require.NoError(t, err)
		got = append(got, frames...)
		if i < len(wire)-1 {
			assert.Empty(t, frames)
			assert.Equal(t, i+1, p.Buffered())
		}
	}
	require.Len(t, got, 1)
	assert.Equal(t, payload, got[0].Payload)
}

func TestDecodeFrames_KeepsRemainder(t *testing.T) {
	first := EncodeFrame(OpText, []byte("one"))
	second := EncodeFrame(OpBinary, []byte("two"))
	buf := append(append([]byte{}, first...), second[:3]...)

	frames, rest, err := DecodeFrames(buf)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("one"), frames[0].Payload)
	assert.Equal(t, second[:3], rest)
}

func TestParser_Fragmentation(t *testing.T) {
	start := EncodeFrame(OpText, []byte("he"))
	start[0] &^= 0x80 // clear FIN
	cont := EncodeFrame(OpContinuation, []byte("llo"))
	ping := EncodeFrame(OpPing, []byte("p"))

	p := &Parser{}
	frames, err := p.Feed(append(append(start, ping...), cont...))
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.False(t, frames[0].Fin)
	assert.Equal(t, OpPing, frames[1].Opcode, "control frames may interleave")
	assert.Equal(t, OpContinuation, frames[2].Opcode)
}

func TestParser_ProtocolErrors(t *testing.T) {
	fragmentedPing := EncodeFrame(OpPing, nil)
	fragmentedPing[0] &^= 0x80
	openText := EncodeFrame(OpText, []byte("a"))
	openText[0] &^= 0x80

	tests := []struct {
		name     string
		parser   Parser
		input    []byte
		wantCode uint16
	}{
		{"reserved bits", Parser{}, []byte{0x80 | 0x40 | byte(OpText), 0}, CloseProtocolError},
		{"reserved opcode", Parser{}, []byte{0x83, 0}, CloseProtocolError},
		{"fragmented control frame", Parser{}, fragmentedPing, CloseProtocolError},
		{"oversized control frame", Parser{}, EncodeFrame(OpPing, make([]byte, 126)), CloseProtocolError},
		{"payload over max", Parser{MaxPayload: 10}, EncodeFrame(OpBinary, make([]byte, 11)), CloseTooBig},
		{"unmasked client frame", Parser{RequireMask: true}, EncodeFrame(OpText, []byte("x")), CloseProtocolError},
		{"orphan continuation", Parser{}, EncodeFrame(OpContinuation, []byte("x")), CloseProtocolError},
		{"interleaved data message", Parser{}, append(openText, EncodeFrame(OpText, []byte("b"))...), CloseProtocolError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.parser
			_, err := p.Feed(tt.input)
			var pe *ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.wantCode, pe.Code)

			_, again := p.Feed(EncodeFrame(OpText, []byte("ok")))
			assert.Equal(t, err, again, "parser stays failed")
		})
	}
}

func TestParseClose(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		code    uint16
		reason  string
		wantErr bool
	}{
		{"empty means no status", nil, CloseNoStatus, "", false},
		{"code only", EncodeClose(CloseGoingAway, ""), CloseGoingAway, "", false},
		{"application code", EncodeClose(4001, "app"), 4001, "app", false},
		{"single byte", []byte{0x03}, 0, "", true},
		{"invalid code", []byte{0x03, 0xed}, 0, "", true}, // 1005 on the wire
		{"below range", []byte{0x00, 0x10}, 0, "", true},
		{"bad utf8 reason", append(EncodeClose(CloseNormal, ""), 0xff), 0, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, reason, err := ParseClose(tt.payload)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestEncodeClose_TruncatesReason(t *testing.T) {
	long := string(bytes.Repeat([]byte("é"), 100))
	payload := EncodeClose(CloseServiceError, long)
	assert.LessOrEqual(t, len(payload), 125)

	code, reason, err := ParseClose(payload)
	require.NoError(t, err)
	assert.Equal(t, CloseServiceError, code)
	assert.NotEmpty(t, reason)
}
