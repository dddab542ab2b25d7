package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"burstflare/internal/flare"
)

// encMode writes deterministic CBOR with nanosecond RFC 3339 timestamps so
// that times survive a round trip unchanged.
var encMode cbor.EncMode

var decMode cbor.DecMode

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

func marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// cloneState deep-copies st through the codec.
func cloneState(st *flare.State) (*flare.State, error) {
	data, err := marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encoding state: %w", err)
	}
	var out flare.State
	if err := unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	out.Normalize()
	return &out, nil
}

// encodeSnapshot produces the compressed on-disk form of st.
func encodeSnapshot(st *flare.State) ([]byte, error) {
	data, err := marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encoding state: %w", err)
	}
	return zstdEncoder.EncodeAll(data, nil), nil
}

func decodeSnapshot(compressed []byte) (*flare.State, error) {
	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	var st flare.State
	if err := unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	st.Normalize()
	return &st, nil
}
