package discord

import (
	"encoding/binary"
	"errors"
)

// ErrCodecUnavailable is returned by the opus constructors in builds
// without the opus tag (libopus is a cgo dependency).
var ErrCodecUnavailable = errors.New("opus codec not compiled in; build with -tags opus")

// maxFrameSamples is the per-channel sample count of the longest opus
// frame (120ms at 48kHz).
const maxFrameSamples = 5760

// Decoder turns one opus packet into interleaved 16-bit little-endian
// stereo PCM at 48kHz. Decoders are stateful and belong to one SSRC.
type Decoder interface {
	Decode(packet []byte) ([]byte, error)
}

// Encoder turns one 20ms stereo frame into an opus packet.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
}

func pcmBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
