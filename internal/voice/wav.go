package voice

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// BuildWAV creates a simple RIFF/WAVE header for 16-bit PCM and returns the
// concatenated bytes (header + data).
func BuildWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)
	dataLen := uint32(len(pcm))
	riffSize := uint32(4 + (8 + 16) + (8 + dataLen))

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, byteRate)
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}

// WAVInfo describes decoded 16-bit PCM audio.
type WAVInfo struct {
	SampleRate int
	Channels   int
	Samples    []int16 // interleaved
}

var ErrNotWAV = errors.New("not a RIFF/WAVE file")

// ParseWAV decodes a 16-bit PCM WAV. Unknown chunks (LIST, fact, ...) are
// skipped; synthesis servers commonly emit them before the data chunk.
func ParseWAV(data []byte) (*WAVInfo, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}
	info := &WAVInfo{}
	var haveFmt bool
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(data) {
			// servers streaming the body sometimes leave the data size at 0 or max
			if id == "data" {
				size = len(data) - body
			} else {
				return nil, fmt.Errorf("wav: chunk %q overruns file", id)
			}
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("wav: short fmt chunk (%d bytes)", size)
			}
			format := binary.LittleEndian.Uint16(data[body:])
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bits := binary.LittleEndian.Uint16(data[body+14:])
			if format != 1 && format != 0xFFFE {
				return nil, fmt.Errorf("wav: unsupported audio format %d", format)
			}
			if bits != 16 {
				return nil, fmt.Errorf("wav: unsupported bit depth %d", bits)
			}
			if info.Channels <= 0 || info.SampleRate <= 0 {
				return nil, fmt.Errorf("wav: invalid fmt channels=%d rate=%d", info.Channels, info.SampleRate)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, errors.New("wav: data chunk before fmt chunk")
			}
			n := size / bytesPerSample
			info.Samples = make([]int16, n)
			for i := 0; i < n; i++ {
				info.Samples[i] = int16(binary.LittleEndian.Uint16(data[body+i*2:]))
			}
			return info, nil
		}
		pos = body + size + size%2
	}
	return nil, errors.New("wav: missing data chunk")
}
