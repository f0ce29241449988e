package playback

import (
	"fmt"
	"os"

	"github.com/discord-voice-companion/internal/voice"
)

// Output format expected by the voice connection.
const (
	SampleRate   = 48000
	Channels     = 2
	FrameSamples = 960 // per channel, 20ms at 48kHz
)

// LoadFrames reads a 16-bit PCM WAV file and returns it as 20ms frames of
// interleaved 48kHz stereo samples. The final frame is zero padded.
func LoadFrames(path string) ([][]int16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playback audio: %w", err)
	}
	info, err := voice.ParseWAV(data)
	if err != nil {
		return nil, fmt.Errorf("decode playback audio %s: %w", path, err)
	}
	stereo := toStereo(info.Samples, info.Channels)
	stereo = resampleStereo(stereo, info.SampleRate, SampleRate)
	return splitFrames(stereo), nil
}

// toStereo duplicates mono and keeps the first two channels of anything wider.
func toStereo(samples []int16, channels int) []int16 {
	switch channels {
	case 2:
		return samples
	case 1:
		out := make([]int16, len(samples)*2)
		for i, s := range samples {
			out[2*i] = s
			out[2*i+1] = s
		}
		return out
	}
	frames := len(samples) / channels
	out := make([]int16, frames*2)
	for i := 0; i < frames; i++ {
		out[2*i] = samples[i*channels]
		out[2*i+1] = samples[i*channels+1]
	}
	return out
}

// resampleStereo converts interleaved stereo between rates using linear
// interpolation.
func resampleStereo(in []int16, from, to int) []int16 {
	if from == to || len(in) < 2 {
		return in
	}
	inFrames := len(in) / 2
	outFrames := int(int64(inFrames) * int64(to) / int64(from))
	out := make([]int16, outFrames*2)
	step := float64(from) / float64(to)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= inFrames {
			next = inFrames - 1
		}
		for ch := 0; ch < 2; ch++ {
			a := float64(in[idx*2+ch])
			b := float64(in[next*2+ch])
			out[i*2+ch] = int16(a + (b-a)*frac)
		}
	}
	return out
}

func splitFrames(stereo []int16) [][]int16 {
	const size = FrameSamples * Channels
	n := (len(stereo) + size - 1) / size
	frames := make([][]int16, 0, n)
	for off := 0; off < len(stereo); off += size {
		f := make([]int16, size)
		copy(f, stereo[off:])
		frames = append(frames, f)
	}
	return frames
}
