//go:build opus
// +build opus

package discord

import (
	"fmt"

	"github.com/discord-voice-companion/internal/playback"
	"github.com/hraban/opus"
)

type opusDecoder struct {
	dec *opus.Decoder
	pcm []int16
}

// NewOpusDecoder returns a decoder for discord's 48kHz stereo stream.
func NewOpusDecoder() (Decoder, error) {
	dec, err := opus.NewDecoder(playback.SampleRate, playback.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec, pcm: make([]int16, maxFrameSamples*playback.Channels)}, nil
}

func (d *opusDecoder) Decode(packet []byte) ([]byte, error) {
	n, err := d.dec.Decode(packet, d.pcm)
	if err != nil {
		return nil, err
	}
	return pcmBytes(d.pcm[:n*playback.Channels]), nil
}

type opusEncoder struct {
	enc *opus.Encoder
	buf []byte
}

func NewOpusEncoder() (Encoder, error) {
	enc, err := opus.NewEncoder(playback.SampleRate, playback.Channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc, buf: make([]byte, 4000)}, nil
}

func (e *opusEncoder) Encode(pcm []int16) ([]byte, error) {
	n, err := e.enc.Encode(pcm, e.buf)
	if err != nil {
		return nil, err
	}
	// the send loop keeps the packet after we return
	return append([]byte(nil), e.buf[:n]...), nil
}
