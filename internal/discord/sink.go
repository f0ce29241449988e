package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

var errNotReady = errors.New("voice connection not ready")

// OpusSink encodes playback frames and hands them to the voice
// connection's send loop, which paces them at 20ms.
type OpusSink struct {
	speaking func(bool) error
	out      func() chan []byte
	enc      Encoder
}

func NewOpusSink(vc *discordgo.VoiceConnection, enc Encoder) *OpusSink {
	return &OpusSink{
		speaking: vc.Speaking,
		// the send channel is recreated when the connection reconnects
		out: func() chan []byte { return vc.OpusSend },
		enc: enc,
	}
}

func (s *OpusSink) Speaking(on bool) error { return s.speaking(on) }

func (s *OpusSink) WriteFrame(ctx context.Context, pcm []int16) error {
	data, err := s.enc.Encode(pcm)
	if err != nil {
		return fmt.Errorf("opus encode: %w", err)
	}
	out := s.out()
	if out == nil {
		return errNotReady
	}
	select {
	case out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
