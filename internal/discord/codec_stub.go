//go:build !opus
// +build !opus

package discord

func NewOpusDecoder() (Decoder, error) { return nil, ErrCodecUnavailable }

func NewOpusEncoder() (Encoder, error) { return nil, ErrCodecUnavailable }
