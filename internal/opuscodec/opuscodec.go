// Package opuscodec adapts the recording engine's mix tick to a concrete
// Opus encoder. The mixer only depends on the small Encoder interface
// here — the codec itself is treated as a black box per the engine's
// scope, so the mixer's tests substitute a fake that returns pre-baked TOC
// bytes instead of linking the real codec.
package opuscodec

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// Encoder turns one mixed 20ms PCM frame into exactly one Opus packet.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
	Close() error
}

// SampleRate and Channels are the fixed operating parameters the mix tick
// feeds the encoder: 48 kHz stereo, 20 ms frames (1920 samples).
const (
	SampleRate  = 48000
	Channels    = 2
	FrameSamples = 960 // samples per channel per 20ms frame
	maxPacketBytes = 4000
)

// hrabanEncoder wraps gopkg.in/hraban/opus.v2's Encoder for stereo 48kHz
// input, mirroring the client's mono configuration in the teacher's
// audio.go adapted to two channels.
type hrabanEncoder struct {
	enc *opus.Encoder
}

// NewEncoder returns an Encoder backed by libopus at the given bitrate in
// bits per second.
func NewEncoder(bitrateBits int) (Encoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opuscodec: new encoder: %w", err)
	}
	if err := enc.SetBitrate(bitrateBits); err != nil {
		return nil, fmt.Errorf("opuscodec: set bitrate: %w", err)
	}
	return &hrabanEncoder{enc: enc}, nil
}

// Encode encodes one interleaved-stereo PCM frame (len(pcm) ==
// FrameSamples*Channels) into a single Opus packet.
func (e *hrabanEncoder) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, maxPacketBytes)
	n, err := e.enc.Encode(pcm, out)
	if err != nil {
		return nil, fmt.Errorf("opuscodec: encode: %w", err)
	}
	return out[:n], nil
}

// Close releases the encoder. libopus's Go binding has no explicit
// destructor beyond garbage collection, so this is a no-op kept to satisfy
// the Encoder interface and mirror the muxer/segment Close symmetry.
func (e *hrabanEncoder) Close() error {
	return nil
}
