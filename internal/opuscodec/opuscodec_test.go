package opuscodec

import (
	"math"
	"testing"
)

func sineFrame(freqHz float64, amplitude int16) []int16 {
	pcm := make([]int16, FrameSamples*Channels)
	for i := 0; i < FrameSamples; i++ {
		v := int16(float64(amplitude) * math.Sin(2*math.Pi*freqHz*float64(i)/SampleRate))
		pcm[i*2] = v
		pcm[i*2+1] = v
	}
	return pcm
}

func TestNewEncoderProducesDecodablePacket(t *testing.T) {
	enc, err := NewEncoder(64000)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	defer enc.Close()

	pcm := sineFrame(440, 16000)
	packet, err := enc.Encode(pcm)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(packet) == 0 {
		t.Fatal("expected non-empty Opus packet")
	}
}

func TestNewEncoderToleratesBitrateBelowFloor(t *testing.T) {
	// A 1 bps bitrate is far below libopus's floor (500 bps). NewEncoder
	// must not panic on it; it may succeed, and an error skips the test.
	if _, err := NewEncoder(1); err != nil {
		t.Skip("libopus rejected an extreme low bitrate; acceptable, not required to succeed")
	}
}
