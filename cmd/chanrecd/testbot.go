package main

import (
	"context"
	"math"
	"time"

	"chanrec"
)

// toneFrameSamples is one 20ms stereo frame at 48kHz.
const toneFrameSamples = 960

// runTestBot feeds a synthetic 440 Hz sine tone into rec as a single fake
// channel participant, so the recording pipeline can be exercised end to
// end without a real TeamSpeak client attached.
func runTestBot(ctx context.Context, rec *chanrec.Recorder, uid, name string) {
	rec.BotConnected()
	rec.SetMembers([]chanrec.Member{{UID: uid, Name: name}})

	frame := toneFrame(440)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rec.SetMembers(nil)
			rec.BotDisconnected()
			return
		case <-ticker.C:
			rec.FeedPCM(uid, frame)
		}
	}
}

// toneFrame renders one interleaved-stereo int16 LE frame of a sine wave at
// freqHz, 48kHz sample rate, moderate amplitude.
func toneFrame(freqHz float64) []byte {
	const amplitude = 8000
	const sampleRate = 48000

	buf := make([]byte, toneFrameSamples*2*2)
	for i := 0; i < toneFrameSamples; i++ {
		v := int16(amplitude * math.Sin(2*math.Pi*freqHz*float64(i)/sampleRate))
		lo := byte(v)
		hi := byte(v >> 8)
		buf[i*4+0] = lo
		buf[i*4+1] = hi
		buf[i*4+2] = lo
		buf[i*4+3] = hi
	}
	return buf
}
