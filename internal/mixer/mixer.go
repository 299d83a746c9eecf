// Package mixer implements the 20ms mix tick (C2): every tick it pulls one
// PCM frame from each active sender's jitter buffer, sums them with
// saturation, computes per-sender and mixed loudness, feeds the result to
// the Opus encoder and the current segment's muxer and waveform set, and
// periodically flushes state to the recording index.
package mixer

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"chanrec/internal/jitter"
	"chanrec/internal/opuscodec"
)

// FrameSamples is samples-per-channel per 20ms tick at 48kHz.
const FrameSamples = opuscodec.FrameSamples

// Channels matches the encoder's fixed channel count (stereo).
const Channels = opuscodec.Channels

// FrameBytes is the byte length of one interleaved int16 stereo frame.
const FrameBytes = FrameSamples * Channels * 2

// TickInterval is the fixed mix-tick cadence.
const TickInterval = 20 * time.Millisecond

// staleAfter is how long a sender may go without a write before its
// buffer is dropped from consideration.
const staleAfter = 30 * time.Second

// flushInterval is the wall-clock cadence for muxer/waveform/index flush.
const flushInterval = 1 * time.Second

// Identity resolves a sender to a stable participant identity, or reports
// false if unknown (in which case the sender's audio is still mixed, but
// no per-uid RMS/waveform track is produced for it).
type Identity struct {
	UID  string
	Name string
}

// Segment is the narrow view of the currently open segment the mixer
// needs: an Opus encoder sink and a waveform tick sink. The concrete
// implementation lives in package segment; this interface exists so the
// mixer can be unit tested without a real file-backed segment.
type Segment interface {
	WriteOpusPacket(pkt []byte) error
	EnsureWaveformTrack(uid, name string) error
	AppendWaveformTick(byUID map[string]byte) error
	FlushDue() error
}

// Sender is one active PCM source.
type Sender struct {
	Buf      *jitter.Buffer
	Identity func() (Identity, bool)
	InChannel func() bool // membership filter: only true senders are mixed
}

// Mixer owns the tick loop. Its own mutex guards the sender map and the
// current segment; AddSender, RemoveSender, SetSegment and Tick all take it.
type Mixer struct {
	mu      sync.Mutex
	senders map[string]*Sender

	encoder opuscodec.Encoder
	segment Segment

	lastFlush time.Time

	scratch []int16 // reused per-tick decode scratch (per sender)
	accum   []int32 // reused per-tick sum accumulator

	// OnRotateNeeded is called (outside any lock, from the tick goroutine)
	// when the current segment has been open for >= 1h, per §4.2 step 1.
	OnRotateNeeded func()
	segmentStart   time.Time

	// OnAloneCheck, if set, is invoked with the freshest membership-derived
	// aloneness signal at most once per tick; the control machine decides
	// whether to actually act on it (rate-limited to 1s internally).
	OnAloneCheck func(alone bool)
	AloneEval    func() bool
}

// New returns a Mixer with no active senders or segment.
func New(encoder opuscodec.Encoder) *Mixer {
	return &Mixer{
		senders: make(map[string]*Sender),
		encoder: encoder,
		scratch: make([]int16, FrameSamples*Channels),
		accum:   make([]int32, FrameSamples*Channels),
	}
}

// AddSender registers or replaces a sender's buffer under key.
func (m *Mixer) AddSender(key string, s *Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.senders[key] = s
}

// RemoveSender drops a sender.
func (m *Mixer) RemoveSender(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.senders, key)
}

// SetSegment installs the currently open segment (and resets the
// segment-start clock used for hourly rotation), or clears it with nil.
func (m *Mixer) SetSegment(seg Segment, start time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segment = seg
	m.segmentStart = start
}

// Tick runs exactly one 20ms mix cycle. It is safe to call from a
// dedicated ticker goroutine; it takes the mixer's own mutex for its
// duration, mirroring §5's single recording-mutex model.
func (m *Mixer) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.segment != nil && !m.segmentStart.IsZero() && time.Since(m.segmentStart) >= time.Hour {
		if m.OnRotateNeeded != nil {
			rotate := m.OnRotateNeeded
			m.mu.Unlock()
			rotate()
			m.mu.Lock()
		}
	}

	for i := range m.accum {
		m.accum[i] = 0
	}

	rmsByUID := make(map[string]byte)
	names := make(map[string]string)

	for key, s := range m.senders {
		if s.InChannel != nil && !s.InChannel() {
			continue
		}
		if s.Buf.LastWrite() != 0 && time.Since(time.Unix(0, s.Buf.LastWrite())) > staleAfter {
			delete(m.senders, key)
			continue
		}

		frame := make([]byte, FrameBytes)
		if !s.Buf.ReadFrame(frame) {
			continue
		}
		decodeInt16LE(frame, m.scratch)

		var sumsq float64
		for i, v := range m.scratch {
			m.accum[i] += int32(v)
			sumsq += float64(v) * float64(v)
		}

		if s.Identity != nil {
			if id, ok := s.Identity(); ok {
				rms := math.Sqrt(sumsq / float64(len(m.scratch)))
				b := clampByte(math.Round(rms / 32767 * 255))
				rmsByUID[id.UID] = b
				names[id.UID] = id.Name
			}
		}
	}

	mixed := make([]int16, len(m.accum))
	for i, v := range m.accum {
		mixed[i] = saturateInt16(v)
	}

	if m.encoder != nil {
		pkt, err := m.encoder.Encode(mixed)
		if err != nil {
			slog.Error("mixer: encode failed", "err", err)
		} else if m.segment != nil {
			if err := m.segment.WriteOpusPacket(pkt); err != nil {
				slog.Error("mixer: write opus packet failed", "err", err)
			}
		}
	}

	var mixedSumSq float64
	for _, b := range rmsByUID {
		mixedSumSq += float64(b) * float64(b)
	}
	mixedRMS := clampByte(math.Sqrt(mixedSumSq))

	if m.segment != nil {
		for uid, name := range names {
			if err := m.segment.EnsureWaveformTrack(uid, name); err != nil {
				slog.Error("mixer: ensure waveform track failed", "uid", uid, "err", err)
			}
		}
		if err := m.segment.EnsureWaveformTrack("mixed", "mixed"); err != nil {
			slog.Error("mixer: ensure mixed waveform track failed", "err", err)
		}

		byUID := make(map[string]byte, len(rmsByUID)+1)
		for k, v := range rmsByUID {
			byUID[k] = v
		}
		byUID["mixed"] = mixedRMS
		if err := m.segment.AppendWaveformTick(byUID); err != nil {
			slog.Error("mixer: append waveform tick failed", "err", err)
		}
	}

	if m.AloneEval != nil && m.OnAloneCheck != nil {
		m.OnAloneCheck(m.AloneEval())
	}

	if time.Since(m.lastFlush) >= flushInterval {
		m.lastFlush = time.Now()
		if m.segment != nil {
			if err := m.segment.FlushDue(); err != nil {
				slog.Error("mixer: periodic flush failed", "err", err)
			}
		}
	}

}

// decodeInt16LE fills dst with little-endian int16 samples parsed from src.
func decodeInt16LE(src []byte, dst []int16) {
	for i := range dst {
		lo := src[i*2]
		hi := src[i*2+1]
		dst[i] = int16(uint16(lo) | uint16(hi)<<8)
	}
}

// saturateInt16 clamps a wider accumulator value into the int16 range
// instead of wrapping, per §4.2 step 5 / §8's saturation invariant.
func saturateInt16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// clampByte clamps a float into 0..255, dropping any fractional part.
func clampByte(f float64) byte {
	if f < 0 {
		return 0
	}
	if f > 255 {
		return 255
	}
	return byte(f)
}
