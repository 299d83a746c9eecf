// Package oggmux implements a bespoke Ogg/Opus muxer: it accepts raw Opus
// packets and produces a valid, appendable Ogg bitstream with correct
// granule positions, CRC32-checksummed pages, and RFC 7845 header pages.
//
// Reference: RFC 7845 (Ogg Encapsulation for the Opus Audio Codec) and the
// Ogg bitstream format (https://www.xiph.org/ogg/doc/framing.html).
package oggmux

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

const (
	// maxLacingEntries is the largest a page's segment table may grow to
	// before the page must be flushed.
	maxLacingEntries = 255

	// sampleRate is the fixed Opus decode rate this muxer assumes for
	// granule-position bookkeeping (48 kHz, per spec).
	sampleRate = 48000
)

// Muxer accumulates Opus packets into Ogg pages and writes them to an
// underlying io.Writer. It is not safe for concurrent use; callers serialize
// access externally (the mix tick holds the recording mutex while calling
// WritePacket).
type Muxer struct {
	w      io.Writer
	serial uint32
	seq    uint32
	wrote  bool // true once at least one data page has been flushed or the headers were written

	granule    uint64 // running granule position for the *current* page
	pending    []byte // payload accumulated for the current page
	lacing     []byte // segment table accumulated for the current page
	packets    int    // number of Opus packets folded into the current page

	closed bool
}

// New returns a Muxer that writes Ogg pages to w. A random 32-bit serial is
// generated so concurrently open segments never collide.
func New(w io.Writer) (*Muxer, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("oggmux: generate serial: %w", err)
	}
	return &Muxer{
		w:      w,
		serial: binary.LittleEndian.Uint32(buf[:]),
	}, nil
}

// WriteHeaders writes the two mandatory header pages (OpusHead, OpusTags).
// Must be called exactly once, before any WritePacket call.
func (m *Muxer) WriteHeaders(channels, preSkip uint16, inputSampleRate uint32, vendor string) error {
	head := make([]byte, 19)
	copy(head[0:8], "OpusHead")
	head[8] = 1 // version
	if channels == 0 {
		channels = 2
	}
	head[9] = byte(channels)
	binary.LittleEndian.PutUint16(head[10:12], preSkip)
	binary.LittleEndian.PutUint32(head[12:16], inputSampleRate)
	binary.LittleEndian.PutUint16(head[16:18], 0) // output gain
	head[18] = 0                                  // channel mapping family

	if err := m.writePage(head, 0, flagBOS); err != nil {
		return fmt.Errorf("oggmux: write OpusHead: %w", err)
	}

	if vendor == "" {
		vendor = "chanrec"
	}
	tags := make([]byte, 8+4+len(vendor)+4)
	copy(tags[0:8], "OpusTags")
	binary.LittleEndian.PutUint32(tags[8:12], uint32(len(vendor)))
	copy(tags[12:12+len(vendor)], vendor)
	binary.LittleEndian.PutUint32(tags[12+len(vendor):], 0)

	if err := m.writePage(tags, 0, 0); err != nil {
		return fmt.Errorf("oggmux: write OpusTags: %w", err)
	}
	m.wrote = true
	return nil
}

// WritePacket adds one Opus packet to the muxer, advancing the granule
// position by the packet's decoded sample count (see PacketSamples). It
// flushes the current page first if adding this packet's lacing entries
// would exceed 255 segments.
func (m *Muxer) WritePacket(opus []byte) error {
	if m.closed {
		return fmt.Errorf("oggmux: write to closed muxer")
	}

	samples, err := PacketSamples(opus)
	if err != nil {
		return fmt.Errorf("oggmux: %w", err)
	}

	segs := lacingFor(len(opus))
	if len(m.lacing)+len(segs) > maxLacingEntries {
		if err := m.Flush(); err != nil {
			return err
		}
	}

	m.lacing = append(m.lacing, segs...)
	m.pending = append(m.pending, opus...)
	m.granule += uint64(samples)
	m.packets++

	if len(m.lacing) >= maxLacingEntries {
		return m.Flush()
	}
	return nil
}

// Flush finalizes the accumulated page (if any) with the current granule
// position and writes it out, making the file playable up to that point.
func (m *Muxer) Flush() error {
	if m.packets == 0 {
		return nil
	}
	if err := m.writePageRaw(m.pending, m.lacing, m.granule, 0); err != nil {
		return err
	}
	m.pending = nil
	m.lacing = nil
	m.packets = 0
	m.wrote = true
	return nil
}

// Close flushes any pending page and writes a final (possibly empty) page
// with the EOS flag set, per RFC 7845. Safe to call once; a second call is a
// no-op.
func (m *Muxer) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	if m.packets > 0 {
		if err := m.writePageRaw(m.pending, m.lacing, m.granule, flagEOS); err != nil {
			return err
		}
		m.pending, m.lacing, m.packets = nil, nil, 0
		return nil
	}
	return m.writePage(nil, m.granule, flagEOS)
}

// Granule returns the muxer's current running granule position (i.e. total
// decoded samples represented by fully-accumulated packets so far,
// including any not yet flushed to a page).
func (m *Muxer) Granule() uint64 {
	return m.granule
}

// DurationMS returns Granule() expressed in milliseconds at 48 kHz.
func (m *Muxer) DurationMS() int64 {
	return int64(math.Round(float64(m.granule) * 1000 / sampleRate))
}

const (
	flagBOS byte = 1 << 1
	flagEOS byte = 1 << 2
)

// writePage is a convenience wrapper for single-shot header/EOS pages that
// have no lacing accumulation.
func (m *Muxer) writePage(payload []byte, granule uint64, headerType byte) error {
	return m.writePageRaw(payload, lacingFor(len(payload)), granule, headerType)
}

// writePageRaw writes one Ogg page with the given payload, precomputed
// lacing table, granule position, and header type flags.
func (m *Muxer) writePageRaw(payload, lacing []byte, granule uint64, headerType byte) error {
	header := make([]byte, 27+len(lacing))
	copy(header[0:4], "OggS")
	header[4] = 0 // stream structure version
	header[5] = headerType
	binary.LittleEndian.PutUint64(header[6:14], granule)
	binary.LittleEndian.PutUint32(header[14:18], m.serial)
	binary.LittleEndian.PutUint32(header[18:22], m.seq)
	// header[22:26] checksum, filled below
	header[26] = byte(len(lacing))
	copy(header[27:], lacing)

	crc := CRC32(header, payload)
	binary.LittleEndian.PutUint32(header[22:26], crc)

	m.seq++

	if _, err := m.w.Write(header); err != nil {
		return fmt.Errorf("oggmux: write page header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := m.w.Write(payload); err != nil {
			return fmt.Errorf("oggmux: write page payload: %w", err)
		}
	}
	return nil
}

// lacingFor returns the segment table for a payload of length n: runs of
// 255 terminated by one value in 0..254. A payload whose length is an exact
// multiple of 255 (including zero) gets a trailing 0-length segment so the
// decoder can tell the packet actually ended there.
func lacingFor(n int) []byte {
	if n == 0 {
		return []byte{0}
	}
	segs := make([]byte, 0, n/255+1)
	for n >= 255 {
		segs = append(segs, 255)
		n -= 255
	}
	segs = append(segs, byte(n))
	return segs
}

// PacketSamples parses an Opus packet's TOC byte and returns the number of
// 48 kHz samples it decodes to (frame_count × frame_size), per RFC 6716
// §3.1. It never inspects payload content beyond the TOC and (for code 3
// packets) the frame-count byte.
func PacketSamples(packet []byte) (int, error) {
	if len(packet) == 0 {
		return 0, fmt.Errorf("empty opus packet")
	}
	toc := packet[0]
	config := int(toc >> 3)
	code := toc & 0x3

	frameCount := 1
	switch code {
	case 0:
		frameCount = 1
	case 1, 2:
		frameCount = 2
	case 3:
		if len(packet) < 2 {
			frameCount = 1
		} else {
			frameCount = int(packet[1] & 0x3F)
			if frameCount == 0 {
				frameCount = 1
			}
		}
	}

	return frameCount * frameSizeForConfig(config), nil
}

// frameSizeForConfig maps an Opus TOC config number to its frame size in
// samples at 48 kHz, per RFC 6716 Table 2.
func frameSizeForConfig(config int) int {
	switch {
	case config < 12:
		// SILK-only / hybrid NB/MB/WB, 10/20/40/60 ms mapped to 480/960/1920/2880.
		switch config % 4 {
		case 0:
			return 480
		case 1:
			return 960
		case 2:
			return 1920
		default:
			return 2880
		}
	case config < 16:
		// Hybrid SWB/FB, 10 or 20 ms.
		if config%2 == 0 {
			return 480
		}
		return 960
	default:
		// CELT-only, 2.5/5/10/20 ms mapped to 120/240/480/960.
		switch (config - 16) % 4 {
		case 0:
			return 120
		case 1:
			return 240
		case 2:
			return 480
		default:
			return 960
		}
	}
}

// CRC32 computes the Ogg CRC-32 (polynomial 0x04C11DB7, unreflected, initial
// zero) over header (with its checksum field expected to be zeroed by the
// caller during verification) followed by payload.
func CRC32(header, payload []byte) uint32 {
	var crc uint32
	for _, b := range header {
		crc = (crc << 8) ^ crcTable[byte(crc>>24)^b]
	}
	for _, b := range payload {
		crc = (crc << 8) ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

var crcTable = func() [256]uint32 {
	const poly = 0x04C11DB7
	var table [256]uint32
	for i := range table {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if r&0x80000000 != 0 {
				r = (r << 1) ^ poly
			} else {
				r <<= 1
			}
		}
		table[i] = r
	}
	return table
}()
