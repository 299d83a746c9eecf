// Package waveform writes per-participant loudness sidecars alongside a
// recording segment: one raw byte per mix tick, prefixed by a small fixed
// header (magic "TSWF") patched with the true sample count on finalize.
package waveform

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const (
	magic      = "TSWF"
	version    = 1
	headerSize = 16

	// SampleRate is the fixed tick rate a waveform track advances at: one
	// byte per 20 ms mix tick, i.e. 50 Hz.
	SampleRate = 50

	// MixedUID is the reserved key for the combined-output track.
	MixedUID = "mixed"
)

// Track is one participant's (or the reserved "mixed") open waveform file.
type Track struct {
	UID     string
	Name    string
	f       *os.File
	path    string
	samples uint32
	maxByte byte
}

// Set owns every track for one open segment and keeps their sample counts
// in lockstep: a track created mid-segment is zero-padded up to the
// current tick index so every track ends with an identical sample count.
type Set struct {
	dir           string // per-UTC-day directory
	base          string // "<HH-MM-SS>__open[_N]" — matches the audio file's base name
	currentTick   int
	tracks        map[string]*Track // keyed by uid, plus MixedUID
}

// SafeUID percent-encodes uid for use inside a filename, per RFC 3986's
// escape-data-string equivalent, so waveform filenames stay portable.
func SafeUID(uid string) string {
	// QueryEscape writes a space as "+" and escapes a literal "+" as "%2B",
	// so every remaining "+" stands for a space.
	return strings.ReplaceAll(url.QueryEscape(uid), "+", "%20")
}

// NewSet creates the waveform set for a freshly opened segment. base is the
// audio file's base name without extension (e.g. "14-05-00__open").
func NewSet(dir, base string) *Set {
	return &Set{dir: dir, base: base, tracks: make(map[string]*Track)}
}

// filePath returns the on-disk sidecar path for uid.
func (s *Set) filePath(uid string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s__%s.wfm", s.base, SafeUID(uid)))
}

// EnsureTrack returns the track for uid, creating and zero-padding it (to
// s.currentTick bytes) if this is the first time uid has been seen this
// segment.
func (s *Set) EnsureTrack(uid, name string) (*Track, error) {
	if t, ok := s.tracks[uid]; ok {
		return t, nil
	}

	path := s.filePath(uid)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("waveform: create %s: %w", path, err)
	}

	t := &Track{UID: uid, Name: name, f: f, path: path}
	if err := t.writeHeader(0); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	// writeHeader uses WriteAt, which leaves the file offset untouched;
	// move it past the header so samples are appended after it.
	if _, err := f.Seek(headerSize, io.SeekStart); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("waveform: seek past header %s: %w", path, err)
	}

	if s.currentTick > 0 {
		pad := make([]byte, s.currentTick)
		if _, err := f.Write(pad); err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("waveform: zero-pad %s: %w", path, err)
		}
		t.samples = uint32(s.currentTick)
	}

	s.tracks[uid] = t
	return t, nil
}

// AppendTick writes one RMS byte to every known track, defaulting to 0 for
// tracks that had no sample this tick, and advances the shared tick index.
// Callers pass a byUID map of the samples produced by this tick; tracks not
// present in the map get a silent (0) sample.
func (s *Set) AppendTick(byUID map[string]byte) error {
	for uid, t := range s.tracks {
		b := byUID[uid]
		if _, err := t.f.Write([]byte{b}); err != nil {
			return fmt.Errorf("waveform: append tick to %s: %w", t.path, err)
		}
		t.samples++
		if b > t.maxByte {
			t.maxByte = b
		}
	}
	s.currentTick++
	return nil
}

// Flush syncs every open track's file to disk.
func (s *Set) Flush() error {
	for _, t := range s.tracks {
		if err := t.f.Sync(); err != nil {
			return fmt.Errorf("waveform: sync %s: %w", t.path, err)
		}
	}
	return nil
}

// FinalizedInfo describes one track after Finalize, for the recording index.
type FinalizedInfo struct {
	UID       string
	Name      string
	SampleRate uint32
	Samples   uint32
	MaxSample byte
	SizeBytes int64
	FileID    string // forward-slash-normalized path relative to recording root
}

// Finalize patches every track's header with its true sample count, renames
// each sidecar from its open base name to finalizedBase, and closes the
// file handles. It returns metadata for the recording index.
func (s *Set) Finalize(finalizedBase, recordingRoot string) ([]FinalizedInfo, error) {
	var infos []FinalizedInfo
	for uid, t := range s.tracks {
		if err := t.writeHeader(t.samples); err != nil {
			return nil, err
		}
		info, err := t.f.Stat()
		if err != nil {
			return nil, fmt.Errorf("waveform: stat %s: %w", t.path, err)
		}
		sizeBytes := info.Size()

		if err := t.f.Close(); err != nil {
			return nil, fmt.Errorf("waveform: close %s: %w", t.path, err)
		}

		finalPath := filepath.Join(s.dir, fmt.Sprintf("%s__%s.wfm", finalizedBase, SafeUID(uid)))
		if err := os.Rename(t.path, finalPath); err != nil {
			return nil, fmt.Errorf("waveform: rename %s -> %s: %w", t.path, finalPath, err)
		}

		fileID, relErr := filepath.Rel(recordingRoot, finalPath)
		if relErr != nil {
			fileID = finalPath
		}
		infos = append(infos, FinalizedInfo{
			UID:        uid,
			Name:       t.Name,
			SampleRate: SampleRate,
			Samples:    t.samples,
			MaxSample:  t.maxByte,
			SizeBytes:  sizeBytes,
			FileID:     filepath.ToSlash(fileID),
		})
	}
	return infos, nil
}

// Discard closes and removes every track file, used when a segment is
// dropped for being shorter than the configured minimum duration.
func (s *Set) Discard() {
	for _, t := range s.tracks {
		t.f.Close()
		os.Remove(t.path)
	}
}

// writeHeader (re)writes the fixed 16-byte TSWF header at offset 0 without
// disturbing any sample bytes already appended after it.
func (t *Track) writeHeader(sampleCount uint32) error {
	var hdr [headerSize]byte
	copy(hdr[0:4], magic)
	hdr[4] = version
	hdr[5] = 0 // flags
	// hdr[6:8] reserved, zero
	binary.LittleEndian.PutUint32(hdr[8:12], SampleRate)
	binary.LittleEndian.PutUint32(hdr[12:16], sampleCount)

	if _, err := t.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("waveform: write header %s: %w", t.path, err)
	}
	return nil
}
