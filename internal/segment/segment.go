// Package segment implements the on-disk lifecycle of one recording unit:
// opening a fresh Ogg/Opus file under a per-UTC-day directory, rotating it
// hourly, and finalizing it by renaming the "__open" marker to an
// "start__end" name once its true duration is known.
package segment

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"chanrec/internal/index"
	"chanrec/internal/oggmux"
	"chanrec/internal/waveform"
)

// ErrSegmentOpen is returned by callers attempting an operation that
// requires a segment to be finalized first.
var ErrSegmentOpen = errors.New("segment: still open")

const openMarker = "__open"

// Segment owns one open recording's file handle, muxer, and waveform set.
type Segment struct {
	Dir       string // per-UTC-day directory, absolute
	Base      string // "HH-MM-SS__open[_N]"
	StartUTC  time.Time
	FileID    string // forward-slash path relative to recording root, set at open time

	f       *os.File
	w       *bufio.Writer
	Muxer   *oggmux.Muxer
	Waveform *waveform.Set

	root string
}

// audioPath returns the absolute path of the audio file for base within dir.
func audioPath(dir, base string) string {
	return filepath.Join(dir, base+".opus")
}

// Open creates a new segment file under <root>/<UTC-date>/, resolving
// collisions on the open marker with _1, _2, ... suffixes, and returns the
// Segment ready to accept encoded Opus packets.
func Open(root string, start time.Time, channels uint16, sampleRate uint32) (*Segment, error) {
	start = start.UTC()
	dayDir := filepath.Join(root, start.Format("2006-01-02"))
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return nil, fmt.Errorf("segment: create day dir: %w", err)
	}

	timeBase := start.Format("15-04-05")
	base := timeBase + openMarker
	var f *os.File
	var err error
	for n := 0; ; n++ {
		candidate := base
		if n > 0 {
			candidate = fmt.Sprintf("%s_%d", base, n)
		}
		path := audioPath(dayDir, candidate)
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			base = candidate
			break
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("segment: create audio file: %w", err)
		}
		if n > 1000 {
			return nil, fmt.Errorf("segment: exhausted collision suffixes for %s", base)
		}
	}

	w := bufio.NewWriter(f)
	m, err := oggmux.New(w)
	if err != nil {
		f.Close()
		os.Remove(audioPath(dayDir, base))
		return nil, fmt.Errorf("segment: new muxer: %w", err)
	}
	if err := m.WriteHeaders(channels, 0, sampleRate, "chanrec"); err != nil {
		f.Close()
		os.Remove(audioPath(dayDir, base))
		return nil, fmt.Errorf("segment: write ogg headers: %w", err)
	}

	rel, relErr := filepath.Rel(root, audioPath(dayDir, base))
	if relErr != nil {
		rel = audioPath(dayDir, base)
	}

	seg := &Segment{
		Dir:      dayDir,
		Base:     base,
		StartUTC: start,
		FileID:   filepath.ToSlash(rel),
		f:        f,
		w:        w,
		Muxer:    m,
		Waveform: waveform.NewSet(dayDir, base),
		root:     root,
	}
	return seg, nil
}

// Flush flushes the muxer, the buffered writer, and every waveform track.
func (s *Segment) Flush() error {
	if err := s.Muxer.Flush(); err != nil {
		return fmt.Errorf("segment: flush muxer: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("segment: flush writer: %w", err)
	}
	if err := s.Waveform.Flush(); err != nil {
		return fmt.Errorf("segment: flush waveform: %w", err)
	}
	return nil
}

// WriteOpusPacket feeds one encoded Opus packet to the segment's muxer.
// Satisfies the mixer package's Segment interface.
func (s *Segment) WriteOpusPacket(pkt []byte) error {
	return s.Muxer.WritePacket(pkt)
}

// EnsureWaveformTrack creates uid's waveform track (zero-padded to the
// current tick) if it does not already exist.
func (s *Segment) EnsureWaveformTrack(uid, name string) error {
	_, err := s.Waveform.EnsureTrack(uid, name)
	return err
}

// AppendWaveformTick appends one RMS byte per known track.
func (s *Segment) AppendWaveformTick(byUID map[string]byte) error {
	return s.Waveform.AppendTick(byUID)
}

// FlushDue flushes the muxer, writer, and waveform tracks. Called from the
// mix tick's 1s throttle.
func (s *Segment) FlushDue() error {
	return s.Flush()
}

// Size returns the current on-disk size of the audio file.
func (s *Segment) Size() (int64, error) {
	info, err := s.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("segment: stat: %w", err)
	}
	return info.Size(), nil
}

// closeFiles closes the muxer (writing its EOS page) and the underlying
// audio file handle, in that order.
func (s *Segment) closeFiles() error {
	if err := s.Muxer.Close(); err != nil {
		return fmt.Errorf("segment: close muxer: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("segment: flush writer: %w", err)
	}
	return s.f.Close()
}

// FinalizeResult reports the outcome of Finalize.
type FinalizeResult struct {
	Discarded   bool
	FinalFileID string
	SizeBytes   int64
	DurationMS  int64
	Waveforms   []waveform.FinalizedInfo
	Start       time.Time
	End         time.Time
}

// Finalize implements §4.5's Finalize pipeline: it closes the muxer/file,
// recovers a duration if unknown, discards short recordings, otherwise
// renames the audio file and every waveform sidecar from their open names
// to a start__end name and patches the waveform headers.
func Finalize(s *Segment, end time.Time, minDuration time.Duration, durationMS *int64) (FinalizeResult, error) {
	if err := s.closeFiles(); err != nil {
		return FinalizeResult{}, err
	}

	dur := int64(0)
	switch {
	case durationMS != nil:
		dur = *durationMS
	default:
		dur = s.Muxer.DurationMS()
	}
	if dur < 0 {
		dur = 0
	}

	if time.Duration(dur)*time.Millisecond < minDuration {
		s.Waveform.Discard()
		os.Remove(audioPath(s.Dir, s.Base))
		slog.Info("segment discarded (too short)", "base", s.Base, "duration_ms", dur)
		return FinalizeResult{Discarded: true, Start: s.StartUTC, End: end}, nil
	}

	finalBase := finalName(s.Base, s.StartUTC, end)
	finalBase, err := resolveCollision(s.Dir, finalBase)
	if err != nil {
		return FinalizeResult{}, err
	}

	oldPath := audioPath(s.Dir, s.Base)
	newPath := audioPath(s.Dir, finalBase)
	if err := os.Rename(oldPath, newPath); err != nil {
		return FinalizeResult{}, fmt.Errorf("segment: rename audio file: %w", err)
	}

	infos, err := s.Waveform.Finalize(finalBase, s.root)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("segment: finalize waveforms: %w", err)
	}

	info, err := os.Stat(newPath)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("segment: stat finalized file: %w", err)
	}

	rel, relErr := filepath.Rel(s.root, newPath)
	if relErr != nil {
		rel = newPath
	}

	return FinalizeResult{
		FinalFileID: filepath.ToSlash(rel),
		SizeBytes:   info.Size(),
		DurationMS:  dur,
		Waveforms:   infos,
		Start:       s.StartUTC,
		End:         end,
	}, nil
}

// finalName computes "HH-MM-SS__EE-EE-EE[_N]" from an open base name
// "HH-MM-SS__open[_N]" and an end instant, preserving any collision suffix.
func finalName(openBase string, start, end time.Time) string {
	suffix := ""
	if idx := strings.LastIndex(openBase, openMarker); idx >= 0 {
		rest := openBase[idx+len(openMarker):]
		suffix = rest // e.g. "_1"
	}
	return start.UTC().Format("15-04-05") + "__" + end.UTC().Format("15-04-05") + suffix
}

// resolveCollision appends _1, _2, ... to base if a file of that name
// already exists in dir.
func resolveCollision(dir, base string) (string, error) {
	for n := 0; ; n++ {
		candidate := base
		if n > 0 {
			candidate = fmt.Sprintf("%s_%d", base, n)
		}
		if _, err := os.Stat(audioPath(dir, candidate)); os.IsNotExist(err) {
			return candidate, nil
		}
		if n > 1000 {
			return "", fmt.Errorf("segment: exhausted collision suffixes for %s", base)
		}
	}
}

// RecoverOrphan implements crash recovery for one leftover "*__open.opus"
// file found at startup: it derives the segment's duration from the last
// Ogg page's granule field and runs it through Finalize.
func RecoverOrphan(root, path string, minDuration time.Duration) (FinalizeResult, error) {
	granule, err := lastPageGranule(path)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("segment: recover %s: %w", path, err)
	}

	dayDir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), ".opus")

	start, err := startFromNames(filepath.Base(dayDir), base)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("segment: recover %s: parse start: %w", path, err)
	}

	durationMS := int64(float64(granule) * 1000 / 48000)
	end := start.Add(time.Duration(durationMS) * time.Millisecond)

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("segment: reopen orphan: %w", err)
	}

	rel, relErr := filepath.Rel(root, path)
	if relErr != nil {
		rel = path
	}
	seg := &Segment{
		Dir:      dayDir,
		Base:     base,
		StartUTC: start,
		FileID:   filepath.ToSlash(rel),
		f:        f,
		w:        bufio.NewWriter(io.Discard), // never written to again; closeFiles will flush a no-op writer
		Muxer:    recoveredMuxer(granule),
		Waveform: waveform.NewSet(dayDir, base),
		root:     root,
	}

	slog.Info("recovering orphaned segment", "path", path, "duration_ms", durationMS)
	return Finalize(seg, end, minDuration, &durationMS)
}

// recoveredMuxer returns a Muxer already marked closed so Finalize's
// closeFiles call (which calls Muxer.Close) is a safe no-op — the orphan's
// Ogg stream on disk is already complete up to its last page.
func recoveredMuxer(granule uint64) *oggmux.Muxer {
	m, _ := oggmux.New(io.Discard)
	_ = m.Close() // marks closed; further Close calls are no-ops
	return m
}

// lastPageGranule scans the final bytes of an Ogg file for the last "OggS"
// page and returns its granule position (u64 LE at header offset +6).
func lastPageGranule(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat: %w", err)
	}

	const scanWindow = 8192
	size := info.Size()
	start := int64(0)
	if size > scanWindow {
		start = size - scanWindow
	}
	buf := make([]byte, size-start)
	if _, err := f.ReadAt(buf, start); err != nil && err != io.EOF {
		return 0, fmt.Errorf("read tail: %w", err)
	}

	lastIdx := -1
	for i := 0; i+27 <= len(buf); i++ {
		if buf[i] == 'O' && buf[i+1] == 'g' && buf[i+2] == 'g' && buf[i+3] == 'S' {
			lastIdx = i
		}
	}
	if lastIdx < 0 {
		return 0, fmt.Errorf("no OggS page found in tail")
	}
	return binary.LittleEndian.Uint64(buf[lastIdx+6 : lastIdx+14]), nil
}

// startFromNames parses "YYYY-MM-DD" and "HH-MM-SS__open[_N]" into a start
// instant, used when an index-derived start time is unavailable.
func startFromNames(dayDir, base string) (time.Time, error) {
	day, err := time.Parse("2006-01-02", dayDir)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse day dir: %w", err)
	}
	idx := strings.Index(base, openMarker)
	if idx < 0 {
		return time.Time{}, fmt.Errorf("base %q missing %q marker", base, openMarker)
	}
	hms := base[:idx]
	parts := strings.Split(hms, "-")
	if len(parts) != 3 {
		return time.Time{}, fmt.Errorf("malformed time prefix %q", hms)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	sec, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, fmt.Errorf("malformed time prefix %q", hms)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, sec, 0, time.UTC), nil
}

// ScanOrphans finds every "*__open.opus" file under root, for use at
// startup before any new segment is opened.
func ScanOrphans(root string) ([]string, error) {
	var found []string
	err := filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if fi.IsDir() {
			return nil
		}
		if strings.Contains(filepath.Base(path), openMarker) && strings.HasSuffix(path, ".opus") {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("segment: scan orphans: %w", err)
	}
	return found, nil
}

// IndexRecoveryEntry builds the open-row index.Recording that Index.Insert
// takes for a recovered orphan, from botID, openFileID and start; res is
// not read.
func IndexRecoveryEntry(res FinalizeResult, botID int64, openFileID string, start time.Time) index.Recording {
	return index.Recording{
		BotID:    botID,
		FileID:   openFileID,
		FileName: filepath.Base(openFileID),
		StartUTC: start,
	}
}
