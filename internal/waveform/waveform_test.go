package waveform

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func readHeader(t *testing.T, path string) (sampleRate, sampleCount uint32) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data[0:4]) != magic {
		t.Fatalf("magic = %q, want %q", data[0:4], magic)
	}
	return binary.LittleEndian.Uint32(data[8:12]), binary.LittleEndian.Uint32(data[12:16])
}

func TestEnsureTrackWritesHeaderAtZero(t *testing.T) {
	dir := t.TempDir()
	s := NewSet(dir, "12-00-00__open")
	if _, err := s.EnsureTrack("uid-1", "Alice"); err != nil {
		t.Fatalf("EnsureTrack: %v", err)
	}
	rate, count := readHeader(t, s.filePath("uid-1"))
	if rate != SampleRate || count != 0 {
		t.Fatalf("header = (%d, %d), want (%d, 0)", rate, count, SampleRate)
	}
}

func TestAppendTickAdvancesAllTracks(t *testing.T) {
	dir := t.TempDir()
	s := NewSet(dir, "12-00-00__open")
	s.EnsureTrack("a", "A")
	s.EnsureTrack("b", "B")

	if err := s.AppendTick(map[string]byte{"a": 200}); err != nil {
		t.Fatalf("AppendTick: %v", err)
	}
	if err := s.AppendTick(map[string]byte{"a": 100, "b": 50}); err != nil {
		t.Fatalf("AppendTick: %v", err)
	}

	if s.tracks["a"].samples != 2 || s.tracks["b"].samples != 2 {
		t.Fatalf("expected both tracks at 2 samples, got a=%d b=%d", s.tracks["a"].samples, s.tracks["b"].samples)
	}
	if s.tracks["b"].maxByte != 50 {
		t.Fatalf("track b maxByte = %d, want 50", s.tracks["b"].maxByte)
	}

	data, err := os.ReadFile(s.tracks["b"].path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	body := data[headerSize:]
	if len(body) != 2 || body[0] != 0 || body[1] != 50 {
		t.Fatalf("track b body = %v, want [0 50] (silent on first tick it wasn't in)", body)
	}
}

func TestEnsureTrackMidSegmentZeroPads(t *testing.T) {
	dir := t.TempDir()
	s := NewSet(dir, "12-00-00__open")
	s.EnsureTrack("a", "A")
	s.AppendTick(map[string]byte{"a": 10})
	s.AppendTick(map[string]byte{"a": 20})
	s.AppendTick(map[string]byte{"a": 30})

	if _, err := s.EnsureTrack("late", "Late"); err != nil {
		t.Fatalf("EnsureTrack: %v", err)
	}
	if s.tracks["late"].samples != 3 {
		t.Fatalf("late track samples = %d, want 3 (zero-padded)", s.tracks["late"].samples)
	}

	data, err := os.ReadFile(s.tracks["late"].path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	body := data[headerSize:]
	if len(body) != 3 || body[0] != 0 || body[1] != 0 || body[2] != 0 {
		t.Fatalf("late track body = %v, want [0 0 0]", body)
	}
}

func TestFinalizePatchesHeaderAndRenames(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "2026-08-06")
	os.MkdirAll(dir, 0o755)

	s := NewSet(dir, "12-00-00__open")
	s.EnsureTrack("uid-1", "Alice")
	s.AppendTick(map[string]byte{"uid-1": 5})
	s.AppendTick(map[string]byte{"uid-1": 9})

	infos, err := s.Finalize("12-00-00__12-00-02", root)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("len(infos) = %d, want 1", len(infos))
	}
	info := infos[0]
	if info.Samples != 2 || info.MaxSample != 9 {
		t.Fatalf("info = %+v, want Samples=2 MaxSample=9", info)
	}

	finalPath := filepath.Join(dir, "12-00-00__12-00-02__"+SafeUID("uid-1")+".wfm")
	if _, err := os.Stat(finalPath); err != nil {
		t.Fatalf("expected finalized file at %s: %v", finalPath, err)
	}
	_, count := readHeader(t, finalPath)
	if count != 2 {
		t.Fatalf("finalized sample count = %d, want 2", count)
	}
}

func TestDiscardRemovesFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewSet(dir, "12-00-00__open")
	s.EnsureTrack("uid-1", "Alice")
	path := s.tracks["uid-1"].path
	s.Discard()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file removed, stat err = %v", err)
	}
}
