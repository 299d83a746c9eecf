package segment

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFinalNameLaw(t *testing.T) {
	start := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 6, 12, 0, 2, 0, time.UTC)
	got := finalName("12-00-00__open", start, end)
	if got != "12-00-00__12-00-02" {
		t.Fatalf("finalName = %q, want %q", got, "12-00-00__12-00-02")
	}
}

func TestFinalNamePreservesCollisionSuffix(t *testing.T) {
	start := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 6, 12, 0, 2, 0, time.UTC)
	got := finalName("12-00-00__open_1", start, end)
	if got != "12-00-00__12-00-02_1" {
		t.Fatalf("finalName = %q, want %q", got, "12-00-00__12-00-02_1")
	}
}

func TestOpenCreatesDayDirAndFile(t *testing.T) {
	root := t.TempDir()
	start := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	seg, err := Open(root, start, 2, 48000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer seg.f.Close()

	want := filepath.Join(root, "2026-08-06", "12-00-00__open.opus")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected file at %s: %v", want, err)
	}
	if seg.FileID != "2026-08-06/12-00-00__open.opus" {
		t.Fatalf("FileID = %q, want %q", seg.FileID, "2026-08-06/12-00-00__open.opus")
	}
}

func TestOpenResolvesCollision(t *testing.T) {
	root := t.TempDir()
	start := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)

	seg1, err := Open(root, start, 2, 48000)
	if err != nil {
		t.Fatalf("Open 1: %v", err)
	}
	defer seg1.f.Close()

	seg2, err := Open(root, start, 2, 48000)
	if err != nil {
		t.Fatalf("Open 2: %v", err)
	}
	defer seg2.f.Close()

	if seg2.Base != "12-00-00__open_1" {
		t.Fatalf("seg2.Base = %q, want %q", seg2.Base, "12-00-00__open_1")
	}
}

func TestFinalizeDiscardsShortRecording(t *testing.T) {
	root := t.TempDir()
	start := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	seg, err := Open(root, start, 2, 48000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	dur := int64(500) // 0.5s
	res, err := Finalize(seg, start.Add(500*time.Millisecond), 1*time.Second, &dur)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !res.Discarded {
		t.Fatal("expected discard for duration below minimum")
	}
	if _, err := os.Stat(filepath.Join(root, "2026-08-06", "12-00-00__open.opus")); !os.IsNotExist(err) {
		t.Fatalf("expected audio file removed, err = %v", err)
	}
}

func TestFinalizeRenamesLongEnoughRecording(t *testing.T) {
	root := t.TempDir()
	start := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	seg, err := Open(root, start, 2, 48000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	dur := int64(2000)
	end := start.Add(2 * time.Second)
	res, err := Finalize(seg, end, 1*time.Second, &dur)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if res.Discarded {
		t.Fatal("did not expect discard")
	}
	want := "2026-08-06/12-00-00__12-00-02.opus"
	if res.FinalFileID != want {
		t.Fatalf("FinalFileID = %q, want %q", res.FinalFileID, want)
	}
	if _, err := os.Stat(filepath.Join(root, want)); err != nil {
		t.Fatalf("expected finalized file: %v", err)
	}
}

func TestRecoverOrphanReadsGranuleFromLastPage(t *testing.T) {
	root := t.TempDir()
	start := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	seg, err := Open(root, start, 2, 48000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Simulate 40s of audio: write a packet, flush with granule=1920000.
	// A single packet's exact TOC isn't important here; we drive the
	// muxer's granule accounting directly via WritePacket with a
	// synthetic CELT 20ms packet repeated until 1920000 samples.
	const samplesPerPacket = 960 // config 19, code 0 -> 960 samples
	packetsNeeded := 1920000 / samplesPerPacket
	pkt := []byte{19 << 3} // config=19, code=0
	for i := 0; i < packetsNeeded; i++ {
		if err := seg.Muxer.WritePacket(pkt); err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
	}
	if err := seg.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	path := filepath.Join(root, "2026-08-06", "12-00-00__open.opus")
	seg.f.Close()

	res, err := RecoverOrphan(root, path, 1*time.Second)
	if err != nil {
		t.Fatalf("RecoverOrphan: %v", err)
	}
	if res.Discarded {
		t.Fatal("did not expect discard for a 40s recovery")
	}
	if res.DurationMS != 40000 {
		t.Fatalf("DurationMS = %d, want 40000", res.DurationMS)
	}
	want := "2026-08-06/12-00-00__12-00-40.opus"
	if res.FinalFileID != want {
		t.Fatalf("FinalFileID = %q, want %q", res.FinalFileID, want)
	}
}
