package chanrec

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"chanrec/internal/config"
	"chanrec/internal/index"
	"chanrec/internal/mixer"
	"chanrec/internal/oggmux"
)

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	cfg := config.Config{
		Enabled:     true,
		Path:        t.TempDir(),
		StopDelay:   50 * time.Millisecond,
		MinDuration: 0,
		BitrateKbps: 24,
	}
	r, err := New(cfg, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(r.Dispose)
	return r
}

func silentFrame() []byte {
	return make([]byte, mixer.FrameBytes)
}

func TestRecorderStartsWhenConnectedAndNotAlone(t *testing.T) {
	r := newTestRecorder(t)
	r.BotConnected()
	r.SetMembers([]Member{{UID: "alice", Name: "Alice"}})

	waitForCondition(t, 2*time.Second, r.Active)

	r.FeedPCM("alice", silentFrame())
	waitForCondition(t, 2*time.Second, func() bool {
		id, ok := r.CurrentFileID()
		return ok && id != ""
	})
}

func TestRecorderStopsAfterGraceWhenAlone(t *testing.T) {
	r := newTestRecorder(t)
	r.BotConnected()
	r.SetMembers([]Member{{UID: "alice", Name: "Alice"}})
	waitForCondition(t, 2*time.Second, r.Active)

	r.SetMembers(nil)
	// Active() is already false in PendingStop, before the grace period
	// ends, so also wait for the stop hook to finalize the index row.
	waitForCondition(t, 3*time.Second, func() bool {
		if r.Active() {
			return false
		}
		rows, err := r.Index().List(index.ListFilter{}, nil)
		return err == nil && len(rows) > 0 && !rows[0].IsOpen
	})

	rows, err := r.Index().List(index.ListFilter{}, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) == 0 {
		t.Fatal("expected at least one finalized recording row")
	}
	if rows[0].IsOpen {
		t.Fatal("expected the recording to be finalized (not open)")
	}
}

func TestRecorderDoesNotStartWhenDisabled(t *testing.T) {
	cfg := config.Config{
		Enabled:     false,
		Path:        t.TempDir(),
		StopDelay:   50 * time.Millisecond,
		MinDuration: 0,
		BitrateKbps: 24,
	}
	r, err := New(cfg, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Dispose()

	r.BotConnected()
	r.SetMembers([]Member{{UID: "alice", Name: "Alice"}})
	time.Sleep(100 * time.Millisecond)

	if r.Active() {
		t.Fatal("recorder should not start while disabled")
	}
}

// TestRecoveredOrphanKeepsItsHistoricalStart plants a leftover "__open.opus"
// file from a bygone day before constructing a Recorder, and checks that
// crash recovery indexes it under its real start time rather than the
// wall-clock time of the recovering process.
func TestRecoveredOrphanKeepsItsHistoricalStart(t *testing.T) {
	root := t.TempDir()
	dayDir := filepath.Join(root, "2024-03-10")
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	path := filepath.Join(dayDir, "09-15-30__open.opus")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	mux, err := oggmux.New(f)
	if err != nil {
		t.Fatalf("oggmux.New: %v", err)
	}
	if err := mux.WriteHeaders(2, 0, 48000, "chanrec"); err != nil {
		t.Fatalf("WriteHeaders: %v", err)
	}
	// One 20ms stereo frame (960 samples/channel), TOC config 15 code 0.
	if err := mux.WritePacket([]byte{0x78, 0xAA, 0xBB}); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if err := mux.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	cfg := config.Config{
		Enabled:     true,
		Path:        root,
		StopDelay:   50 * time.Millisecond,
		MinDuration: 0,
		BitrateKbps: 24,
	}
	r, err := New(cfg, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Dispose()

	rows, err := r.Index().List(index.ListFilter{}, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one recovered row, got %d", len(rows))
	}

	want := time.Date(2024, 3, 10, 9, 15, 30, 0, time.UTC)
	if !rows[0].StartUTC.Equal(want) {
		t.Fatalf("StartUTC = %v, want %v (recovered rows must keep their historical start, not the recovery-time wall clock)", rows[0].StartUTC, want)
	}
	if rows[0].EndUTC == nil {
		t.Fatal("expected EndUTC to be set for a recovered, finalized row")
	}
	// The orphan holds 20ms of audio and the index stores whole seconds, so
	// its end lands on the same second as its start.
	if !rows[0].EndUTC.Equal(want) {
		t.Fatalf("EndUTC = %v, want %v (start + 20ms, truncated to the second)", rows[0].EndUTC, want)
	}
}

func TestExcludedUIDDoesNotCountAsPresent(t *testing.T) {
	cfg := config.Config{
		Enabled:     true,
		Path:        t.TempDir(),
		StopDelay:   50 * time.Millisecond,
		MinDuration: 0,
		BitrateKbps: 24,
		ExcludeUIDs: []string{"recorder-bot"},
	}
	r, err := New(cfg, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Dispose()

	r.BotConnected()
	r.SetMembers([]Member{{UID: "recorder-bot", Name: "Recorder"}})
	time.Sleep(150 * time.Millisecond)

	if r.Active() {
		t.Fatal("channel with only the excluded uid present should be treated as alone")
	}
}
