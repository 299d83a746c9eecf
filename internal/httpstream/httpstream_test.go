package httpstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chanrec/internal/index"
	"chanrec/internal/oggmux"
)

type fakeStatus struct{}

func (fakeStatus) Enabled() bool                    { return true }
func (fakeStatus) SetEnabled(bool)                  {}
func (fakeStatus) Active() bool                     { return false }
func (fakeStatus) CurrentFileID() (string, bool)    { return "", false }

type fakeLive struct{ openID string }

func (f fakeLive) IsCurrentOpen(id string) bool { return id == f.openID }

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	dbPath := filepath.Join(root, "index.db")
	idx, err := index.Open(dbPath, root)
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return New(root, idx, fakeLive{}, fakeStatus{}), root
}

func TestRangeSuffixLast10Of100(t *testing.T) {
	s, root := newTestServer(t)
	path := filepath.Join(root, "file.opus")
	if err := os.WriteFile(path, make([]byte, 100), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/recording/get/file.opus", nil)
	req.Header.Set("Range", "bytes=-10")
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	if err := serveRanged(c, path, "audio/ogg"); err != nil {
		t.Fatalf("serveRanged: %v", err)
	}
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 90-99/100" {
		t.Fatalf("Content-Range = %q, want %q", got, "bytes 90-99/100")
	}
	if rec.Body.Len() != 10 {
		t.Fatalf("body len = %d, want 10", rec.Body.Len())
	}
}

func TestRangeOpenEndedZeroDash(t *testing.T) {
	s, root := newTestServer(t)
	path := filepath.Join(root, "file.opus")
	os.WriteFile(path, make([]byte, 100), 0o644)

	req := httptest.NewRequest(http.MethodGet, "/recording/get/file.opus", nil)
	req.Header.Set("Range", "bytes=0-")
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	if err := serveRanged(c, path, "audio/ogg"); err != nil {
		t.Fatalf("serveRanged: %v", err)
	}
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 0-99/100" {
		t.Fatalf("Content-Range = %q, want %q", got, "bytes 0-99/100")
	}
}

func TestRangeUnsatisfiableBeyondLength(t *testing.T) {
	s, root := newTestServer(t)
	path := filepath.Join(root, "file.opus")
	os.WriteFile(path, make([]byte, 100), 0o644)

	req := httptest.NewRequest(http.MethodGet, "/recording/get/file.opus", nil)
	req.Header.Set("Range", "bytes=200-")
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	if err := serveRanged(c, path, "audio/ogg"); err != nil {
		t.Fatalf("serveRanged: %v", err)
	}
	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes */100" {
		t.Fatalf("Content-Range = %q, want %q", got, "bytes */100")
	}
}

func TestNoRangeReturnsFullBody(t *testing.T) {
	s, root := newTestServer(t)
	path := filepath.Join(root, "file.opus")
	os.WriteFile(path, make([]byte, 100), 0o644)

	req := httptest.NewRequest(http.MethodGet, "/recording/get/file.opus", nil)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	if err := serveRanged(c, path, "audio/ogg"); err != nil {
		t.Fatalf("serveRanged: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() != 100 {
		t.Fatalf("body len = %d, want 100", rec.Body.Len())
	}
}

func TestResolveRejectsPathEscape(t *testing.T) {
	s, _ := newTestServer(t)
	if _, err := s.Resolve("../../etc/passwd"); err != ErrPathEscape {
		t.Fatalf("Resolve escape attempt = %v, want ErrPathEscape", err)
	}
}

// TestFollowSeeksToCurrentLengthNotHeaderEnd builds a segment file with its
// two Ogg header pages plus an already-recorded data page, then follows it.
// A client joining in progress must receive the headers but none of the
// backlog data page: serveFollow seeks to the file's current length, not to
// the byte offset right after the headers.
func TestFollowSeeksToCurrentLengthNotHeaderEnd(t *testing.T) {
	s, root := newTestServer(t)
	path := filepath.Join(root, "file.opus")

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
	backlogPacket := []byte{0x78, 0xAA, 0xBB, 0xCC, 0xDD}
	if err := mux.WritePacket(backlogPacket); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if err := mux.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fullContents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/recording/follow/file.opus", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	if err := serveFollow(c, path, "file.opus", fakeLive{openID: "file.opus"}); err != nil {
		t.Fatalf("serveFollow: %v", err)
	}

	body := rec.Body.Bytes()
	if len(body) >= len(fullContents) {
		t.Fatalf("follow response included the backlog data page: got %d bytes, full file is %d bytes", len(body), len(fullContents))
	}
	for i, b := range body {
		if b != fullContents[i] {
			t.Fatalf("body[%d] = %x, want %x (should match header pages verbatim)", i, b, fullContents[i])
		}
	}
}

func TestResolveAcceptsNestedPath(t *testing.T) {
	s, root := newTestServer(t)
	os.MkdirAll(filepath.Join(root, "2026-08-06"), 0o755)
	os.WriteFile(filepath.Join(root, "2026-08-06", "f.opus"), []byte("x"), 0o644)

	path, err := s.Resolve("2026-08-06/f.opus")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if filepath.Base(path) != "f.opus" {
		t.Fatalf("Resolve path = %q", path)
	}
}
