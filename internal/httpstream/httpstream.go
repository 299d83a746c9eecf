// Package httpstream serves finalized and in-progress recordings over
// HTTP: byte-range and suffix-range downloads of finalized audio and
// waveform files, and a live "tail-follow" mode for the currently open
// segment.
package httpstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"chanrec/internal/index"
)

// ErrPathEscape is returned by Resolve when id would resolve outside root.
var ErrPathEscape = errors.New("httpstream: path escapes recording root")

// followPollInterval is how often tail-follow retries a zero-byte read.
const followPollInterval = 250 * time.Millisecond

// OpenSegmentLookup reports whether a file id names the currently open
// segment, used to decide whether a GET should switch into tail-follow
// mode instead of a plain byte-range response.
type OpenSegmentLookup interface {
	// IsCurrentOpen reports whether fileID names the segment presently
	// being written to.
	IsCurrentOpen(fileID string) bool
}

// Server is the Echo application exposing the recording HTTP surface.
type Server struct {
	echo   *echo.Echo
	root   string
	idx    *index.Index
	live   OpenSegmentLookup
	status StatusProvider
}

// StatusProvider answers the "recording status"/"enable" endpoints.
type StatusProvider interface {
	Enabled() bool
	SetEnabled(bool)
	Active() bool
	CurrentFileID() (string, bool)
}

// New builds the Echo app and registers every route in §6's HTTP surface.
func New(root string, idx *index.Index, live OpenSegmentLookup, status StatusProvider) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("recording http access", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))

	s := &Server{echo: e, root: root, idx: idx, live: live, status: status}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

func (s *Server) registerRoutes() {
	g := s.echo.Group("/recording")
	g.POST("/enable/:value", s.handleEnable)
	g.GET("/status", s.handleStatus)
	g.GET("/list", s.handleList)
	g.GET("/users", s.handleUsers)
	g.DELETE("/delete/:id", s.handleDelete)
	g.GET("/get/:id", s.handleGetRecording)
	g.GET("/waveform/:id/:uid", s.handleGetWaveform)
}

// Resolve maps an opaque id onto an absolute path under root, rejecting
// path-escape attempts as the canonical form must remain under root.
func (s *Server) Resolve(id string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(id))
	full := filepath.Join(s.root, clean)

	absRoot, err := filepath.Abs(s.root)
	if err != nil {
		return "", fmt.Errorf("httpstream: resolve root: %w", err)
	}
	absFull, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("httpstream: resolve id: %w", err)
	}
	if absFull != absRoot && !strings.HasPrefix(absFull, absRoot+string(filepath.Separator)) {
		return "", ErrPathEscape
	}
	return absFull, nil
}

func (s *Server) handleEnable(c echo.Context) error {
	v, err := strconv.ParseBool(c.Param("value"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "value must be true or false")
	}
	s.status.SetEnabled(v)
	return s.handleStatus(c)
}

type statusResponse struct {
	Enabled bool   `json:"enabled"`
	Active  bool   `json:"active"`
	Current string `json:"current,omitempty"`
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := statusResponse{Enabled: s.status.Enabled(), Active: s.status.Active()}
	if id, ok := s.status.CurrentFileID(); ok {
		resp.Current = id
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleList(c echo.Context) error {
	filter, err := parseListFilter(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rows, err := s.idx.List(filter, nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rows)
}

func (s *Server) handleUsers(c echo.Context) error {
	filter, err := parseListFilter(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	users, err := s.idx.ListParticipants(filter.From, filter.To)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, users)
}

func parseListFilter(c echo.Context) (index.ListFilter, error) {
	var f index.ListFilter
	if v := c.QueryParam("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return f, fmt.Errorf("invalid from date: %w", err)
		}
		f.From = &t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return f, fmt.Errorf("invalid to date: %w", err)
		}
		f.To = &t
	}
	f.UID = c.QueryParam("uid")
	f.Name = c.QueryParam("name")
	return f, nil
}

func (s *Server) handleDelete(c echo.Context) error {
	id := c.Param("id")
	err := s.idx.Delete(id)
	switch {
	case errors.Is(err, index.ErrNotFound):
		return c.JSON(http.StatusNotFound, false)
	case errors.Is(err, index.ErrOpen):
		return echo.NewHTTPError(http.StatusConflict, "cannot delete the currently open recording")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, true)
}

func (s *Server) handleGetRecording(c echo.Context) error {
	id := c.Param("id")
	path, err := s.Resolve(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}

	if s.live != nil && s.live.IsCurrentOpen(id) {
		return serveFollow(c, path, id, s.live)
	}
	return serveRanged(c, path, "audio/ogg")
}

func (s *Server) handleGetWaveform(c echo.Context) error {
	id := strings.TrimSuffix(c.Param("id"), ".opus")
	uid := c.Param("uid")
	full := id + "__" + uid + ".wfm"
	path, err := s.Resolve(full)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	return serveRanged(c, path, "application/octet-stream")
}

func setCommonHeaders(c echo.Context, contentType string) {
	h := c.Response().Header()
	h.Set(echo.HeaderContentType, contentType)
	h.Set("Accept-Ranges", "bytes")
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("X-Accel-Buffering", "no")
}

// rangeSpec is a parsed byte range.
type rangeSpec struct {
	start, end int64 // inclusive
	suffix     bool
	suffixLen  int64
}

// parseRange parses a "bytes=<start>-<end?>" or "bytes=-<N>" header value.
func parseRange(header string) (rangeSpec, bool, error) {
	if header == "" {
		return rangeSpec{}, false, nil
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return rangeSpec{}, true, fmt.Errorf("malformed range")
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return rangeSpec{}, true, fmt.Errorf("multi-range unsupported")
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return rangeSpec{}, true, fmt.Errorf("malformed range")
	}
	if parts[0] == "" {
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n < 0 {
			return rangeSpec{}, true, fmt.Errorf("malformed suffix range")
		}
		return rangeSpec{suffix: true, suffixLen: n}, true, nil
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start < 0 {
		return rangeSpec{}, true, fmt.Errorf("malformed range start")
	}
	if parts[1] == "" {
		return rangeSpec{start: start, end: -1}, true, nil
	}
	end, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || end < start {
		return rangeSpec{}, true, fmt.Errorf("malformed range end")
	}
	return rangeSpec{start: start, end: end}, true, nil
}

// resolveAgainstLength turns a parsed rangeSpec into concrete [start,end]
// bounds for a file of the given length, or reports unsatisfiable.
func (r rangeSpec) resolveAgainstLength(length int64) (start, end int64, ok bool) {
	if r.suffix {
		if r.suffixLen == 0 {
			return 0, 0, false
		}
		start = length - r.suffixLen
		if start < 0 {
			start = 0
		}
		return start, length - 1, true
	}
	start = r.start
	end = r.end
	if end < 0 || end >= length {
		end = length - 1
	}
	if start >= length || start > end {
		return 0, 0, false
	}
	return start, end, true
}

// serveRanged serves path with full byte-range and suffix-range support,
// per §4.7 and §8's boundary cases.
func serveRanged(c echo.Context, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	length := info.Size()

	setCommonHeaders(c, contentType)

	header := c.Request().Header.Get("Range")
	spec, hasRange, err := parseRange(header)
	if hasRange && err != nil {
		c.Response().Header().Set("Content-Range", fmt.Sprintf("bytes */%d", length))
		return c.NoContent(http.StatusRequestedRangeNotSatisfiable)
	}
	if !hasRange {
		c.Response().Header().Set("Content-Length", strconv.FormatInt(length, 10))
		c.Response().WriteHeader(http.StatusOK)
		_, copyErr := io.Copy(c.Response().Writer, f)
		return copyErr
	}

	start, end, ok := spec.resolveAgainstLength(length)
	if !ok {
		c.Response().Header().Set("Content-Range", fmt.Sprintf("bytes */%d", length))
		return c.NoContent(http.StatusRequestedRangeNotSatisfiable)
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	c.Response().Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, length))
	c.Response().Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	c.Response().WriteHeader(http.StatusPartialContent)
	_, copyErr := io.CopyN(c.Response().Writer, f, end-start+1)
	if copyErr == io.EOF {
		copyErr = nil
	}
	return copyErr
}

// serveFollow implements live tail-follow for the currently open segment:
// it emits the two Ogg header pages first, then polls for newly appended
// bytes until the segment stops being the current open one or the client
// disconnects.
func serveFollow(c echo.Context, path, fileID string, live OpenSegmentLookup) error {
	f, err := os.Open(path)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	defer f.Close()

	setCommonHeaders(c, "audio/ogg")
	c.Response().WriteHeader(http.StatusOK)
	w := c.Response()
	flusher, _ := w.Writer.(interface{ Flush() })

	if _, err := emitHeaderPages(w, f); err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if _, err := f.Seek(info.Size(), io.SeekStart); err != nil {
		return err
	}

	ctx := c.Request().Context()
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return nil
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF || n == 0 {
			if !live.IsCurrentOpen(fileID) {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(followPollInterval):
			}
			continue
		}
		if err != nil {
			return nil
		}
	}
}

// emitHeaderPages scans f from the start for the first two "OggS" pages
// (OpusHead, OpusTags), writes them to w, and returns the file offset just
// past them so the caller can resume streaming from live data onward.
func emitHeaderPages(w io.Writer, f *os.File) (int64, error) {
	buf := make([]byte, 64*1024)
	n, err := f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return 0, fmt.Errorf("httpstream: read header region: %w", err)
	}
	buf = buf[:n]

	pagesFound := 0
	offset := 0
	for offset+27 <= len(buf) && pagesFound < 2 {
		if buf[offset] != 'O' || buf[offset+1] != 'g' || buf[offset+2] != 'g' || buf[offset+3] != 'S' {
			return 0, fmt.Errorf("httpstream: expected OggS at offset %d", offset)
		}
		segCount := int(buf[offset+26])
		headerLen := 27 + segCount
		if offset+headerLen > len(buf) {
			return 0, fmt.Errorf("httpstream: truncated header page")
		}
		payloadLen := 0
		for _, b := range buf[offset+27 : offset+headerLen] {
			payloadLen += int(b)
		}
		pageLen := headerLen + payloadLen
		if offset+pageLen > len(buf) {
			return 0, fmt.Errorf("httpstream: truncated header payload")
		}
		offset += pageLen
		pagesFound++
	}

	if _, err := w.Write(buf[:offset]); err != nil {
		return 0, err
	}
	return int64(offset), nil
}
