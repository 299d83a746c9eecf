// Package index maintains the durable SQLite-backed catalog of recording
// segments: one row per segment, queryable by bot, time range, open state,
// and participant, plus quota-driven eviction of the oldest audio files.
package index

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup by file id matches no row.
var ErrNotFound = errors.New("index: recording not found")

// ErrOpen is returned when Delete targets the currently open segment.
var ErrOpen = errors.New("index: refusing to delete an open recording")

// schemaVersion is the current collection schema. Raised from 1 to 2 when
// waveform metadata was added to rows (spec §9 open question, resolved in
// favor of the waveform-carrying revision since this module implements C4).
const schemaVersion = 2

// migrations[i] holds the statements of schema version i+1; each version is
// recorded once in schema_migrations after all of its statements ran.
var migrations = [][]string{
	// v1 — base recordings table
	{`CREATE TABLE IF NOT EXISTS recordings (
		id            TEXT PRIMARY KEY,
		bot_id        INTEGER NOT NULL,
		file_id       TEXT NOT NULL,
		file_name     TEXT NOT NULL,
		start_utc     INTEGER NOT NULL,
		end_utc       INTEGER,
		size_bytes    INTEGER NOT NULL DEFAULT 0,
		duration_ms   INTEGER,
		is_open       INTEGER NOT NULL DEFAULT 1,
		participants  TEXT NOT NULL DEFAULT '[]',
		created_utc   INTEGER NOT NULL,
		updated_utc   INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_recordings_file_id ON recordings(file_id)`,
	`CREATE INDEX IF NOT EXISTS idx_recordings_bot_id ON recordings(bot_id)`,
	`CREATE INDEX IF NOT EXISTS idx_recordings_start_utc ON recordings(start_utc)`,
	`CREATE INDEX IF NOT EXISTS idx_recordings_is_open ON recordings(is_open)`},
	// v2 — waveform metadata column
	{`ALTER TABLE recordings ADD COLUMN waveforms TEXT NOT NULL DEFAULT '[]'`},
}

// Participant is a channel member snapshotted onto a segment.
type Participant struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
}

// WaveformInfo describes one finalized waveform sidecar.
type WaveformInfo struct {
	UID        string `json:"uid"`
	Name       string `json:"name"`
	SampleRate int    `json:"sample_rate"`
	Samples    int    `json:"samples"`
	MaxSample  int    `json:"max_sample"`
	SizeBytes  int64  `json:"size_bytes"`
	FileID     string `json:"file_id"`
}

// Recording is one row of the recordings collection.
type Recording struct {
	ID           string
	BotID        int64
	FileID       string
	FileName     string
	StartUTC     time.Time
	EndUTC       *time.Time
	SizeBytes    int64
	DurationMS   *int64
	IsOpen       bool
	Participants []Participant
	Waveforms    []WaveformInfo
	CreatedUTC   time.Time
	UpdatedUTC   time.Time
}

// Index wraps a SQLite database implementing the recording catalog.
type Index struct {
	db   *sql.DB
	root string // recording root, used for quota eviction file scans
}

// Open opens (or creates) the index database at path and applies pending
// migrations, tracked via a schema_migrations table exactly as the
// document store's collection metadata would track a version number.
func Open(path, recordingRoot string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("index: open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		slog.Warn("index: enable WAL failed", "err", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("index: set busy_timeout failed", "err", err)
	}

	idx := &Index{db: db, root: recordingRoot}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: migrate: %w", err)
	}
	return idx, nil
}

// Close releases the underlying database connection.
func (idx *Index) Close() error {
	return idx.db.Close()
}

func (idx *Index) migrate() error {
	if _, err := idx.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := idx.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmts := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		for _, stmt := range stmts {
			if _, err := idx.db.Exec(stmt); err != nil {
				return fmt.Errorf("migration %d: %w", v, err)
			}
		}
		if _, err := idx.db.Exec(`INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Info("index: applied migration", "version", v)
	}
	return nil
}

// Insert creates a new open-segment row and returns its generated id.
func (idx *Index) Insert(r Recording) (string, error) {
	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}
	pj, err := json.Marshal(r.Participants)
	if err != nil {
		return "", fmt.Errorf("index: marshal participants: %w", err)
	}
	now := time.Now().UTC()
	_, err = idx.db.Exec(
		`INSERT INTO recordings(id, bot_id, file_id, file_name, start_utc, size_bytes, is_open, participants, waveforms, created_utc, updated_utc)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?, '[]', ?, ?)`,
		id, r.BotID, r.FileID, r.FileName, r.StartUTC.Unix(), r.SizeBytes, string(pj), now.Unix(), now.Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("index: insert: %w", err)
	}
	return id, nil
}

// UpdateLive refreshes size/duration/participants for an open segment,
// called from the mix tick's 1s flush.
func (idx *Index) UpdateLive(fileID string, sizeBytes int64, durationMS int64, participants []Participant) error {
	pj, err := json.Marshal(participants)
	if err != nil {
		return fmt.Errorf("index: marshal participants: %w", err)
	}
	_, err = idx.db.Exec(
		`UPDATE recordings SET size_bytes=?, duration_ms=?, participants=?, updated_utc=? WHERE file_id=?`,
		sizeBytes, durationMS, string(pj), time.Now().UTC().Unix(), fileID,
	)
	if err != nil {
		return fmt.Errorf("index: update live: %w", err)
	}
	return nil
}

// Finalize marks a segment closed with its final end time, duration, size,
// participants and waveform metadata.
func (idx *Index) Finalize(fileID string, newFileID string, end time.Time, sizeBytes, durationMS int64, participants []Participant, waveforms []WaveformInfo) error {
	pj, err := json.Marshal(participants)
	if err != nil {
		return fmt.Errorf("index: marshal participants: %w", err)
	}
	wj, err := json.Marshal(waveforms)
	if err != nil {
		return fmt.Errorf("index: marshal waveforms: %w", err)
	}
	_, err = idx.db.Exec(
		`UPDATE recordings SET file_id=?, file_name=?, end_utc=?, size_bytes=?, duration_ms=?, is_open=0, participants=?, waveforms=?, updated_utc=?
		 WHERE file_id=?`,
		newFileID, filepath.Base(newFileID), end.Unix(), sizeBytes, durationMS, string(pj), string(wj), time.Now().UTC().Unix(), fileID,
	)
	if err != nil {
		return fmt.Errorf("index: finalize: %w", err)
	}
	return nil
}

// DeleteRow removes the row for fileID without touching any files.
func (idx *Index) DeleteRow(fileID string) error {
	_, err := idx.db.Exec(`DELETE FROM recordings WHERE file_id=?`, fileID)
	if err != nil {
		return fmt.Errorf("index: delete row: %w", err)
	}
	return nil
}

// Delete refuses to remove the currently open segment; otherwise it removes
// the audio file, its waveform sidecars, any now-empty parent directory,
// and the index row.
func (idx *Index) Delete(fileID string) error {
	rec, err := idx.byFileID(fileID)
	if err != nil {
		return err
	}
	if rec.IsOpen {
		return ErrOpen
	}

	full := filepath.Join(idx.root, filepath.FromSlash(rec.FileID))
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("index: remove audio file: %w", err)
	}
	for _, wf := range rec.Waveforms {
		wpath := filepath.Join(idx.root, filepath.FromSlash(wf.FileID))
		if err := os.Remove(wpath); err != nil && !os.IsNotExist(err) {
			slog.Warn("index: remove waveform sidecar failed", "path", wpath, "err", err)
		}
	}
	removeEmptyParents(idx.root, filepath.Dir(full))

	return idx.DeleteRow(fileID)
}

// byFileID fetches one row by its unique file id.
func (idx *Index) byFileID(fileID string) (Recording, error) {
	row := idx.db.QueryRow(
		`SELECT id, bot_id, file_id, file_name, start_utc, end_utc, size_bytes, duration_ms, is_open, participants, waveforms, created_utc, updated_utc
		 FROM recordings WHERE file_id=?`, fileID,
	)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Recording{}, ErrNotFound
	}
	if err != nil {
		return Recording{}, fmt.Errorf("index: lookup %s: %w", fileID, err)
	}
	return rec, nil
}

// ByFileID is the exported lookup used by the HTTP streaming layer.
func (idx *Index) ByFileID(fileID string) (Recording, error) {
	return idx.byFileID(fileID)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecording(row scanner) (Recording, error) {
	var r Recording
	var end, duration sql.NullInt64
	var participantsJSON, waveformsJSON string
	var startUnix, createdUnix, updatedUnix int64
	var isOpen int
	if err := row.Scan(&r.ID, &r.BotID, &r.FileID, &r.FileName, &startUnix, &end, &r.SizeBytes, &duration, &isOpen, &participantsJSON, &waveformsJSON, &createdUnix, &updatedUnix); err != nil {
		return Recording{}, err
	}
	r.StartUTC = time.Unix(startUnix, 0).UTC()
	r.CreatedUTC = time.Unix(createdUnix, 0).UTC()
	r.UpdatedUTC = time.Unix(updatedUnix, 0).UTC()
	r.IsOpen = isOpen != 0
	if end.Valid {
		t := time.Unix(end.Int64, 0).UTC()
		r.EndUTC = &t
	}
	if duration.Valid {
		d := duration.Int64
		r.DurationMS = &d
	}
	if err := json.Unmarshal([]byte(participantsJSON), &r.Participants); err != nil {
		r.Participants = nil
	}
	if waveformsJSON != "" {
		if err := json.Unmarshal([]byte(waveformsJSON), &r.Waveforms); err != nil {
			r.Waveforms = nil
		}
	}
	return r, nil
}

// ListFilter holds the optional list() parameters.
type ListFilter struct {
	From *time.Time
	To   *time.Time // inclusive end-of-day, per spec
	UID  string      // comma/semicolon separated tokens
	Name string      // comma/semicolon separated tokens
}

// List returns matching rows newest-start-first. liveFn, if non-nil, is
// consulted for the currently open segment's file id so its row can be
// replaced with a live-built record (size/duration re-read under the
// recording mutex) rather than the possibly-stale DB row.
func (idx *Index) List(f ListFilter, liveFn func(fileID string) (sizeBytes int64, durationMS int64, participants []Participant, ok bool)) ([]Recording, error) {
	q := `SELECT id, bot_id, file_id, file_name, start_utc, end_utc, size_bytes, duration_ms, is_open, participants, waveforms, created_utc, updated_utc FROM recordings WHERE 1=1`
	var args []any
	if f.From != nil {
		q += ` AND start_utc >= ?`
		args = append(args, f.From.UTC().Unix())
	}
	if f.To != nil {
		endOfDay := time.Date(f.To.Year(), f.To.Month(), f.To.Day(), 23, 59, 59, 0, time.UTC)
		q += ` AND start_utc <= ?`
		args = append(args, endOfDay.Unix())
	}
	q += ` ORDER BY start_utc DESC`

	rows, err := idx.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("index: list query: %w", err)
	}
	defer rows.Close()

	uidTokens := splitTokens(f.UID)
	nameTokens := splitTokens(f.Name)

	var out []Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("index: list scan: %w", err)
		}
		if !matchesParticipants(r.Participants, uidTokens, nameTokens) {
			continue
		}
		if r.IsOpen && liveFn != nil {
			if size, dur, parts, ok := liveFn(r.FileID); ok {
				r.SizeBytes = size
				d := dur
				r.DurationMS = &d
				r.Participants = parts
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListParticipants returns the union of participants across rows matching
// the time range, alphabetized by name then uid, preferring the first
// non-empty display name seen for a given uid.
func (idx *Index) ListParticipants(from, to *time.Time) ([]Participant, error) {
	rows, err := idx.List(ListFilter{From: from, To: to}, nil)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]string) // uid -> name
	var order []string
	for _, r := range rows {
		for _, p := range r.Participants {
			if existing, ok := seen[p.UID]; !ok || existing == "" {
				if !ok {
					order = append(order, p.UID)
				}
				if p.Name != "" || !ok {
					seen[p.UID] = p.Name
				}
			}
		}
	}
	out := make([]Participant, 0, len(order))
	for _, uid := range order {
		out = append(out, Participant{UID: uid, Name: seen[uid]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].UID < out[j].UID
	})
	return out, nil
}

func splitTokens(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	var out []string
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func matchesParticipants(parts []Participant, uidTokens, nameTokens []string) bool {
	if len(uidTokens) == 0 && len(nameTokens) == 0 {
		return true
	}
	nameOK := len(nameTokens) == 0
	uidOK := len(uidTokens) == 0
	for _, p := range parts {
		lname := strings.ToLower(p.Name)
		luid := strings.ToLower(p.UID)
		if !nameOK {
			for _, t := range nameTokens {
				if strings.Contains(lname, t) {
					nameOK = true
					break
				}
			}
		}
		if !uidOK {
			for _, t := range uidTokens {
				if luid == t {
					uidOK = true
					break
				}
			}
		}
		if nameOK && uidOK {
			return true
		}
	}
	return nameOK && uidOK
}

// EvictToQuota enumerates *.opus files under the recording root by
// last-write time ascending, deleting the oldest (and their index rows,
// via Delete) until the total size is at or below maxBytes.
func (idx *Index) EvictToQuota(maxBytes uint64) error {
	if maxBytes == 0 {
		return nil
	}

	type fileInfo struct {
		path    string
		size    int64
		modTime time.Time
	}
	var files []fileInfo
	var total int64

	err := filepath.Walk(idx.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() || filepath.Ext(path) != ".opus" {
			return nil
		}
		files = append(files, fileInfo{path: path, size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
		return nil
	})
	if err != nil {
		return fmt.Errorf("index: quota scan: %w", err)
	}

	if uint64(total) <= maxBytes {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	for _, f := range files {
		if uint64(total) <= maxBytes {
			break
		}
		rel, relErr := filepath.Rel(idx.root, f.path)
		if relErr != nil {
			continue
		}
		fileID := filepath.ToSlash(rel)

		if err := idx.Delete(fileID); err != nil {
			if errors.Is(err, ErrOpen) {
				continue
			}
			slog.Warn("index: quota eviction delete failed", "file_id", fileID, "err", err)
			continue
		}
		slog.Info("index: quota evicted recording", "file_id", fileID, "size", f.size)
		total -= f.size
	}
	return nil
}

// removeEmptyParents removes dir and any now-empty ancestors, stopping at
// root or the first non-empty directory.
func removeEmptyParents(root, dir string) {
	for {
		if dir == root || dir == "." || dir == string(filepath.Separator) {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
