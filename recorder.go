// Package chanrec is a per-bot channel recording engine: it mixes decoded
// PCM from every current voice-channel participant into a synchronized
// Ogg/Opus stream, tracks per-participant loudness sidecars, indexes
// finished and in-progress recordings, and serves them over HTTP.
package chanrec

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"chanrec/internal/config"
	"chanrec/internal/control"
	"chanrec/internal/index"
	"chanrec/internal/jitter"
	"chanrec/internal/mixer"
	"chanrec/internal/opuscodec"
	"chanrec/internal/segment"
	"chanrec/internal/waveform"
)

// Member describes one current voice-channel participant, as reported by
// the surrounding bot on every membership change.
type Member struct {
	UID  string
	Name string
}

// Recorder owns the entire pipeline for one bot's channel: the recording
// mutex, the current segment (if any), the mix ticker, the control state
// machine, and the recording index.
type Recorder struct {
	cfg   config.Config
	botID int64

	idx *index.Index
	mx  *mixer.Mixer
	ctl *control.Machine

	mu       sync.Mutex // guards cur, members, senders — the single "recording mutex" of §5
	cur      *segment.Segment
	curStart time.Time
	members  map[string]Member

	senders map[string]*jitter.Buffer

	ticker *time.Ticker
	done   chan struct{}
}

// New wires together C1-C8 into a running Recorder rooted at cfg.Path,
// with recording metadata kept in <cfg.Path>/index.db.
func New(cfg config.Config, botID int64) (*Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Recorder{
		cfg:     cfg,
		botID:   botID,
		members: make(map[string]Member),
		senders: make(map[string]*jitter.Buffer),
		done:    make(chan struct{}),
	}

	// The index is opened whenever a root path is configured, not only when
	// recording starts enabled, so a later SetEnabled(true) never finds a
	// nil index.
	if strings.TrimSpace(cfg.Path) != "" {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("chanrec: create recording root: %w", err)
		}
		idx, err := index.Open(filepath.Join(cfg.Path, "index.db"), cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("chanrec: open index: %w", err)
		}
		r.idx = idx
		r.recoverOrphans()
	}

	enc, err := opuscodec.NewEncoder(cfg.BitrateBits())
	if err != nil {
		return nil, fmt.Errorf("chanrec: new encoder: %w", err)
	}
	r.mx = mixer.New(enc)
	r.mx.OnRotateNeeded = r.rotate
	r.mx.AloneEval = r.evaluateAlone
	r.mx.OnAloneCheck = func(alone bool) {
		r.ctl.CheckAloneRateLimited(alone)
	}

	r.ctl = control.New(control.Hooks{
		Start: r.startSegment,
		Stop:  r.stopSegment,
	}, cfg.ExcludeUIDs, cfg.StopDelay)
	r.ctl.EnabledChanged(cfg.Enabled)

	r.ticker = time.NewTicker(mixer.TickInterval)
	go r.tickLoop()

	return r, nil
}

// recoverOrphans implements §4.5's crash recovery: it scans for leftover
// "*__open.opus" files before any new segment starts and finalizes each
// via the granule recovered from its last Ogg page.
func (r *Recorder) recoverOrphans() {
	orphans, err := segment.ScanOrphans(r.cfg.Path)
	if err != nil {
		slog.Warn("chanrec: orphan scan failed", "err", err)
		return
	}
	for _, path := range orphans {
		res, err := segment.RecoverOrphan(r.cfg.Path, path, r.cfg.MinDuration)
		if err != nil {
			slog.Warn("chanrec: orphan recovery failed, leaving file for manual inspection", "path", path, "err", err)
			continue
		}
		rel, relErr := filepath.Rel(r.cfg.Path, path)
		if relErr != nil {
			rel = path
		}
		openFileID := filepath.ToSlash(rel)

		if res.Discarded {
			continue
		}
		id, err := r.idx.Insert(index.Recording{
			BotID:    r.botID,
			FileID:   openFileID,
			FileName: filepath.Base(openFileID),
			StartUTC: res.Start,
		})
		if err != nil {
			slog.Warn("chanrec: index insert for recovered orphan failed", "path", path, "err", err)
			continue
		}
		if err := r.idx.Finalize(openFileID, res.FinalFileID, res.End, res.SizeBytes, res.DurationMS, nil, toWaveformInfoList(res.Waveforms)); err != nil {
			slog.Warn("chanrec: index finalize for recovered orphan failed", "id", id, "err", err)
		}
	}
}

// tickLoop drives the mixer every 20ms until Dispose is called.
func (r *Recorder) tickLoop() {
	for {
		select {
		case <-r.ticker.C:
			r.mx.Tick()
		case <-r.done:
			return
		}
	}
}

// FeedPCM accepts decoded PCM bytes from sender uid, subject to the
// membership filter: PCM from a sender not currently in the tracked
// channel is silently dropped at ingress, per §4.2.
func (r *Recorder) FeedPCM(uid string, pcm []byte) {
	r.mu.Lock()
	_, inChannel := r.members[uid]
	buf, ok := r.senders[uid]
	if !ok {
		buf = jitter.New()
		r.senders[uid] = buf
		r.mx.AddSender(uid, &mixer.Sender{
			Buf:       buf,
			InChannel: func() bool { r.mu.Lock(); _, in := r.members[uid]; r.mu.Unlock(); return in },
			Identity: func() (mixer.Identity, bool) {
				r.mu.Lock()
				m, ok := r.members[uid]
				r.mu.Unlock()
				return mixer.Identity{UID: m.UID, Name: m.Name}, ok
			},
		})
	}
	r.mu.Unlock()

	if !inChannel {
		return
	}
	buf.Write(pcm)
}

// SetMembers replaces the tracked channel membership snapshot and notifies
// the control state machine so aloneness can be re-evaluated, per §4.8's
// resolved open question (always re-evaluate, even while idle).
func (r *Recorder) SetMembers(members []Member) {
	r.mu.Lock()
	next := make(map[string]Member, len(members))
	for _, m := range members {
		next[m.UID] = m
	}
	r.members = next
	r.mu.Unlock()

	r.ctl.ParticipantsChanged(r.evaluateAlone())

	r.mu.Lock()
	hasSegment := r.cur != nil
	r.mu.Unlock()
	if hasSegment {
		r.persistLiveParticipants()
	}
}

// evaluateAlone reports whether the channel is empty of qualifying
// members, excluding configured-excluded uids.
func (r *Recorder) evaluateAlone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uid := range r.members {
		if !r.ctl.IsExcluded(uid) {
			return false
		}
	}
	return true
}

// BotConnected/BotDisconnected forward transport-layer signals into the
// control state machine.
func (r *Recorder) BotConnected()    { r.ctl.BotConnected() }
func (r *Recorder) BotDisconnected() { r.ctl.BotDisconnected() }

// SetEnabled implements the "recording enable" HTTP endpoint.
func (r *Recorder) SetEnabled(enabled bool) {
	r.cfg.Enabled = enabled
	r.ctl.EnabledChanged(enabled)
}

// Enabled, Active, CurrentFileID satisfy httpstream.StatusProvider.
func (r *Recorder) Enabled() bool { return r.cfg.Enabled }
func (r *Recorder) Active() bool  { return r.ctl.State() == control.Active }
func (r *Recorder) CurrentFileID() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return "", false
	}
	return r.cur.FileID, true
}

// IsCurrentOpen satisfies httpstream.OpenSegmentLookup.
func (r *Recorder) IsCurrentOpen(fileID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur != nil && r.cur.FileID == fileID
}

// startSegment implements §4.5 Start: create file+muxer, snapshot
// participants, insert the index row, install the segment into the
// mixer. Any failure leaves the recorder Idle with no partial state.
func (r *Recorder) startSegment() {
	if r.idx == nil {
		slog.Error("chanrec: cannot start recording, no recording.path configured")
		return
	}
	r.mu.Lock()
	if r.cur != nil {
		r.mu.Unlock()
		return
	}
	participants := r.snapshotParticipantsLocked()
	r.mu.Unlock()

	seg, err := segment.Open(r.cfg.Path, time.Now().UTC(), uint16(mixer.Channels), opuscodec.SampleRate)
	if err != nil {
		slog.Error("chanrec: start segment failed", "err", err)
		return
	}

	id, err := r.idx.Insert(index.Recording{
		BotID:    r.botID,
		FileID:   seg.FileID,
		FileName: filepath.Base(seg.FileID),
		StartUTC: seg.StartUTC,
		Participants: toIndexParticipants(participants),
	})
	if err != nil {
		slog.Error("chanrec: index insert failed, aborting segment start", "err", err)
		os.Remove(filepath.Join(r.cfg.Path, filepath.FromSlash(seg.FileID)))
		return
	}
	_ = id

	r.mu.Lock()
	r.cur = seg
	r.curStart = seg.StartUTC
	r.mu.Unlock()

	r.mx.SetSegment(seg, seg.StartUTC)
	slog.Info("chanrec: segment started", "file_id", seg.FileID)
}

// stopSegment implements §4.5 Stop: detach the segment from the mixer,
// clear buffers, then finalize outside the recording mutex.
func (r *Recorder) stopSegment(reason string) {
	r.mu.Lock()
	seg := r.cur
	r.cur = nil
	r.senders = make(map[string]*jitter.Buffer)
	r.mu.Unlock()

	if seg == nil {
		return
	}
	r.mx.SetSegment(nil, time.Time{})
	r.finalizeSegment(seg, reason)
}

func (r *Recorder) finalizeSegment(seg *segment.Segment, reason string) {
	res, err := segment.Finalize(seg, time.Now().UTC(), r.cfg.MinDuration, nil)
	if err != nil {
		slog.Error("chanrec: finalize failed", "file_id", seg.FileID, "err", err)
		return
	}
	if res.Discarded {
		if err := r.idx.DeleteRow(seg.FileID); err != nil {
			slog.Warn("chanrec: delete row for discarded segment failed", "err", err)
		}
		return
	}

	if err := r.idx.Finalize(seg.FileID, res.FinalFileID, time.Now().UTC(), res.SizeBytes, res.DurationMS, nil, toWaveformInfoList(res.Waveforms)); err != nil {
		slog.Error("chanrec: index finalize failed", "err", err)
	}
	slog.Info("chanrec: segment finalized", "file_id", res.FinalFileID, "reason", reason, "duration_ms", res.DurationMS)

	if maxBytes, ok := r.cfg.MaxTotalSizeBytes(); ok {
		if err := r.idx.EvictToQuota(maxBytes); err != nil {
			slog.Warn("chanrec: quota eviction failed", "err", err)
		}
	}
}

// rotate implements §4.5 Rotate: prepare a new segment outside the mutex,
// swap it in briefly under the mutex, then finalize the old one outside.
func (r *Recorder) rotate() {
	r.mu.Lock()
	old := r.cur
	participants := r.snapshotParticipantsLocked()
	r.mu.Unlock()
	if old == nil {
		return
	}

	next, err := segment.Open(r.cfg.Path, time.Now().UTC(), uint16(mixer.Channels), opuscodec.SampleRate)
	if err != nil {
		slog.Error("chanrec: rotation failed, keeping current segment open", "err", err)
		return
	}
	if _, err := r.idx.Insert(index.Recording{
		BotID:        r.botID,
		FileID:       next.FileID,
		FileName:     filepath.Base(next.FileID),
		StartUTC:     next.StartUTC,
		Participants: toIndexParticipants(participants),
	}); err != nil {
		slog.Error("chanrec: rotation index insert failed, keeping current segment open", "err", err)
		os.Remove(filepath.Join(r.cfg.Path, filepath.FromSlash(next.FileID)))
		return
	}

	r.mu.Lock()
	r.cur = next
	r.curStart = next.StartUTC
	r.mu.Unlock()
	r.mx.SetSegment(next, next.StartUTC)

	r.finalizeSegment(old, "rotation")
}

// persistLiveParticipants updates the index row for the open segment with
// the freshest participant snapshot, called on every membership change.
func (r *Recorder) persistLiveParticipants() {
	r.mu.Lock()
	seg := r.cur
	participants := r.snapshotParticipantsLocked()
	r.mu.Unlock()
	if seg == nil {
		return
	}
	size, _ := seg.Size()
	if err := r.idx.UpdateLive(seg.FileID, size, seg.Muxer.DurationMS(), toIndexParticipants(participants)); err != nil {
		slog.Warn("chanrec: persist live participants failed", "err", err)
	}
}

func (r *Recorder) snapshotParticipantsLocked() []Member {
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}

func toIndexParticipants(members []Member) []index.Participant {
	out := make([]index.Participant, 0, len(members))
	for _, m := range members {
		out = append(out, index.Participant{UID: m.UID, Name: m.Name})
	}
	return out
}

func toWaveformInfoList(infos []waveform.FinalizedInfo) []index.WaveformInfo {
	out := make([]index.WaveformInfo, 0, len(infos))
	for _, w := range infos {
		out = append(out, index.WaveformInfo{
			UID: w.UID, Name: w.Name, SampleRate: int(w.SampleRate),
			Samples: int(w.Samples), MaxSample: int(w.MaxSample),
			SizeBytes: w.SizeBytes, FileID: w.FileID,
		})
	}
	return out
}

// Index exposes the underlying recording index for HTTP wiring.
func (r *Recorder) Index() *index.Index { return r.idx }

// Dispose stops the mix timer, disposes the current segment (flushing its
// final EOS page), and closes the index. Idempotent.
func (r *Recorder) Dispose() {
	select {
	case <-r.done:
		return
	default:
		close(r.done)
	}
	r.ticker.Stop()
	r.ctl.Dispose()
	r.stopSegment("dispose")
	if r.idx != nil {
		r.idx.Close()
	}
}
