// Package config holds the recording engine's externally-populated
// configuration. Parsing a config file is out of scope for this module;
// callers (the surrounding bot) fill in a Config however they see fit and
// pass it to the recorder.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Config mirrors the "recording.*" options recognized by the engine.
type Config struct {
	Enabled      bool
	Path         string
	MaxTotalSize string        // e.g. "500M"; empty or "0" disables quota enforcement
	StopDelay    time.Duration
	MinDuration  time.Duration
	BitrateKbps  int
	ExcludeUIDs  []string
}

// MaxTotalSizeBytes parses MaxTotalSize into a byte count using
// humanize.ParseBytes. A blank, "0", or unparseable value disables the
// quota (returns 0, false).
func (c Config) MaxTotalSizeBytes() (uint64, bool) {
	s := strings.TrimSpace(c.MaxTotalSize)
	if s == "" || s == "0" {
		return 0, false
	}
	n, err := humanize.ParseBytes(s)
	if err != nil || n == 0 {
		return 0, false
	}
	return n, true
}

// BitrateBits returns the Opus encoder bitrate in bits per second,
// clamping the configured kbps to at least 1 kbps per §4.5 step 4.
func (c Config) BitrateBits() int {
	kbps := c.BitrateKbps
	if kbps < 1 {
		kbps = 1
	}
	return kbps * 1000
}

// ExcludedFromAlone reports whether uid should be ignored when evaluating
// whether the channel is "alone".
func (c Config) ExcludedFromAlone(uid string) bool {
	for _, x := range c.ExcludeUIDs {
		if x == uid {
			return true
		}
	}
	return false
}

// Validate reports basic sanity errors in the configuration. It never
// fails on out-of-range recording.* values that this module tolerates
// with clamping (e.g. bitrate); it only flags a missing path when enabled.
func (c Config) Validate() error {
	if c.Enabled && strings.TrimSpace(c.Path) == "" {
		return fmt.Errorf("config: recording.path is required when recording.enabled is true")
	}
	return nil
}

// SizeString formats a byte count using humanize.Bytes.
func SizeString(n uint64) string {
	return humanize.Bytes(n)
}
