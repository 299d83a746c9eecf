package config

import "testing"

func TestMaxTotalSizeBytesParsesHumanSizes(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"500M", 500 * 1000 * 1000, true},
		{"7M", 7 * 1000 * 1000, true},
		{"garbage", 0, false},
	}
	for _, c := range cases {
		cfg := Config{MaxTotalSize: c.in}
		got, ok := cfg.MaxTotalSizeBytes()
		if ok != c.ok {
			t.Fatalf("MaxTotalSizeBytes(%q) ok = %v, want %v", c.in, ok, c.ok)
		}
		if ok && got != c.want {
			t.Fatalf("MaxTotalSizeBytes(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestBitrateBitsClampsToMinimum(t *testing.T) {
	cases := []struct {
		kbps int
		want int
	}{
		{48, 48000},
		{0, 1000},
		{-5, 1000},
	}
	for _, c := range cases {
		cfg := Config{BitrateKbps: c.kbps}
		if got := cfg.BitrateBits(); got != c.want {
			t.Fatalf("BitrateBits(%d) = %d, want %d", c.kbps, got, c.want)
		}
	}
}

func TestExcludedFromAlone(t *testing.T) {
	cfg := Config{ExcludeUIDs: []string{"bot-1", "recorder-bot"}}
	if !cfg.ExcludedFromAlone("bot-1") {
		t.Fatal("expected bot-1 to be excluded")
	}
	if cfg.ExcludedFromAlone("human-1") {
		t.Fatal("expected human-1 to not be excluded")
	}
}

func TestValidateRequiresPathWhenEnabled(t *testing.T) {
	if err := (Config{Enabled: true, Path: ""}).Validate(); err == nil {
		t.Fatal("expected error for enabled config with empty path")
	}
	if err := (Config{Enabled: false, Path: ""}).Validate(); err != nil {
		t.Fatalf("disabled config with empty path should validate, got %v", err)
	}
	if err := (Config{Enabled: true, Path: "recordings"}).Validate(); err != nil {
		t.Fatalf("enabled config with path should validate, got %v", err)
	}
}

func TestSizeStringFormatsHumanReadable(t *testing.T) {
	if got := SizeString(1000); got == "" {
		t.Fatal("expected non-empty formatted size")
	}
}
