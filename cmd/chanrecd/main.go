// Command chanrecd runs the channel recording engine as a standalone
// service: it exposes the recording HTTP surface and, with -testbot, feeds
// a synthetic tone as a fake channel participant, useful for exercising the
// engine without a full voice client attached.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"chanrec"
	"chanrec/internal/config"
	"chanrec/internal/httpstream"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	addr := flag.String("addr", ":8090", "Echo listen address")
	root := flag.String("path", "recordings", "recording root directory")
	enabled := flag.Bool("enabled", true, "start with recording enabled")
	maxTotalSize := flag.String("max-total-size", "0", "quota for the recording root, e.g. 500M (0 disables)")
	stopDelay := flag.Duration("stop-delay", 10*time.Second, "grace period before stopping once the channel is empty")
	minDuration := flag.Duration("min-duration", 2*time.Second, "recordings shorter than this are discarded")
	bitrateKbps := flag.Int("bitrate-kbps", 48, "Opus encoder bitrate in kbit/s")
	excludeUIDs := flag.String("exclude-uids", "", "comma-separated uids ignored when evaluating channel aloneness")
	botID := flag.Int64("bot-id", 1, "bot identifier stamped on every recording row")
	testbot := flag.Bool("testbot", false, "feed a synthetic 440 Hz tone as a fake channel participant")
	debug := flag.Bool("debug", false, "enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting chanrecd", "version", Version, "addr", *addr, "path", *root)

	cfg := config.Config{
		Enabled:      *enabled,
		Path:         *root,
		MaxTotalSize: *maxTotalSize,
		StopDelay:    *stopDelay,
		MinDuration:  *minDuration,
		BitrateKbps:  *bitrateKbps,
		ExcludeUIDs:  splitCSV(*excludeUIDs),
	}

	rec, err := chanrec.New(cfg, *botID)
	if err != nil {
		slog.Error("start recorder", "err", err)
		os.Exit(1)
	}
	defer rec.Dispose()

	httpSrv := httpstream.New(*root, rec.Index(), rec, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	if *testbot {
		slog.Info("starting synthetic test bot")
		go runTestBot(ctx, rec, "testbot-1", "Test Tone")
	}

	slog.Info("listening", "addr", *addr)
	if err := httpSrv.Run(ctx, *addr); err != nil {
		slog.Error("http server error", "err", err)
		os.Exit(1)
	}
	slog.Info("chanrecd stopped")
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
