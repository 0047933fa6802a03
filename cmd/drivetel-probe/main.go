package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/drivetel/internal/logging"
	"github.com/agentworkforce/drivetel/internal/probe"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, logLevel, err := parseOptions(args, stderr)
	if err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintf(stderr, "drivetel-probe: %v\n", err)
		return 2
	}
	logger, _, err := logging.New(stderr, logging.FormatText, logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "drivetel-probe: %v\n", err)
		return 2
	}
	opts.Logger = logger

	report, err := probe.Run(ctx, opts)
	fmt.Fprintln(stdout, report.Summary())
	if err != nil {
		fmt.Fprintf(stderr, "drivetel-probe: %v\n", err)
		return 1
	}
	return 0
}

func parseOptions(args []string, output io.Writer) (probe.Options, string, error) {
	fs := pflag.NewFlagSet("drivetel-probe", pflag.ContinueOnError)
	fs.SetOutput(output)
	url := fs.String("url", envOrDefault("DRIVETEL_PROBE_URL", probe.DefaultURL), "ingest WebSocket URL")
	count := fs.IntP("count", "n", intEnv("DRIVETEL_PROBE_COUNT", probe.DefaultCount), "measurements to send")
	interval := fs.Duration("interval", durationEnv("DRIVETEL_PROBE_INTERVAL", probe.DefaultInterval), "pause between measurements")
	jitter := fs.Float64("interval-jitter", floatEnv("DRIVETEL_PROBE_INTERVAL_JITTER", 0), "interval jitter ratio (0.0-1.0)")
	sessionID := fs.String("session", strings.TrimSpace(os.Getenv("DRIVETEL_PROBE_SESSION")), "session id (random when empty)")
	maxRTT := fs.Int("max-rtt-updates", probe.DefaultMaxRTTUpdates, "rtt results attached to each measurement")
	ackTimeout := fs.Duration("ack-timeout", probe.DefaultAckTimeout, "wait for each ack before reconnecting")
	maxReconnects := fs.Int("max-reconnects", probe.DefaultMaxReconnects, "dial attempts per reconnect")
	logLevel := fs.String("log-level", envOrDefault("LOG_LEVEL", "info"), "log level")
	if err := fs.Parse(args); err != nil {
		return probe.Options{}, "", err
	}
	if fs.NArg() > 0 {
		return probe.Options{}, "", fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if *count < 0 {
		return probe.Options{}, "", fmt.Errorf("count must not be negative, got %d", *count)
	}
	return probe.Options{
		URL:           *url,
		Count:         *count,
		Interval:      *interval,
		Jitter:        *jitter,
		SessionID:     *sessionID,
		MaxRTTUpdates: *maxRTT,
		AckTimeout:    *ackTimeout,
		MaxReconnects: *maxReconnects,
	}, *logLevel, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %d\n", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %s\n", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %f\n", name, raw, fallback)
		return fallback
	}
	return value
}
