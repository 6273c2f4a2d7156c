package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/normanking/avatarhub/internal/config"
	"github.com/normanking/avatarhub/internal/logging"
	"github.com/normanking/avatarhub/internal/mode"
	"github.com/normanking/avatarhub/internal/quota"
	"github.com/normanking/avatarhub/internal/remote"
	"github.com/normanking/avatarhub/internal/speech"
	"github.com/normanking/avatarhub/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(&logging.Config{
		Level:   cfg.Logging.Level,
		Dir:     cfg.Logging.Dir,
		Console: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	logger.Info().Msg("Starting AvatarHub")

	store, err := storage.NewFileStore(cfg.Storage.Dir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer store.Close()

	tracker := quota.NewTracker(store, quota.Config{
		TotalMinutes:   cfg.Quota.TotalMinutes,
		WarningMinutes: cfg.Quota.WarningMinutes,
	}, logger)
	if err := tracker.WatchStore(); err != nil {
		logger.Warn().Err(err).Msg("Quota ledger watch unavailable")
	}
	defer tracker.Close()

	queue := speech.NewQueue(speech.NewConsoleEngine(os.Stdout), store, logger)
	queue.SetConfig(speech.Config{
		Rate:        cfg.Speech.Rate,
		Pitch:       cfg.Speech.Pitch,
		Volume:      cfg.Speech.Volume,
		VoiceName:   cfg.Speech.VoiceName,
		VoiceLocale: cfg.Speech.VoiceLocale,
	})

	tokens := remote.NewTokenClient(cfg.Remote.TokenURL, cfg.Remote.DialTimeout, logger)
	dialer := remote.NewWSDialer(cfg.Remote.StreamURL, logger)
	manager := remote.NewManager(tracker, tokens, dialer, remote.Config{
		IdleTimeout: cfg.Remote.IdleTimeout,
	}, logger)

	controller := mode.NewController(tracker, manager, queue, logger)
	defer controller.Close()

	unsubMode := controller.Subscribe(func(ev mode.ChangeEvent) {
		fmt.Printf("mode: %s -> %s (%s)\n", ev.From, ev.To, ev.Reason)
	})
	defer unsubMode()
	unsubQuota := tracker.Subscribe(func(ev quota.Event) {
		fmt.Printf("quota: %s, %.1f minutes remaining\n", ev.Type, ev.RemainingMinutes)
	})
	defer unsubQuota()

	if cfg.Metrics.ListenAddr != "" {
		go serveMetrics(cfg.Metrics.ListenAddr, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("Shutting down")
		cancel()
		os.Stdin.Close()
	}()

	fmt.Printf("AvatarHub ready (mode: %s). Type text to speak, or /help.\n", controller.CurrentMode())
	repl(ctx, controller, tracker, logger)
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info().Str("addr", addr).Msg("Serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("Metrics server stopped")
	}
}

func repl(ctx context.Context, c *mode.Controller, t *quota.Tracker, logger zerolog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/help":
			fmt.Println("commands: /mode static|interactive|fallback, /status, /reset, /quit")
		case line == "/quit":
			return
		case line == "/status":
			snap := t.Snapshot()
			fmt.Printf("mode=%s quota=%s used=%.1f/%.1f minutes, %d sessions\n",
				c.CurrentMode(), snap.Status, snap.UsedMinutes, snap.TotalMinutes, snap.Sessions)
		case line == "/reset":
			c.ResetQuota()
		case strings.HasPrefix(line, "/mode "):
			target := mode.Mode(strings.TrimSpace(strings.TrimPrefix(line, "/mode ")))
			if err := c.SwitchToMode(ctx, target); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		case strings.HasPrefix(line, "/"):
			fmt.Printf("unknown command: %s\n", line)
		default:
			if !c.Speak(ctx, line) {
				fmt.Println("speech failed")
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("Input error")
	}
}
