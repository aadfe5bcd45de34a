package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/matchbook-io/matchbook"
	"github.com/matchbook-io/matchbook/internal/config"
	"github.com/matchbook-io/matchbook/internal/history"
	"github.com/matchbook-io/matchbook/internal/idgen"
	"github.com/matchbook-io/matchbook/internal/notify"
	"github.com/matchbook-io/matchbook/internal/server"
	"github.com/matchbook-io/matchbook/internal/users"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("matchbookd %s\n", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := newLogger(cfg.Log.Level)
	slog.SetDefault(log)
	matchbook.SetLogger(log)

	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	hist, err := history.Open(cfg.HistoryPath())
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer hist.Close()

	userStore, err := users.Load(cfg.UsersPath())
	if err != nil {
		return fmt.Errorf("failed to load user table: %w", err)
	}

	ids, err := idgen.Load(cfg.OrderIDPath())
	if err != nil {
		return fmt.Errorf("failed to load order id counter: %w", err)
	}

	registry := notify.NewRegistry()
	notifier, err := notify.NewUDPNotifier(registry)
	if err != nil {
		return fmt.Errorf("failed to open notifier socket: %w", err)
	}
	defer notifier.Close()

	listener, err := notify.NewListener(cfg.Server.UDPListenAddr, registry)
	if err != nil {
		return fmt.Errorf("failed to bind udp listener: %w", err)
	}
	defer listener.Close()
	go listener.Serve()
	log.Info("udp registration listener started", "addr", listener.Addr().String())

	book := matchbook.NewOrderBook(matchbook.NewFileSnapshotWriter(cfg.SnapshotPath()), hist, notifier)

	snap, err := matchbook.ReadSnapshotFile(cfg.SnapshotPath())
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	if snap != nil {
		if err := book.Restore(snap); err != nil {
			return fmt.Errorf("failed to restore order book: %w", err)
		}
		stats := book.Stats()
		log.Info("order book restored",
			"bids", stats.BidOrderCount, "asks", stats.AskOrderCount,
			"bidStops", stats.BidStopCount, "askStops", stats.AskStopCount)
	}

	srv := server.New(book, userStore, hist, registry, notifier, ids, cfg.Server.IdleTimeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", "signal", sig.String())
		listener.Close()
		srv.Close()
	}()

	return srv.ListenAndServe(cfg.Server.ListenAddr)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
