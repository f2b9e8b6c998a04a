package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/marketsim/internal/config"
	"github.com/rickgao/marketsim/internal/control"
	"github.com/rickgao/marketsim/internal/engine"
	"github.com/rickgao/marketsim/internal/subscriber"
	"github.com/rickgao/marketsim/internal/transport/udp"
	"github.com/rickgao/marketsim/internal/transport/wsfeed"
	"github.com/rickgao/marketsim/internal/version"
)

var (
	configPath             string
	interfaceAddress       string
	interfacePort          int
	iterBlockFlag          uint64
	subscriberPollInterval int64
	subscriberMaxRecords   int
	glogVerbosity          int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the simulator engine and its control surface",
	RunE:  runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.StringVar(&configPath, "config", "configs/marketsim.local.yaml", "path to config file")
	flags.StringVar(&interfaceAddress, "interface-address", "127.0.0.1", "control surface bind address")
	flags.IntVar(&interfacePort, "interface-port", 18080, "control surface bind port")
	flags.Uint64Var(&iterBlockFlag, "iter-block", 0, "iterations per engine block (0: use config/default)")
	flags.Int64Var(&subscriberPollInterval, "subscriber-poll-interval", 200, "subscriber manager scan interval in ms; <= 0 disables the manager's own ticker")
	flags.IntVar(&subscriberMaxRecords, "subscriber-max-records", 64, "per-datagram record cap applied to every subscriber's chunks; <= 0 sends each flush as one datagram")
	flags.IntVar(&glogVerbosity, "glog-verbosity", 0, "log verbosity; 0 is info, >=1 enables debug logging")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithDefaults(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if iterBlockFlag > 0 {
		cfg.Engine.IterBlock = iterBlockFlag
	}
	if cmd.Flags().Changed("interface-address") || cmd.Flags().Changed("interface-port") {
		cfg.Control.ListenAddr = fmt.Sprintf("%s:%d", interfaceAddress, interfacePort)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level := slog.LevelInfo
	if glogVerbosity >= 1 {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting marketsim",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
		"instance_id", cfg.Instance.ID,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	eng, err := engine.New(engine.Config{IterBlock: cfg.Engine.IterBlock}, logger)
	if err != nil {
		return fmt.Errorf("construct engine: %w", err)
	}

	subs := subscriber.NewManager(eng, logger)
	subs.SetMaxRecordsPerDatagram(subscriberMaxRecords)
	eng.SetNotifier(subs)
	eng.SetDrainWaiter(subs)

	// The engine's own loop context is deliberately independent of the
	// signal-triggered ctx above: shutdown goes through the queued
	// Shutdown op (e.Shutdown) so any op already in flight finishes,
	// and only then does Stop cancel the loop and join it.
	if err := eng.Launch(context.Background()); err != nil {
		return fmt.Errorf("launch engine: %w", err)
	}

	feed := wsfeed.NewBroadcaster(wsfeed.DefaultConfig(), logger)

	senderFactory := func(kind, parameter string) (string, func() (subscriber.Sender, error), error) {
		switch kind {
		case "udp":
			addr := parameter
			if addr == "" {
				addr = cfg.Transport.UDPListenAddr
			}
			return "udp:" + addr, func() (subscriber.Sender, error) {
				return udp.NewEndpoint(addr, logger), nil
			}, nil
		case "wsfeed":
			// The debug feed is one process-wide broadcaster with its
			// own lifecycle (started and stopped alongside the HTTP
			// servers below) — it opts out of endpoint sharing rather
			// than being closed whenever its last subscriber leaves.
			return "", func() (subscriber.Sender, error) {
				return feed, nil
			}, nil
		default:
			return "", nil, fmt.Errorf("unknown subscriber transport %q", kind)
		}
	}

	if err := subs.Serve(ctx, time.Duration(subscriberPollInterval)*time.Millisecond); err != nil {
		return fmt.Errorf("start subscriber manager: %w", err)
	}

	controlSrv := control.NewServer(eng, subs, senderFactory, logger)
	httpServer := &http.Server{
		Addr:    cfg.Control.ListenAddr,
		Handler: controlSrv,
	}

	feedMux := http.NewServeMux()
	feedMux.Handle("/", feed)
	feedServer := &http.Server{
		Addr:    cfg.Transport.WSFeedAddr,
		Handler: feedMux,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("control surface listening", "addr", cfg.Control.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("control server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("wsfeed debug feed listening", "addr", cfg.Transport.WSFeedAddr)
		if err := feedServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("wsfeed server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		logger.Info("shutting down...")
		httpServer.Shutdown(shutdownCtx)
		feedServer.Shutdown(shutdownCtx)
		subs.Stop(shutdownCtx)
		eng.Shutdown(shutdownCtx)
		eng.Stop(shutdownCtx)
		return nil
	})

	logger.Info("marketsim running",
		"control_url", fmt.Sprintf("http://%s", cfg.Control.ListenAddr),
	)

	if err := g.Wait(); err != nil {
		logger.Error("marketsim exited with error", "error", err)
		return err
	}
	logger.Info("marketsim stopped")
	return nil
}
