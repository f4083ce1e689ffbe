package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/hyperliquid-stream/internal/config"
	"github.com/rickgao/hyperliquid-stream/internal/connection"
	"github.com/rickgao/hyperliquid-stream/internal/database"
	"github.com/rickgao/hyperliquid-stream/internal/queue"
	"github.com/rickgao/hyperliquid-stream/internal/recorder"
	"github.com/rickgao/hyperliquid-stream/internal/subscription"
	"github.com/rickgao/hyperliquid-stream/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/streamer.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting streamer",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"stream_url", cfg.Stream.URL,
		"coins", cfg.Stream.Coins,
		"recorder_enabled", cfg.Recorder.Enabled,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to database if the recorder is enabled
	var rec *recorder.TradeRecorder
	if cfg.Recorder.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Timescale.Host,
			"port", cfg.Database.Timescale.Port,
			"database", cfg.Database.Timescale.Name,
		)

		pool, err := database.Connect(ctx, cfg.Database.Timescale)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		logger.Info("database connected")

		recCfg := recorder.Config{
			BatchSize:     cfg.Recorder.BatchSize,
			FlushInterval: cfg.Recorder.FlushInterval.Std(),
		}
		recQueue := queue.New[subscription.Event](cfg.Recorder.QueueSize)
		rec = recorder.NewTradeRecorder(recCfg, recQueue, pool, logger)
	}

	// Dial the exchange
	clientCfg := connection.ClientConfig{
		URL:              cfg.Stream.URL,
		HandshakeTimeout: cfg.Stream.HandshakeTimeout.Std(),
		WriteTimeout:     cfg.Stream.WriteTimeout.Std(),
	}
	client, err := connection.Dial(ctx, clientCfg, logger)
	if err != nil {
		logger.Error("failed to connect to exchange", "error", err)
		os.Exit(1)
	}

	logger.Info("exchange connected", "url", cfg.Stream.URL)

	// Start the subscription manager
	mgrCfg := connection.ManagerConfig{
		PingInterval: cfg.Stream.PingInterval.Std(),
	}
	mgr := connection.NewManager(mgrCfg, client, logger)
	if err := mgr.Start(ctx); err != nil {
		logger.Error("failed to start manager", "error", err)
		os.Exit(1)
	}

	// Start the recorder before subscribing so no trades are missed
	if rec != nil {
		if err := rec.Start(ctx); err != nil {
			logger.Error("failed to start recorder", "error", err)
			os.Exit(1)
		}
	}

	if err := subscribeStreams(ctx, cancel, cfg, mgr, rec, logger); err != nil {
		logger.Error("failed to subscribe", "error", err)
		os.Exit(1)
	}

	logger.Info("streamer running", "instance_id", cfg.Instance.ID)

	// Periodic stats logging
	go logStats(ctx, mgr, rec, logger)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := mgr.Stop(shutdownCtx); err != nil {
		logger.Warn("manager stop", "error", err)
	}
	if rec != nil {
		rec.Queue().Close()
		if err := rec.Stop(shutdownCtx); err != nil {
			logger.Warn("recorder stop", "error", err)
		}
	}

	logger.Info("streamer stopped")
}

// subscribeStreams registers the configured streams with the manager.
// Trade streams feed the recorder queue when recording is enabled;
// everything else goes to a drain queue. The drain watcher triggers
// shutdown when the terminal no-data event arrives: there is no
// reconnection, so a dead stream means the process is done.
func subscribeStreams(ctx context.Context, shutdown context.CancelFunc, cfg *config.StreamerConfig, mgr *connection.Manager, rec *recorder.TradeRecorder, logger *slog.Logger) error {
	drain := queue.New[subscription.Event](cfg.Recorder.QueueSize)
	go drainQueue(drain, shutdown, logger)
	go func() {
		<-ctx.Done()
		drain.Close()
	}()

	if cfg.Stream.AllMids {
		if _, err := mgr.Subscribe(subscription.AllMids{}, drain); err != nil {
			return err
		}
		logger.Info("subscribed", "stream", "allMids")
	}

	for _, coin := range cfg.Stream.Coins {
		tradeQueue := drain
		if rec != nil {
			tradeQueue = rec.Queue()
		}
		if _, err := mgr.Subscribe(subscription.Trades{Coin: coin}, tradeQueue); err != nil {
			return err
		}
		if _, err := mgr.Subscribe(subscription.L2Book{Coin: coin}, drain); err != nil {
			return err
		}
		logger.Info("subscribed", "coin", coin, "streams", "trades,l2Book")
	}

	return nil
}

// drainQueue pops events nobody else consumes so the queue stays small
// and triggers shutdown on the terminal no-data event.
func drainQueue(q *queue.Queue[subscription.Event], shutdown context.CancelFunc, logger *slog.Logger) {
	for {
		ev, ok := q.Pop()
		if !ok {
			return
		}
		if _, isNoData := ev.(subscription.NoDataEvent); isNoData {
			logger.Warn("stream disconnected, shutting down")
			shutdown()
		}
	}
}

// logStats emits manager and recorder counters once a minute.
func logStats(ctx context.Context, mgr *connection.Manager, rec *recorder.TradeRecorder, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := mgr.Stats()
			logger.Info("manager stats",
				"topics", stats.Topics,
				"subscribers", stats.Subscribers,
				"received", stats.Received,
				"routed", stats.Routed,
				"dropped", stats.Dropped,
				"parse_errors", stats.ParseErrors,
				"delivery_fails", stats.DeliveryFails,
			)
			if rec != nil {
				rm := rec.Stats()
				logger.Info("recorder stats",
					"inserts", rm.Inserts,
					"conflicts", rm.Conflicts,
					"errors", rm.Errors,
					"flushes", rm.Flushes,
					"skipped", rm.Skipped,
				)
			}
		}
	}
}
