// Command block-reader ingests block hashes, headers, merkle roots and contract
// events from the configured chains and hands them downstream.
//
// Usage:
//
//	block-reader --config=block-reader.yaml --mode=both
//	block-reader --mode=self-test
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/marko911/block-reader/internal/config"
	"github.com/marko911/block-reader/internal/delivery/websocket"
	"github.com/marko911/block-reader/internal/fetch"
	"github.com/marko911/block-reader/internal/ingest"
	"github.com/marko911/block-reader/internal/ledger"
	"github.com/marko911/block-reader/internal/metrics"
	"github.com/marko911/block-reader/internal/platform/kafka"
	pnats "github.com/marko911/block-reader/internal/platform/nats"
	"github.com/marko911/block-reader/internal/sink"
)

func main() {
	config.LoadDotEnv()

	var (
		configPath    = flag.String("config", envOrDefault("BLOCK_READER_CONFIG", ""), "Path to YAML configuration")
		mode          = flag.String("mode", "", "Mode: on-demand (rest), poll (loop), both, self-test")
		logLevel      = flag.String("log-level", "", "Log level: debug, info, warn, error")
		httpAddr      = flag.String("http", "", "HTTP listen address")
		grpcAddr      = flag.String("grpc", "", "gRPC health listen address, empty to disable")
		selfTestBlock = flag.Uint64("self-test-block", ingest.SelfTestBlock, "Block fetched in self-test mode")
	)
	flag.Parse()

	cfg, err := config.Read(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *mode != "" {
		m, err := config.ParseMode(*mode)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		cfg.Mode = m
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *grpcAddr != "" {
		cfg.GRPCAddr = *grpcAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Mode == config.ModeSelfTest {
		err = runSelfTest(ctx, cfg, *selfTestBlock, logger)
	} else {
		err = run(ctx, cfg, logger)
	}
	if err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newDispatcher(cfg config.Config, logger *slog.Logger) (*fetch.Dispatcher, func()) {
	pool := fetch.NewClientPool(cfg.Pool, logger)
	sdk := fetch.NewSDKStrategy(pool, cfg.Poller.FetchTimeout, logger)
	d := fetch.NewDefaultDispatcher(
		fetch.NewRPCStrategy(pool, cfg.Poller.FetchTimeout),
		sdk,
		fetch.NewEventStrategy(pool, cfg.Poller.FetchTimeout),
	)
	return d, func() {
		sdk.Close()
		pool.Close()
	}
}

// runSelfTest fetches one block from the built-in source and reports the outcome.
func runSelfTest(ctx context.Context, cfg config.Config, block uint64, logger *slog.Logger) error {
	dispatcher, closeFn := newDispatcher(cfg, logger)
	defer closeFn()

	desc := ingest.SelfTestSource()
	start := time.Now()
	res, err := ingest.SelfTest(ctx, dispatcher, desc, &block)
	if err != nil {
		logger.Error("self-test failed",
			"source", desc.ID,
			"block", block,
			"kind", fetch.KindOf(err),
			"error", err,
		)
		return fmt.Errorf("self-test: %w", err)
	}

	logger.Info("self-test passed",
		"source", desc.ID,
		"block", res.QueriedBlock,
		"payload", res.Payload.Kind,
		"value", res.Payload.Value(),
		"took", time.Since(start),
	)
	return nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	l, err := ledger.Open(ctx, cfg.Ledger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer l.Close()

	dispatcher, closeFn := newDispatcher(cfg, logger)
	defer closeFn()

	collector := metrics.New()
	if snap, err := l.Snapshot(ctx); err == nil {
		for id, n := range snap {
			collector.SetLedgerBlock(id, n)
		}
	}

	var ws *websocket.Manager
	if cfg.Sinks.WebSocket.Enabled {
		ws = websocket.NewManager(websocket.ManagerConfig{
			SendBufferSize: cfg.Sinks.WebSocket.SendBufferSize,
			Logger:         logger,
		})
	}

	sinks, err := buildSinks(ctx, cfg.Sinks, ws, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			logger.Error("sink shutdown error", "error", err)
		}
	}()

	orch, err := ingest.New(cfg.Sources, dispatcher, l, ingest.Options{
		Sink:     sinks,
		Observer: collector,
		Poller:   cfg.Poller,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	if cfg.GRPCAddr != "" {
		hs, err := newHealthServer(cfg.GRPCAddr, logger)
		if err != nil {
			return err
		}
		go hs.Serve()
		defer hs.Stop()
	}

	server := NewServer(orch, cfg.OnDemandSource, logger)
	server.SetMetrics(collector)
	if ws != nil {
		server.SetWebSocketHandler(ws)
	}

	logger.Info("starting block-reader",
		"mode", cfg.Mode,
		"sources", len(cfg.Sources),
		"ledger", cfg.Ledger.Backend,
		"http", cfg.HTTPAddr,
	)

	switch cfg.Mode {
	case config.ModeOnDemand:
		return serveHTTP(ctx, cfg.HTTPAddr, server.Router(), logger)
	case config.ModePoll:
		if err := orch.RunPolling(ctx, 0); err != nil {
			return err
		}
		defer orch.Stop()
		return serveHTTP(ctx, cfg.HTTPAddr, server.OpsRouter(), logger)
	case config.ModeBoth:
		return orch.RunBoth(ctx, 0, func(ctx context.Context) error {
			return serveHTTP(ctx, cfg.HTTPAddr, server.Router(), logger)
		})
	default:
		return fmt.Errorf("unsupported mode %s", cfg.Mode)
	}
}

// buildSinks assembles the enabled sinks in delivery order: durable
// destinations first, then the log and the live feed.
func buildSinks(ctx context.Context, cfg config.SinksConfig, ws *websocket.Manager, logger *slog.Logger) (sink.Multi, error) {
	var sinks sink.Multi
	fail := func(err error) (sink.Multi, error) {
		_ = sinks.Close()
		return nil, err
	}

	if cfg.Kafka.Enabled {
		p, err := kafka.NewProducer(ctx, cfg.Kafka.ProducerConfig)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, sink.NewKafka(p))
		logger.Info("kafka sink enabled", "brokers", cfg.Kafka.Brokers, "topic", p.Topic())
	}

	if cfg.NATS.Enabled {
		client, err := pnats.Connect(ctx, cfg.NATS.Config, logger)
		if err != nil {
			return fail(err)
		}
		if _, err := pnats.EnsureStream(ctx, client.JetStream(), cfg.NATS.Stream); err != nil {
			_ = client.Close()
			return fail(err)
		}
		sinks = append(sinks, sink.NewNATS(client.JetStream(), client.Close))
		logger.Info("nats sink enabled", "url", cfg.NATS.URL, "stream", cfg.NATS.Stream.Name)
	}

	if cfg.Archive.Enabled {
		a, err := sink.NewArchive(ctx, cfg.Archive.ArchiveConfig)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, a)
		logger.Info("archive sink enabled", "endpoint", cfg.Archive.Endpoint, "bucket", cfg.Archive.Bucket)
	}

	if cfg.Log {
		sinks = append(sinks, sink.NewLog(logger))
	}
	if ws != nil {
		sinks = append(sinks, wsSink{Feed: sink.NewFeed(ws), m: ws})
	}
	return sinks, nil
}

// wsSink closes the websocket manager along with the feed.
type wsSink struct {
	*sink.Feed
	m *websocket.Manager
}

func (s wsSink) Close() error {
	return s.m.Close()
}

// serveHTTP runs until ctx is cancelled, then shuts down gracefully.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	return nil
}

// setupLogger creates a structured logger with the given level.
func setupLogger(levelStr string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(levelStr),
	}))
}

func parseLogLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
