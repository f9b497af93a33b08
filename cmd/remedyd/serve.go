package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/approval"
	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/detect"
	"github.com/fyrsmithlabs/remedyd/internal/engine"
	"github.com/fyrsmithlabs/remedyd/internal/fixgen"
	"github.com/fyrsmithlabs/remedyd/internal/graph"
	"github.com/fyrsmithlabs/remedyd/internal/httpapi"
	"github.com/fyrsmithlabs/remedyd/internal/learning"
	"github.com/fyrsmithlabs/remedyd/internal/telemetry"
	"github.com/fyrsmithlabs/remedyd/internal/vectorstore"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the remediation daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "config file path (default ~/.config/remedyd/config.yaml)")
}

// serve wires every component and blocks until the context is cancelled.
// Shutdown drains the HTTP server and saves the graph snapshot.
func serve(ctx context.Context) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // best-effort on shutdown
	}()

	logger.Info("starting remedyd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout),
	)

	telCfg := cfg.Telemetry
	telCfg.ServiceVersion = version
	tel, err := telemetry.New(ctx, &telCfg, logger)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	// NATS is optional. Without it approvals still work; subscribers poll.
	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			logger.Warn("nats connection failed, event streaming disabled",
				zap.String("url", cfg.NATS.URL), zap.Error(err))
			nc = nil
		} else {
			defer nc.Close()
			logger.Info("connected to nats", zap.String("url", cfg.NATS.URL))
		}
	}

	embedder, err := initEmbedder(cfg)
	if err != nil {
		return fmt.Errorf("initializing embedder: %w", err)
	}

	vectors, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{
		Path:       cfg.VectorStore.Path,
		Collection: cfg.VectorStore.Collection,
		Compress:   cfg.VectorStore.Compress,
	}, embedder, logger)
	if err != nil {
		return fmt.Errorf("initializing vector store: %w", err)
	}

	snapshotPath, err := config.ExpandHome(cfg.Graph.SnapshotPath)
	if err != nil {
		return fmt.Errorf("resolving graph snapshot path: %w", err)
	}
	graphStore := graph.Load(snapshotPath, logger)
	logger.Info("knowledge graph loaded",
		zap.String("path", snapshotPath),
		zap.Int("nodes", graphStore.Stats().Nodes),
		zap.Int("edges", graphStore.Stats().Edges),
	)

	backend, err := initBackend(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing generator backend: %w", err)
	}

	generator, err := fixgen.NewGenerator(&fixgen.Config{
		Temperature:  cfg.Generator.Temperature,
		ContextLimit: cfg.Generator.ContextLimit,
	}, backend, graphStore, vectors, logger)
	if err != nil {
		return fmt.Errorf("initializing fix generator: %w", err)
	}

	queue := approval.NewQueue(&approval.Config{
		ReviewTTL: map[fixgen.RiskLevel]time.Duration{
			fixgen.RiskLow:    cfg.Approval.ReviewTTLLow,
			fixgen.RiskMedium: cfg.Approval.ReviewTTLMedium,
			fixgen.RiskHigh:   cfg.Approval.ReviewTTLHigh,
		},
		SweepInterval: cfg.Approval.SweepInterval,
	}, nc, logger)
	defer queue.Close()

	learner, err := learning.NewStore(graphStore, vectors, logger)
	if err != nil {
		return fmt.Errorf("initializing learning store: %w", err)
	}

	eng, err := engine.NewEngine(&engine.Config{
		PollInterval:    cfg.Engine.PollInterval,
		ApprovalTimeout: cfg.Engine.ApprovalTimeout,
		SettleDelay:     cfg.Engine.SettleDelay,
	}, engine.Deps{
		Graph:     graphStore,
		Detector:  detect.NewDetector(),
		Generator: generator,
		Queue:     queue,
		Learner:   learner,
		Executor:  engine.NewDryRunExecutor(logger),
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing workflow engine: %w", err)
	}

	srv, err := httpapi.NewServer(queue, eng, graphStore, logger, &httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}

	if err := graphStore.Save(snapshotPath); err != nil {
		logger.Error("failed to save graph snapshot", zap.Error(err))
	} else {
		logger.Info("graph snapshot saved", zap.String("path", snapshotPath))
	}

	return nil
}

// initLogger builds the zap logger per the logging config.
func initLogger(cfg *config.Config) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Logging.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	zc.Level = level

	return zc.Build()
}

// initEmbedder selects the embedding provider. The hash provider needs no
// network and keeps similarity search deterministic.
func initEmbedder(cfg *config.Config) (vectorstore.Embedder, error) {
	switch cfg.Embeddings.Provider {
	case "hash":
		return vectorstore.NewHashEmbedder(), nil
	case "openai":
		return vectorstore.NewLangchainEmbedder(vectorstore.EmbedderConfig{
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
			APIKey:  cfg.Embeddings.APIKey,
		})
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", cfg.Embeddings.Provider)
	}
}

// initBackend builds the generative backend, or returns nil when disabled so
// the generator serves proposals from its fallback table.
func initBackend(cfg *config.Config, logger *zap.Logger) (fixgen.Backend, error) {
	if !cfg.Generator.BackendEnabled {
		logger.Info("generative backend disabled, using fallback rules only")
		return nil, nil
	}

	apiKey := cfg.Generator.APIKey
	if apiKey == "" {
		// langchaingo requires a token; local OpenAI-compatible servers
		// ignore it.
		apiKey = "placeholder"
	}

	opts := []openai.Option{
		openai.WithModel(cfg.Generator.Model),
		openai.WithToken(apiKey),
	}
	if cfg.Generator.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.Generator.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}

	backend, err := fixgen.NewLLMBackend(llm, cfg.Generator.Timeout)
	if err != nil {
		return nil, err
	}

	logger.Info("generative backend initialized",
		zap.String("model", cfg.Generator.Model),
		zap.String("base_url", cfg.Generator.BaseURL),
	)
	return backend, nil
}
