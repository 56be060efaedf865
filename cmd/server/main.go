package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/epw80/cataglory/pkg/answer"
	"github.com/epw80/cataglory/pkg/api"
	"github.com/epw80/cataglory/pkg/config"
	"github.com/epw80/cataglory/pkg/game"
	"github.com/epw80/cataglory/pkg/hub"
	"github.com/epw80/cataglory/pkg/question"
	"github.com/epw80/cataglory/pkg/roundscorer"
	"github.com/epw80/cataglory/pkg/scoring"
	"github.com/epw80/cataglory/pkg/storage"
	"github.com/epw80/cataglory/pkg/stream"
	"github.com/epw80/cataglory/pkg/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Setup logger with configured level
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	logger.Info("loaded configuration",
		slog.String("port", cfg.Port),
		slog.String("store", cfg.StoreBackend),
		slog.String("dynamodb_endpoint", cfg.DynamoDBEndpoint),
		slog.String("dynamodb_region", cfg.DynamoDBRegion),
		slog.String("table", cfg.TableName),
		slog.Int("rounds", cfg.Rounds),
		slog.Int("questions_per_round", cfg.QuestionsPerRound),
		slog.String("log_level", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("server exited")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, "cataglory", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("failed to flush traces", slog.String("error", err.Error()))
		}
	}()

	var (
		store   storage.KeyStore
		memory  *storage.MemoryStore
		dynamo  *storage.DynamoDBStore
		streams *stream.Poller
	)
	switch cfg.StoreBackend {
	case config.BackendMemory:
		memory = storage.NewMemoryStore(logger)
		store = memory
	default:
		dynamo, err = storage.NewDynamoDBStore(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize DynamoDB: %w", err)
		}
		defer dynamo.Close()
		store = dynamo
	}

	// Managers
	questions := question.New(store, logger, question.Options{
		Rounds:            cfg.Rounds,
		QuestionsPerRound: cfg.QuestionsPerRound,
	})
	games := game.New(store, questions, logger, game.Options{Rounds: cfg.Rounds})
	answers := answer.New(store, questions, games, logger)

	h := hub.New(logger)
	detector := roundscorer.New(games, scoring.New(answers, questions, logger), h, logger)

	// Change capture
	if memory != nil {
		memory.Subscribe(detector.Handle)
	} else {
		arn, err := dynamo.StreamARN(ctx)
		if err != nil {
			return err
		}
		awsCfg, err := storage.LoadAWSConfig(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to load AWS config: %w", err)
		}
		streams = stream.New(stream.NewStreamsClient(awsCfg, cfg), arn, detector.HandleChange, cfg.StreamPollInterval, logger)
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.New(games, answers, questions, h, logger).Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		h.Run()
		return nil
	})

	if streams != nil {
		g.Go(func() error {
			return streams.Run(gctx)
		})
	}

	g.Go(func() error {
		logger.Info("starting server", slog.String("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := httpServer.Shutdown(shutdownCtx)
		if err != nil {
			logger.Error("server forced to shutdown", slog.String("error", err.Error()))
		}
		h.Shutdown()
		return err
	})

	return g.Wait()
}
