package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go-gigmarket/api"
	"go-gigmarket/config"
	"go-gigmarket/decompose"
	"go-gigmarket/lifecycle"
	"go-gigmarket/logging"
	"go-gigmarket/market"
	"go-gigmarket/queue"
	"go-gigmarket/scanner"
	"go-gigmarket/store/postgres"
	"go-gigmarket/worker"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString("logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gigmarket stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	policy, err := lifecycle.ParseFailurePolicy(cfg.SubtaskFailurePolicy)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, 10)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}

	rdb, err := queue.NewClient(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer rdb.Close()
	outbox := queue.NewRedisQueue(rdb, queue.DefaultOutboxKey)
	broadcaster := queue.NewBroadcaster(rdb, queue.DefaultChannel)

	var wg sync.WaitGroup
	pool := worker.New(outbox, broadcaster, logger)
	pool.MaxRetries = cfg.EventMaxRetries
	pool.Start(ctx, cfg.EventWorkers, &wg)

	var gateway decompose.Gateway = decompose.Static{}
	if cfg.LLMAPIKey != "" {
		gateway = decompose.NewOpenAIGateway(decompose.Config{
			APIKey:      cfg.LLMAPIKey,
			BaseURL:     cfg.LLMBaseURL,
			Model:       cfg.LLMModel,
			Temperature: cfg.LLMTemperature,
			Logger:      logger,
		})
	} else {
		logger.Warn("LLM_API_KEY not set, subtasks use the fallback plan")
	}

	supervisor, err := scanner.New(scanner.Config{
		Command:   cfg.ScannerCommand,
		Args:      cfg.ScannerArgs,
		Dir:       cfg.ScannerDir,
		KillGrace: cfg.ScannerKillGrace,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
	}, nil, logger)
	if err != nil {
		return err
	}

	svc, err := market.New(db, market.Options{
		Gateway: gateway,
		Scanner: supervisor,
		Events:  outbox,
		Policy:  policy,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.ServerAddr, svc, logger)
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", cfg.ServerAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	stopErr := waitForStop(sig, serveErr, logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("scanner shutdown error", zap.Error(err))
	}

	cancel()
	wg.Wait()
	logger.Info("all workers stopped")
	return stopErr
}

// waitForStop blocks until a signal arrives or the server fails, and
// returns the server error so the process exits non-zero.
func waitForStop(sig <-chan os.Signal, serveErr <-chan error, logger *zap.Logger) error {
	select {
	case s := <-sig:
		logger.Info("shutdown signal received", zap.String("signal", s.String()))
		return nil
	case err := <-serveErr:
		logger.Error("http server error", zap.Error(err))
		return fmt.Errorf("http server: %w", err)
	}
}
