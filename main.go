package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"poskeeper/internal/api"
	"poskeeper/internal/bus"
	"poskeeper/internal/config"
	"poskeeper/internal/db"
	"poskeeper/internal/engine"
	"poskeeper/internal/ingest"
	"poskeeper/internal/logger"
	"poskeeper/internal/position"
)

var version = "dev"

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logger.Warn("Config", err.Error())
	}
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	logger.Banner(version)

	database, err := db.Open(*dbPath)
	if err != nil {
		logger.Error("DB", fmt.Sprintf("Failed to open database: %v", err))
		os.Exit(1)
	}
	defer database.Close()

	configs := position.NewConfigCache(database.ConfigsActive, cfg.ConfigCacheTTL)

	// Trades ride one globally ordered partition; calc requests fan out by
	// position id.
	tradeTopic := bus.NewTopic("trades", 1)
	calcTopic := bus.NewTopic("calc-requests", cfg.CalcPartitions)

	coordinator := ingest.New(database, configs, calcTopic, cfg.IngestBatchMax)
	calcEngine := engine.New(database, cfg.CalcDeadline)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if err := tradeTopic.Consume(gctx, g, coordinator.HandleBatch); err != nil {
		logger.Error("Bus", err.Error())
		os.Exit(1)
	}
	if err := calcTopic.Consume(gctx, g, calcEngine.HandleRequest); err != nil {
		logger.Error("Bus", err.Error())
		os.Exit(1)
	}
	logger.Section("Runtime")
	logger.Stats("Database", *dbPath)
	logger.Stats("Calc partitions", calcTopic.Partitions())
	logger.Stats("Calc deadline", cfg.CalcDeadline)
	logger.Stats("Batch limit", cfg.IngestBatchMax)
	logger.Stats("Config cache TTL", cfg.ConfigCacheTTL)

	server := api.NewServer(database, tradeTopic, configs, cfg.IngestBatchMax)
	addr := fmt.Sprintf(":%d", *port)
	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}

	g.Go(func() error {
		logger.Server(fmt.Sprintf("localhost%s", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("API", "Shutting down")
		tradeTopic.Close()
		calcTopic.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("API", fmt.Sprintf("Exited with error: %v", err))
		os.Exit(1)
	}
	logger.Success("API", "Goodbye")
}
