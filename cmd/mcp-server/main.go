package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/popgate/internal/config"
	"github.com/patrickwarner/popgate/internal/db"
	"github.com/patrickwarner/popgate/internal/logic"
	"github.com/patrickwarner/popgate/internal/observability"
)

func main() {
	// Initialize logger for MCP server - use stderr to avoid stdio conflicts
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.MessageKey = "msg"

	logger, err := zcfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.Named("popgate-mcp").With(zap.String("service", "popgate-mcp"))

	cfg := config.Load()
	if cfg.PostgresDSN == "" {
		logger.Fatal("POSTGRES_DSN environment variable is required")
	}

	ctx := context.Background()

	pg, err := db.InitPostgres(cfg.PostgresDSN, 5, 2, 30*time.Minute, 5*time.Minute)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer pg.Close()

	store, err := db.InitRedis(ctx, cfg.RedisAddr, cfg.CounterTimeout)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer store.Close()

	caps := logic.NewFrequencyCapService(store, nil, logic.CapConfig{
		SessionTTL: cfg.SessionTTL,
		Timeout:    cfg.CounterTimeout,
		Policy:     logic.ParseFailurePolicy(cfg.CapFailurePolicy),
	}, logger, observability.NoopRegistry{})

	ops := NewOpsServer(pg, caps, logger)

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "popgate",
		Version: "1.0.0",
	}, nil)
	registerTools(server, ops)

	var logBuffer bytes.Buffer
	transport := &mcp.LoggingTransport{
		Transport: &mcp.StdioTransport{},
		Writer:    &logBuffer,
	}

	logger.Info("MCP server running via stdio")
	if err := server.Run(ctx, transport); err != nil {
		logger.Fatal("Server error", zap.Error(err), zap.String("mcp_logs", logBuffer.String()))
	}
}
