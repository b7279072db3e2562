package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/patrickwarner/popgate/internal/analytics"
	"github.com/patrickwarner/popgate/internal/config"
	"github.com/patrickwarner/popgate/internal/observability"
)

func main() {
	cfg := config.Load()
	logger, err := observability.InitLogger("query-events", cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	var id string
	var dsn string
	flag.StringVar(&id, "id", "", "decision ID")
	flag.StringVar(&dsn, "dsn", cfg.ClickHouseDSN, "ClickHouse DSN")
	flag.Parse()

	if id == "" {
		fmt.Fprintln(os.Stderr, "id required")
		os.Exit(1)
	}

	a, err := analytics.InitClickHouse(dsn, observability.NoopRegistry{}, 10, 2, 5*time.Minute, time.Minute)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect clickhouse: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	records, err := a.GetDisplaysByDecisionID(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query displays: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		fmt.Fprintf(os.Stderr, "encode displays: %v\n", err)
		os.Exit(1)
	}
}
