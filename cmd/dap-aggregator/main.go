// Command dap-aggregator runs a single Leader or Helper Aggregator
// process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"dapnode.dev/aggregator/node"
	"dapnode.dev/aggregator/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	defaults := node.DefaultConfig()
	cfg := defaults

	fs := flag.NewFlagSet("dap-aggregator", flag.ContinueOnError)
	fs.SetOutput(stderr)

	role := fs.String("role", "leader", "aggregator role: leader|helper")
	fs.StringVar(&cfg.DataDir, "datadir", defaults.DataDir, "aggregator data directory")
	fs.StringVar(&cfg.BindAddr, "bind", defaults.BindAddr, "bind address host:port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaults.LogLevel, "log level: debug|info|warn|error")
	fs.StringVar(&cfg.PeerBaseURL, "peer-base-url", defaults.PeerBaseURL, "the other aggregator's base URL")
	fs.StringVar(&cfg.StorageProxyURL, "storage-proxy-url", defaults.StorageProxyURL, "storage proxy base URL (empty selects the embedded store)")
	fs.StringVar(&cfg.StorageProxyBearerToken, "storage-proxy-bearer-token", defaults.StorageProxyBearerToken, "bearer token for the storage proxy")
	bearerTokenFile := fs.String("storage-proxy-bearer-token-file", "", "read the storage proxy bearer token from this file instead of -storage-proxy-bearer-token")
	fs.BoolVar(&cfg.InteropMode, "interop", defaults.InteropMode, "serve the internal test surface")
	numShards := fs.Uint("num-agg-span-shards", uint(defaults.NumAggSpanShards), "default aggregation-span shard count for new tasks")
	dryRun := fs.Bool("dry-run", false, "print effective config and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.NumAggSpanShards = uint32(*numShards)
	switch strings.ToLower(strings.TrimSpace(*role)) {
	case "leader":
		cfg.Role = store.RoleLeader
	case "helper":
		cfg.Role = store.RoleHelper
	default:
		_, _ = fmt.Fprintf(stderr, "invalid -role %q: must be leader or helper\n", *role)
		return 2
	}

	if *bearerTokenFile != "" {
		dir, name := filepath.Split(*bearerTokenFile)
		token, err := node.LoadBearerTokenFile(dir, name)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "loading -storage-proxy-bearer-token-file: %v\n", err)
			return 2
		}
		cfg.StorageProxyBearerToken = token
	}

	if err := node.ValidateConfig(cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return 2
	}
	if err := printConfig(stdout, cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "config encode failed: %v\n", err)
		return 1
	}
	if *dryRun {
		return 0
	}

	log := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))

	app, err := node.NewApp(cfg, log)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "app init failed: %v\n", err)
		return 2
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error("closing store", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("PUT /tasks/{id}/reports", app.HandleUploadReport)
	mux.HandleFunc("POST /tasks/{id}/aggregate", app.HandleAggregate)
	mux.HandleFunc("POST /tasks/{id}/collect", app.HandleCollect)
	mux.HandleFunc("POST /tasks/{id}/aggregate_share", app.HandleAggregateShare)
	mux.HandleFunc("GET /hpke_config", app.HandleHpkeConfig)
	if cfg.InteropMode {
		registerInternalTestHandlers(mux, app)
	}

	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()
	log.Info("aggregator listening", "addr", cfg.BindAddr, "role", *role)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintf(stderr, "server failed: %v\n", err)
			return 2
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_, _ = fmt.Fprintf(stderr, "graceful shutdown failed: %v\n", err)
			return 2
		}
	}
	_, _ = fmt.Fprintln(stdout, "dap-aggregator stopped")
	return 0
}

func logLevel(s string) slog.Level {
	switch s {
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
