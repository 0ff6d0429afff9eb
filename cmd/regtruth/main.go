// Command regtruth runs the regulatory truth service: endpoint discovery,
// evidence capture, extraction, composition, review, arbitration, and
// releases, behind an HTTP API and an optional MCP-over-QUIC transport.
package main

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/taxway/regtruth/dbopen"
	"github.com/taxway/regtruth/llm"
	"github.com/taxway/regtruth/mcpquic"
	"github.com/taxway/regtruth/pipeline"
	"github.com/taxway/regtruth/sentinel"
)

func main() {
	port := env("PORT", "8080")
	dbPath := env("DB_PATH", "db/regtruth.db")
	seedPath := env("SEED_FILE", "")
	model := env("LLM_MODEL", "anthropic:claude-sonnet-4-5")
	mcpTransport := env("MCP_TRANSPORT", "")
	logLevel := env("LOG_LEVEL", "info")

	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	provider, err := llm.NewProvider(model)
	if err != nil {
		slog.Error("llm provider", "error", err)
		os.Exit(1)
	}

	cfg := pipeline.Config{
		AutoRelease: envBool("AUTO_RELEASE", false),
	}
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Error("SWEEP_INTERVAL", "error", err)
			os.Exit(1)
		}
		cfg.SweepInterval = d
	}
	if v := os.Getenv("EXTRACT_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Error("EXTRACT_WORKERS", "error", err)
			os.Exit(1)
		}
		cfg.ExtractWorkers = n
	}

	svc, err := pipeline.New(db, provider, cfg, logger)
	if err != nil {
		slog.Error("pipeline", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	if seedPath != "" {
		sf, err := sentinel.LoadSeed(seedPath)
		if err != nil {
			slog.Error("load seed", "path", seedPath, "error", err)
			os.Exit(1)
		}
		n, err := svc.Sentinel().Store().Seed(ctx, sf)
		if err != nil {
			slog.Error("seed endpoints", "error", err)
			os.Exit(1)
		}
		if n > 0 {
			slog.Info("seeded endpoints", "count", n)
		}
	}

	// Optional MCP over QUIC.
	if mcpTransport == "quic" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "regtruth",
			Version: "1.0.0",
		}, nil)
		svc.RegisterMCP(mcpSrv)

		quicAddr := env("MCP_QUIC_ADDR", ":9444")
		certFile := env("TLS_CERT", "")
		keyFile := env("TLS_KEY", "")

		var tlsCfg *tls.Config
		if certFile != "" && keyFile != "" {
			tlsCfg, err = mcpquic.ServerTLSConfig(certFile, keyFile)
		} else {
			tlsCfg, err = mcpquic.SelfSignedTLSConfig()
		}
		if err != nil {
			slog.Error("MCP QUIC TLS", "error", err)
		} else {
			ql, qErr := mcpquic.NewListener(quicAddr, tlsCfg, mcpSrv, logger)
			if qErr != nil {
				slog.Error("MCP QUIC listener", "error", qErr)
			} else {
				go func() {
					slog.Info("MCP QUIC starting", "addr", quicAddr)
					if sErr := ql.Serve(ctx); sErr != nil && ctx.Err() == nil {
						slog.Error("MCP QUIC", "error", sErr)
					}
				}()
			}
		}
	}

	svc.Start(ctx)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
