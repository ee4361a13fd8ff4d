package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/verimem/verimem/internal/api"
	"github.com/verimem/verimem/internal/config"
	"github.com/verimem/verimem/internal/embed"
	"github.com/verimem/verimem/internal/memory"
	"github.com/verimem/verimem/internal/pipeline"
	"github.com/verimem/verimem/internal/reason"
	"github.com/verimem/verimem/internal/websearch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the verimem server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

// runtime is the wired set of long-lived components.
type runtime struct {
	cfg      config.Config
	store    *memory.Store
	pipeline *pipeline.Pipeline
}

// buildRuntime wires the embedder, store, verifier, searcher, and pipeline
// from config. The caller owns store.Close.
func buildRuntime(cfg config.Config) (*runtime, error) {
	embedder, err := newEmbedder(cfg)
	if err != nil {
		return nil, err
	}

	store, err := memory.Open(cfg.Memory.DataDir, embedder, float32(cfg.Memory.DedupThreshold))
	if err != nil {
		return nil, fmt.Errorf("opening memory store: %w", err)
	}

	verifier, err := reason.NewOpenAIVerifier(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.ChatModel, cfg.OpenAI.RequestTimeout)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("building verifier: %w", err)
	}

	var searcher websearch.Searcher
	if cfg.WebSearch.Enabled {
		searcher = websearch.NewDuckDuckGo(cfg.WebSearch.Timeout, cfg.WebSearch.RequestsPerSecond, cfg.WebSearch.CacheTTL)
	}

	p := pipeline.New(embedder, store, verifier, searcher, pipeline.Options{
		TopK:           cfg.Pipeline.TopK,
		DedupThreshold: float32(cfg.Memory.DedupThreshold),
		MinEvidence:    cfg.Pipeline.MinEvidence,
		MaxWebResults:  cfg.Pipeline.MaxWebResults,
	})

	return &runtime{cfg: cfg, store: store, pipeline: p}, nil
}

func newEmbedder(cfg config.Config) (*embed.OpenAI, error) {
	embedder, err := embed.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.EmbedModel)
	if err != nil {
		return nil, fmt.Errorf("building embedder: %w", err)
	}
	return embedder, nil
}

func setupLogging(cfg config.LogConfig) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "verimem.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "verimem version %s\n", version)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	// Refuse to start a second instance against the same data dir.
	pidPath := pidFilePath(cfg.Memory.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL(cfg.Server.Addr)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on %s", cfg.Server.Addr)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.store.Close(); err != nil {
			slog.Warn("closing memory store", "error", err)
		}
	}()

	handler := api.NewHandler(api.Deps{
		Pipeline: rt.pipeline,
		Memory:   rt.store,
		Token:    cfg.Server.Token,
	})
	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: handler,
	}

	// MCP server on stdio, alongside HTTP.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Pipeline: rt.pipeline,
		Memory:   rt.store,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		slog.Info("verimem listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// healthURL derives the local health endpoint from a listen address.
func healthURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr + "/health"
}
