package main

import (
	"bufio"
	"context"
	"errors"
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

	"github.com/alexjbarnes/coach-sync/internal/api"
	"github.com/alexjbarnes/coach-sync/internal/auth"
	"github.com/alexjbarnes/coach-sync/internal/config"
	"github.com/alexjbarnes/coach-sync/internal/engine"
	"github.com/alexjbarnes/coach-sync/internal/feed"
	"github.com/alexjbarnes/coach-sync/internal/logging"
	"github.com/alexjbarnes/coach-sync/internal/mcpserver"
	"github.com/alexjbarnes/coach-sync/internal/metrics"
	"github.com/alexjbarnes/coach-sync/internal/server"
	"github.com/alexjbarnes/coach-sync/internal/session"
	"github.com/alexjbarnes/coach-sync/internal/state"
	"github.com/caarlos0/env/v11"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

var Version = "dev"

func main() {
	// Handle subcommands before config loading.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "hash-key":
			if err := hashKey(os.Stdin, os.Stdout, os.Stderr); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}

			return

		case "snapshot":
			if err := dumpSnapshot(os.Stdout, os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}

			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashKey reads an API key from in and prints its bcrypt hash. An empty
// line generates a new key, which is printed to msg.
func hashKey(in io.Reader, out, msg io.Writer) error {
	fmt.Fprint(msg, "Enter API key (empty to generate one): ")

	scanner := bufio.NewScanner(in)

	var key string
	if scanner.Scan() {
		key = strings.TrimSpace(scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading key: %w", err)
	}

	if key == "" {
		generated, hash, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}

		fmt.Fprintf(msg, "\nAPI key: %s\n", generated)
		fmt.Fprintln(out, hash)

		return nil
	}

	hash, err := auth.HashAPIKey(key)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, hash)

	return nil
}

// snapshotConfig is the configuration the snapshot subcommand needs. It
// does not require the backend URLs.
type snapshotConfig struct {
	StatePath string `env:"STATE_PATH"`
}

// dumpSnapshot prints the cached snapshot of an actor as YAML. Without an
// actor argument it uses the actor saved most recently.
func dumpSnapshot(out io.Writer, args []string) error {
	var cfg snapshotConfig
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	if cfg.StatePath == "" {
		dir, err := config.DefaultDir()
		if err != nil {
			return err
		}

		cfg.StatePath = filepath.Join(dir, "state.db")
	}

	st, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer st.Close()

	actorID := st.LastActor()
	if len(args) > 0 {
		actorID = args[0]
	}

	if actorID == "" {
		return fmt.Errorf("no cached snapshot")
	}

	snap, ok, err := st.Snapshot(actorID)
	if err != nil {
		return err
	}

	if !ok {
		actors, _ := st.Actors()
		return fmt.Errorf("no cached snapshot for %q, cached actors: %s", actorID, strings.Join(actors, ", "))
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)

	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	return enc.Close()
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("coach-sync starting",
		slog.String("version", Version),
		slog.String("api", cfg.APIBaseURL),
		slog.Bool("control", cfg.EnableControl),
	)

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	var rec *metrics.Recorder
	if cfg.EnableMetrics {
		rec = metrics.New()
	}

	guard := session.NewGuard(logger.With(slog.String("component", "session")))

	// The watcher is the token source for both clients but needs the
	// engine as its listener, so the clients read it through a closure.
	var watcher *session.Watcher

	token := func() string { return watcher.Token() }

	remote := api.NewClient(api.Options{
		BaseURL: cfg.APIBaseURL,
		Token:   token,
		Timeout: cfg.RequestTimeout,
		Rate:    cfg.RequestRate,
		Burst:   cfg.RequestBurst,
	})

	feedClient := feed.NewClient(feed.Options{
		URL:    cfg.FeedURL,
		Token:  token,
		Logger: logger.With(slog.String("component", "feed")),
	})

	eng := engine.New(engine.Options{
		Remote:         remote,
		Feed:           feedClient,
		Cache:          appState,
		Guard:          guard,
		Logger:         logger,
		Metrics:        rec,
		MatchTolerance: cfg.MatchTolerance,
		OnAuthExpired:  func() { watcher.Invalidate() },
	})

	watcher = session.NewWatcher(cfg.SessionFile, eng, logger.With(slog.String("component", "session")))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := watcher.Watch(gctx)
		eng.Close()

		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	if cfg.EnableControl {
		g.Go(func() error {
			return runControl(gctx, cfg, eng, rec, logger)
		})
	}

	return g.Wait()
}

// runControl serves the MCP tools, health and metrics endpoints.
func runControl(ctx context.Context, cfg *config.Config, eng *engine.Engine, rec *metrics.Recorder, logger *slog.Logger) error {
	controlLogger := logger.With(slog.String("service", "control"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "coach-sync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, eng)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	muxCfg := server.MuxConfig{
		APIKeyHash: cfg.ControlAPIKeyHash,
		MCPHandler: mcpHandler,
		Status:     eng.Snapshot,
		Logger:     controlLogger,
	}
	if rec != nil {
		muxCfg.Metrics = rec.Handler()
	}

	srv := &http.Server{
		Addr:         cfg.ControlListenAddr,
		Handler:      server.NewMux(muxCfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		controlLogger.Info("shutting down control server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	controlLogger.Info("starting control server",
		slog.String("listen", cfg.ControlListenAddr),
		slog.Bool("metrics", rec != nil),
	)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control server error: %w", err)
	}

	return nil
}
