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
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/pilltrack/internal/api"
	"github.com/kalambet/pilltrack/internal/cloudsync"
	"github.com/kalambet/pilltrack/internal/config"
	"github.com/kalambet/pilltrack/internal/remote"
	"github.com/kalambet/pilltrack/internal/schedule"
	"github.com/kalambet/pilltrack/internal/storage"
	"github.com/kalambet/pilltrack/internal/telemetry"
	"github.com/kalambet/pilltrack/internal/tracker"
	"github.com/kalambet/pilltrack/internal/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the pilltrack server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running pilltrack server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, schedule and sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "pilltrack.pid")
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

func removePIDFile(path string) {
	os.Remove(path)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// remoteDeps is the remote store plus the credential handles sign-in and
// sign-out need. Every field is nil when sync is not configured.
type remoteDeps struct {
	store       remote.Store
	tokens      api.TokenSetter
	credentials cloudsync.Credentials
}

func buildRemote(sc config.SyncConfig, secrets remote.SecretStore) (remoteDeps, error) {
	if sc.RemoteURL == "" {
		return remoteDeps{}, nil
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}

	var deps remoteDeps
	var tokens remote.TokenSource
	if sc.OAuthEnabled() {
		src := remote.NewOAuthTokenSource(&oauth2.Config{
			ClientID:     sc.OAuthClientID,
			ClientSecret: sc.OAuthClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: sc.OAuthTokenURL},
		}, remote.KeychainTokenStore{
			Secrets: secrets,
			Service: config.KeychainService,
			Account: config.OAuthTokenAccount,
		}, httpClient)
		tokens = src
		deps.tokens = src
		deps.credentials = src
	} else {
		tokens = remote.StaticToken(sc.RemoteToken)
	}

	store, err := remote.NewHTTPStore(remote.HTTPStoreOptions{
		BaseURL:    sc.RemoteURL,
		Tokens:     tokens,
		HTTPClient: httpClient,
	})
	if err != nil {
		return remoteDeps{}, fmt.Errorf("configuring remote store: %w", err)
	}
	deps.store = store
	return deps, nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "pilltrack version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	// Ensure API token exists in platform secret store.
	keychain := config.NewKeychain()
	apiToken, err := config.GetAPIToken(keychain)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("pilltrack is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("pilltrack is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, cfg.Telemetry, "pilltrack", version, os.Stderr)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("flushing telemetry", "error", err)
		}
	}()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// A crash mid-cycle leaves the sync job claimed; put it back in the queue.
	if n, err := store.RequeueRunningJobs(); err != nil {
		return fmt.Errorf("requeueing interrupted jobs: %w", err)
	} else if n > 0 {
		slog.Info("requeued interrupted jobs", "count", n)
	}

	rd, err := buildRemote(cfg.Sync, keychain)
	if err != nil {
		return err
	}
	if rd.store == nil {
		slog.Info("remote backup not configured; sync disabled")
	}

	engine := schedule.NewEngine(store)
	coord, err := cloudsync.New(cloudsync.Options{
		Prefs:       store,
		Replacer:    engine,
		Remote:      rd.store,
		Scheduler:   worker.NewSyncScheduler(store, cfg.Sync.MaxAttempts),
		Credentials: rd.credentials,
		Debounce:    cfg.Sync.DebounceDelay(),
		Logger:      logger.With("component", "sync"),
	})
	if err != nil {
		return fmt.Errorf("creating sync coordinator: %w", err)
	}

	tr, err := tracker.New(tracker.Options{
		Prefs:  store,
		Engine: engine,
		Sync:   coord,
		Wiper:  store,
		Logger: logger.With("component", "tracker"),
	})
	if err != nil {
		return fmt.Errorf("creating tracker: %w", err)
	}
	if _, err := tr.OnAppForeground(); err != nil {
		return fmt.Errorf("loading schedule: %w", err)
	}

	w := worker.New(store, worker.Options{
		Online:     worker.ReachableProbe(cfg.Sync.RemoteURL, 3*time.Second),
		MaxElapsed: cfg.Sync.RetryMaxElapsedTime(),
		OnGiveUp: func(job *storage.Job, err error) {
			coord.GiveUp(err)
		},
		Logger: logger.With("component", "worker"),
	})
	w.Handle(worker.JobTypeSync, worker.SyncHandler(coord.HandleSyncJob))

	appDeps := api.AppDeps{
		Tracker:        tr,
		Token:          apiToken,
		AllowedOrigins: cfg.Server.AllowedOrigins(),
	}
	if rd.tokens != nil {
		appDeps.Tokens = rd.tokens
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewAppHandler(appDeps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		w.Run(gctx)
		return nil
	})
	g.Go(func() error {
		tr.Run(gctx)
		return nil
	})

	if cfg.Server.MCPStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Tracker: tr, Version: version})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "pilltrack listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("pilltrack is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop pilltrack (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to pilltrack (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := err == nil && resp.StatusCode == http.StatusOK
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case running:
		resp.Body.Close()
		printStatus("Server", "running on port %d", cfg.Server.Port)
	default:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}

	if cfg.Sync.RemoteURL == "" {
		printStatus("Backup", "not configured")
	} else {
		printStatus("Backup", "%s", cfg.Sync.RemoteURL)
	}

	if running {
		c, err := newAPIClient()
		if err == nil {
			var v tracker.View
			if resp, err := c.get(ctx, "/schedule"); err == nil && decodeJSON(resp, &v) == nil {
				printStatus("Cycle", "%s", cycleLabel(v))
			}
			var sv tracker.SyncView
			if resp, err := c.get(ctx, "/sync/status"); err == nil && decodeJSON(resp, &sv) == nil {
				printStatus("Sync", "%s", syncLabel(sv))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
