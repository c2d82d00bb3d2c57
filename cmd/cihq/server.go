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

	"github.com/kalambet/cihq/internal/analysis"
	"github.com/kalambet/cihq/internal/api"
	"github.com/kalambet/cihq/internal/auth"
	"github.com/kalambet/cihq/internal/config"
	"github.com/kalambet/cihq/internal/jobs"
	"github.com/kalambet/cihq/internal/prompt"
	"github.com/kalambet/cihq/internal/proxy"
	"github.com/kalambet/cihq/internal/report"
	"github.com/kalambet/cihq/internal/reportstore"
	"github.com/kalambet/cihq/internal/reportsync"
	"github.com/kalambet/cihq/internal/retrieval"
	"github.com/kalambet/cihq/internal/settings"
	"github.com/kalambet/cihq/internal/snapshot"
	"github.com/kalambet/cihq/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the cihq server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running cihq server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cihq system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the report tools over MCP (stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "cihq.pid")
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

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// app is the wired service graph shared by the HTTP and MCP front ends.
type app struct {
	store     *storage.Store
	jobs      *jobs.Manager
	settings  *settings.Manager
	service   *analysis.Service
	retriever *retrieval.Retriever
	authc     *auth.Client
	sessions  *auth.SessionSource
	syncer    *reportsync.Worker
	sweeper   *jobs.Sweeper
}

func buildApp(cfg config.Config) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	a := &app{store: store}
	local := store.Reports()

	// The hosted store and the identity provider are optional; without them
	// every report stays in the local corpus.
	var (
		remote report.Store
		users  analysis.UserSource
	)
	if cfg.Store.URL != "" && cfg.Store.AnonKey != "" {
		a.authc = auth.NewClient(cfg.Store.URL, cfg.Store.AnonKey)
		a.sessions = auth.NewSessionSource(store, a.authc)
		remote = reportstore.NewClient(cfg.Store.URL, cfg.Store.AnonKey, cfg.Store.Table, a.sessions)
		users = a.sessions
		a.syncer = reportsync.NewWorker(store, local, remote, a.sessions, 0)
	} else {
		slog.Info("hosted report store not configured, reports are kept locally")
	}

	a.retriever = retrieval.NewRetriever(remote, local, users, cfg.Retrieval.Limit)
	a.jobs = jobs.NewManager(store, cfg.Jobs.StaleAfter)
	a.settings = settings.NewManager(store, settings.Settings{
		InitialModel: cfg.LLM.InitialModel,
		DeepModel:    cfg.LLM.DeepModel,
	})

	a.sweeper, err = jobs.NewSweeper(a.jobs, cfg.Jobs.SweepSchedule)
	if err != nil {
		store.Close()
		return nil, err
	}

	deps := analysis.Deps{
		Jobs:      a.jobs,
		Fetcher:   snapshot.NewFetcher(cfg.Jobs.ExtractTimeout).WithExtractor(&snapshot.Extractor{FullBody: cfg.Snapshot.FullBody}),
		LLM:       proxy.NewClientWithBaseURL(cfg.LLM.APIKey, cfg.LLM.BaseURL),
		Prompts:   prompt.New(cfg.Retrieval.ChunkSize),
		Settings:  a.settings,
		Remote:    remote,
		Local:     local,
		Retriever: a.retriever,
		State:     store,
		Threads:   store,
		Sync:      store,
		Users:     users,
		Limits: analysis.Limits{
			ExtractTimeout:      cfg.Jobs.ExtractTimeout,
			CompletionTimeout:   cfg.Jobs.CompletionTimeout,
			AnalysisMaxTokens:   cfg.LLM.AnalysisMaxTokens,
			AnalysisTemperature: cfg.LLM.AnalysisTemperature,
			ChatMaxTokens:       cfg.LLM.ChatMaxTokens,
			ChatTemperature:     cfg.LLM.ChatTemperature,
		},
	}
	a.service = analysis.NewService(deps)
	return a, nil
}

// run starts the background workers until ctx is cancelled.
func (a *app) run(ctx context.Context) {
	a.sweeper.Start()
	if a.syncer != nil {
		go a.syncer.Run(ctx)
	}
}

func (a *app) close() {
	a.sweeper.Stop()
	a.jobs.Close()
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

func (a *app) handlerDeps(token string, listenerTimeout time.Duration) api.Deps {
	deps := api.Deps{
		Service:         a.service,
		Jobs:            a.jobs,
		Settings:        a.settings,
		Token:           token,
		ListenerTimeout: listenerTimeout,
	}
	if a.authc != nil {
		deps.Auth = a.authc
		deps.Sessions = a.sessions
	}
	return deps
}

func (a *app) mcpDeps(listenerTimeout time.Duration) api.MCPDeps {
	return api.MCPDeps{
		Service:         a.service,
		Jobs:            a.jobs,
		Retriever:       a.retriever,
		Settings:        a.settings,
		ListenerTimeout: listenerTimeout,
	}
}

func loadServerConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	setupLogging(cfg.Log.Level)
	return cfg, nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "cihq version %s\n", version)

	cfg, err := loadServerConfig()
	if err != nil {
		return err
	}

	apiToken, err := config.GetAPIToken(config.NewSecretStore())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start a second server on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("cihq is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("cihq is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()
	a.run(ctx)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(a.handlerDeps(apiToken, cfg.Jobs.ListenerTimeout)),
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "cihq listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runMCP serves the MCP tools on stdin/stdout. Jobs started here run in this
// process; a server started with `cihq start` sees their results through the
// shared database.
func runMCP() error {
	cfg, err := loadServerConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()
	a.run(ctx)

	stdioSrv := server.NewStdioServer(api.NewMCPServer(a.mcpDeps(cfg.Jobs.ListenerTimeout)))
	slog.Info("MCP server started (stdio transport)")
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
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
		printError("cihq is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop cihq (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to cihq (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("LLM endpoint", "%s", cfg.LLM.BaseURL)
	printStatus("Initial model", "%s", cfg.LLM.InitialModel)
	printStatus("Deep model", "%s", cfg.LLM.DeepModel)
	if cfg.Store.URL != "" {
		printStatus("Report store", "%s (table %s)", cfg.Store.URL, cfg.Store.Table)
	} else {
		printStatus("Report store", "local only")
	}

	if running {
		if c, err := newAPIClient(); err == nil {
			c.httpClient = client
			printServerStatus(ctx, c)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func printServerStatus(ctx context.Context, c *apiClient) {
	var usage analysis.Usage
	if resp, err := c.get(ctx, "/v1/usage"); err == nil && decodeJSON(resp, &usage) == nil {
		printStatus("API calls", "%d today, %d total", usage.CallsToday, usage.CallsTotal)
	}

	var session struct {
		User auth.User `json:"user"`
	}
	if resp, err := c.get(ctx, "/v1/auth/session"); err == nil && decodeJSON(resp, &session) == nil {
		printStatus("Signed in", "%s", session.User.Email)
	} else {
		printStatus("Signed in", "no")
	}
}
