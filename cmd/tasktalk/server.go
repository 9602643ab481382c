package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
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
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/tasktalk/internal/api"
	"github.com/kalambet/tasktalk/internal/auth"
	"github.com/kalambet/tasktalk/internal/chat"
	"github.com/kalambet/tasktalk/internal/config"
	"github.com/kalambet/tasktalk/internal/intent"
	"github.com/kalambet/tasktalk/internal/llm"
	"github.com/kalambet/tasktalk/internal/ratelimit"
	"github.com/kalambet/tasktalk/internal/storage"
	"github.com/kalambet/tasktalk/internal/tools"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tasktalk server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running tasktalk server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tasktalk status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the task tools over MCP on stdin/stdout",
	Long: `Serve the task tools over the Model Context Protocol on stdin/stdout.

Every tool call acts on the tasks of the user given by --owner (a user id or
an email address). Logs go to stderr.

Example:
  tasktalk mcp --owner me@example.com`,
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		return runMCPStdio(cmd.Context(), owner, os.Stdin, os.Stdout)
	},
}

func init() {
	mcpCmd.Flags().String("owner", "", "user id or email the tools act for")
	_ = mcpCmd.MarkFlagRequired("owner")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "tasktalk.pid")
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

// newLogger builds the process logger from the log.* settings. Unknown
// levels fall back to info.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func openStore(cfg config.Config, logger *slog.Logger) (storage.Backend, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		return storage.OpenPostgres(cfg.Storage.DatabaseURL, logger)
	default:
		return storage.Open(cfg.Storage.DataDir)
	}
}

func newExecutor(store storage.Backend, timeout time.Duration) *tools.Executor {
	reg := tools.NewRegistry()
	tools.RegisterTaskTools(reg, store)
	return tools.NewExecutor(reg, timeout)
}

// newResolver picks the intent resolver named by chat.resolver. The model
// resolver falls back to pattern matching when no API key is configured for
// a hosted provider.
func newResolver(ctx context.Context, cfg config.Config, reg *tools.Registry) (intent.Resolver, error) {
	if cfg.Chat.Resolver == config.ResolverPattern {
		return intent.NewPatternResolver(), nil
	}

	var completer llm.Completer
	switch cfg.LLM.Provider {
	case config.ProviderOllama:
		c := llm.NewOllama(cfg.LLMBaseURL(), cfg.LLMModel())
		if err := c.EnsureModel(ctx, os.Stderr); err != nil {
			return nil, err
		}
		completer = c
	default:
		if cfg.LLM.APIKey == "" {
			slog.Warn("llm.api_key is not set, using the pattern resolver")
			return intent.NewPatternResolver(), nil
		}
		completer = llm.NewOpenAI(cfg.LLM.APIKey, cfg.LLMBaseURL(), cfg.LLMModel(), "tasktalk")
	}
	return intent.NewModelResolver(completer, reg, cfg.Chat.ResolverTimeout), nil
}

func runServer(ctx context.Context) error {
	fmt.Fprintf(os.Stderr, "tasktalk version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	// Refuse to start twice against the same data dir.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("tasktalk is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("tasktalk is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	exec := newExecutor(store, cfg.Chat.ToolTimeout)
	resolver, err := newResolver(ctx, cfg, exec.Registry())
	if err != nil {
		return err
	}
	orchestrator := chat.New(store, resolver, exec, cfg.Chat.HistoryLimit)

	tokens, err := auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	deps := api.Deps{
		Store:       store,
		Auth:        auth.NewService(store, tokens),
		Chat:        orchestrator,
		MCP:         api.NewMCPServer(exec, nil, version),
		CORSOrigins: cfg.CORSOriginList(),
	}
	if cfg.RateLimit.RedisAddr != "" {
		limiter, err := ratelimit.New(cfg.RateLimit.RedisAddr, cfg.RateLimit.RedisPassword, "", cfg.RateLimit.ChatPerMinute, time.Minute)
		if err != nil {
			return fmt.Errorf("creating rate limiter: %w", err)
		}
		defer limiter.Close()
		if err := limiter.Ping(ctx); err != nil {
			slog.Warn("redis not reachable, chat rate limit fails open until it is", "addr", cfg.RateLimit.RedisAddr, "error", err)
		}
		deps.Limiter = limiter
	}

	srv := &http.Server{
		Handler:           api.NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Addr(), err)
	}
	if cfg.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("tasktalk listening",
			"addr", ln.Addr().String(),
			"storage", cfg.Storage.Driver,
			"resolver", cfg.Chat.Resolver,
			"rate_limit", cfg.RateLimit.RedisAddr != "",
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// resolveOwner accepts a user id or an email address.
func resolveOwner(store storage.Backend, owner string) (storage.User, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return storage.User{}, errors.New("--owner is required")
	}
	u, err := store.GetUser(owner)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, err
	}
	u, err = store.GetUserByEmail(strings.ToLower(owner))
	if errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, fmt.Errorf("no user %q, sign up first", owner)
	}
	return u, err
}

func runMCPStdio(ctx context.Context, owner string, in io.Reader, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// stdout carries the protocol.
	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	user, err := resolveOwner(store, owner)
	if err != nil {
		return err
	}

	exec := newExecutor(store, cfg.Chat.ToolTimeout)
	stdio := server.NewStdioServer(api.NewMCPServer(exec, api.FixedOwner(user.ID), version))
	slog.Info("MCP server started (stdio transport)", "owner", user.ID)
	if err := stdio.Listen(ctx, in, out); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp stdio: %w", err)
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
		printError("tasktalk is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop tasktalk (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to tasktalk (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	client.httpClient = &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.get(ctx, "/health")
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		running = true
		printStatus("Server", "running at %s", client.baseURL)
	default:
		resp.Body.Close()
		printStatus("Server", "degraded (HTTP %d)", resp.StatusCode)
	}

	printStatus("Storage", "%s", cfg.Storage.Driver)
	if cfg.Chat.Resolver == config.ResolverModel {
		printStatus("Resolver", "model (%s %s)", cfg.LLM.Provider, cfg.LLMModel())
	} else {
		printStatus("Resolver", "pattern")
	}

	if running && client.token != "" {
		var me struct {
			User storage.User `json:"user"`
		}
		if resp, err := client.get(ctx, "/api/auth/me"); err == nil {
			if decodeJSON(resp, &me) == nil {
				printStatus("User", "%s", me.User.Email)
			} else {
				printStatus("User", "token rejected, run: tasktalk login")
			}
		}
		var tasks []storage.Task
		if resp, err := client.get(ctx, "/api/tasks?status=pending"); err == nil && decodeJSON(resp, &tasks) == nil {
			printStatus("Pending tasks", "%d", len(tasks))
		}
	} else if client.token == "" {
		printStatus("User", "not logged in")
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
