// ABOUTME: Entry point for the RPA dispatch orchestrator.
// ABOUTME: Commands: serve, init, health, agents. Exit codes: 0 ok, 1 startup, 2 config.

package main

import (
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
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/martingrgv/Strategic-RPA/internal/config"
	"github.com/martingrgv/Strategic-RPA/internal/gateway"
)

// version is set at build time.
var version = "dev"

const banner = `
  ____  _             _             _         ____  ____   _
 / ___|| |_ _ __ __ _| |_ ___  __ _(_) ___   |  _ \|  _ \ / \
 \___ \| __| '__/ _' | __/ _ \/ _' | |/ __|  | |_) | |_) / _ \
  ___) | |_| | | (_| | ||  __/ (_| | | (__   |  _ <|  __/ ___ \
 |____/ \__|_|  \__,_|\__\___|\__, |_|\___|  |_| \_\_| /_/   \_\
                              |___/
`

// exit codes per the process contract.
const (
	exitOK      = 0
	exitStartup = 1
	exitConfig  = 2
)

// getConfigPath returns the path to the orchestrator config file.
// Priority: RPA_CONFIG env var > XDG_CONFIG_HOME/strategic-rpa/orchestrator.yaml
// > ~/.config/strategic-rpa/orchestrator.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RPA_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "orchestrator.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "strategic-rpa", "orchestrator.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: rpa-orchestrator <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the orchestrator")
		fmt.Println("  init      Write a default config file")
		fmt.Println("  health    Check orchestrator health")
		fmt.Println("  agents    List registered agents")
		os.Exit(exitStartup)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(exitStartup)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var cfgErr *configError
		if errors.As(err, &cfgErr) {
			os.Exit(exitConfig)
		}
		os.Exit(exitStartup)
	}
	os.Exit(exitOK)
}

// configError marks failures that should exit with the configuration code.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// loadConfig loads the config file, falling back to built-in defaults
// when no file exists at the resolved path.
func loadConfig() (*config.Config, string, error) {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config.Default(), configPath + " (defaults)", nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, &configError{err: err}
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:    %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Agents:  %d default, recycle after %d jobs\n", cfg.Agent.DefaultCount, cfg.Agent.RecycleAfterJobs)
	fmt.Println()

	logger := setupLogger(cfg.Logging)
	logger.Info("starting orchestrator",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"tick", cfg.Scheduler.Tick,
	)

	orch := gateway.New(cfg, nil, nil, logger)
	return orch.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{level: level}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/agents", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("agents check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	configContent := `# strategic-rpa orchestrator configuration
# Generated by rpa-orchestrator init

server:
  http_addr: "localhost:8080"

rdp:
  base_port: 3390

scheduler:
  tick: "5s"
  send_timeout: "10s"

agent:
  heartbeat_timeout: "5m"
  recycle_after_jobs: 50
  default_count: 2

session:
  inactivity_timeout: "2h"
  max_jobs: 50

job:
  timeout: "30m"

history:
  max_completed: 1000

transport:
  circuit_failures: 5
  circuit_cooldown: "30s"

logging:
  level: "info"
  format: "text"
`

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("Config written to %s\n", configPath)
	fmt.Println("\nTo start the orchestrator:")
	fmt.Println("  rpa-orchestrator serve")
	return nil
}
