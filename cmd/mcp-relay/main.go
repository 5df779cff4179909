// ABOUTME: Entry point for the mcp-relay message broker.
// ABOUTME: Bridges MCP servers and robot clients over WebSocket.

package main

import (
	"bufio"
	"context"
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
	"time"

	"github.com/fatih/color"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/relaylabs/mcp-relay/internal/auth"
	"github.com/relaylabs/mcp-relay/internal/config"
	"github.com/relaylabs/mcp-relay/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                    _
 _ __ ___   ___ _ __      _ __ ___ | | __ _ _   _
| '_ ' _ \ / __| '_ \ ___| '__/ _ \| |/ _' | | | |
| | | | | | (__| |_) |___| | |  __/| | (_| | |_| |
|_| |_| |_|\___| .__/    |_|  \___||_|\__,_|\__, |
               |_|                          |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: MCP_RELAY_CONFIG env var > XDG_CONFIG_HOME/mcp-relay/config.yaml > ~/.config/mcp-relay/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MCP_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "mcp-relay", "config.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: mcp-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve             Start the relay server")
		fmt.Println("  init              Create a new config file interactively")
		fmt.Println("  token AGENT_ID    Generate a connection token for an agent")
		fmt.Println("  health            Check relay health")
		fmt.Println("  stats             Show per-agent connection stats")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken()
	case "health":
		err = runHealth(ctx)
	case "stats":
		err = runStats(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Listen:  %s\n", cfg.Server.ListenAddr)
	green.Print("    ▶ ")
	if cfg.Auth.JWTSecret != "" {
		fmt.Println("Auth:    JWT")
	} else {
		fmt.Println("Auth:    passthrough (token used as agent id)")
	}
	fmt.Println()

	logger.Info("starting mcp-relay",
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
	)

	srv := server.New(cfg, logger)
	return srv.Run(ctx)
}

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	reader := bufio.NewReader(os.Stdin)

	fmt.Printf("Listen address [127.0.0.1:8004]: ")
	listenAddr, _ := reader.ReadString('\n')
	listenAddr = strings.TrimSpace(listenAddr)
	if listenAddr == "" {
		listenAddr = "127.0.0.1:8004"
	}

	fmt.Printf("JWT secret (empty for passthrough auth): ")
	jwtSecret, _ := reader.ReadString('\n')
	jwtSecret = strings.TrimSpace(jwtSecret)

	fmt.Printf("Stats key (empty to leave health/stats open): ")
	statsKey, _ := reader.ReadString('\n')
	statsKey = strings.TrimSpace(statsKey)

	content := fmt.Sprintf(`server:
  listen_addr: %q
  ping_interval: 30s

auth:
  jwt_secret: %q

broker:
  call_timeout: 30s
  broadcast_timeout: 15s

security:
  stats_key: %q

logging:
  level: info
  format: text
`, listenAddr, jwtSecret, statsKey)

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Config written to %s\n", configPath)
	return nil
}

func runToken() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: mcp-relay token AGENT_ID")
	}
	agentID := os.Args[2]

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		fmt.Println(agentID)
		fmt.Fprintln(os.Stderr, "note: no jwt_secret configured, the agent id is its own token")
		return nil
	}

	resolver := auth.NewJWTResolver([]byte(cfg.Auth.JWTSecret))
	token, err := resolver.Generate(agentID, 365*24*time.Hour)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	body, err := fetchEndpoint(ctx, "health")
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}

func runStats(ctx context.Context) error {
	body, err := fetchEndpoint(ctx, "stats")
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}

func fetchEndpoint(ctx context.Context, name string) ([]byte, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/mcp_endpoint/%s", cfg.Server.ListenAddr, name)
	if cfg.Security.StatsKey != "" {
		url += "?key=" + cfg.Security.StatsKey
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s check failed: %w", name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
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

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize == 0 {
			maxSize = 10
		}
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxBackups: cfg.MaxBackups,
		})
	}

	var handler slog.Handler
	switch {
	case cfg.Format == "json":
		handler = slog.NewJSONHandler(out, opts)
	case cfg.File != "":
		// Color codes would end up in the rotated file.
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = &colorHandler{
			level: level,
		}
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
