// ABOUTME: Entry point for the stream-gateway server
// ABOUTME: Serves agent file, sync, heartbeat and kill streams plus the HTTP file API

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
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
	"github.com/spf13/pflag"

	"github.com/2389/stream-gateway/internal/config"
	"github.com/2389/stream-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _                                              _
 ___| |_ _ __ ___  __ _ _ __ ___         __ _  __ _| |_ _____      ____ _ _   _
/ __| __| '__/ _ \/ _' | '_ ' _ \ _____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
\__ \ |_| | |  __/ (_| | | | | | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|___/\__|_|  \___|\__,_|_| |_| |_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                        |___/                             |___/
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: stream-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                        Start the gateway server")
		fmt.Println("  init                         Create a new config file interactively")
		fmt.Println("  health                       Check gateway health")
		fmt.Println("  agents                       List jobs with connected agents")
		fmt.Println("  kill JOB_ID [--reason TEXT]  Send a kill notification to a job's agent")
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
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "kill":
		err = runKill(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the config file, or the defaults when none exists yet.
func loadConfig() (*config.Config, string, error) {
	configPath := config.Path()
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		return config.Default(), "", nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	if configPath == "" {
		fmt.Print("Config:    ")
		yellow.Println("defaults (no config file)")
	} else {
		fmt.Printf("Config:    %s\n", configPath)
	}
	green.Print("    ▶ ")
	fmt.Printf("Server ID: %s\n", cfg.Server.ServerID)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Jobs:      %s\n", cfg.Files.JobsDir)
	green.Print("    ▶ ")
	fmt.Printf("Routing:   ")
	cyan.Print(cfg.Routing.Backend)
	if cfg.Routing.Backend == "redis" {
		gray.Printf(" (route ttl %s)", cfg.Routing.RouteTTL)
	}
	fmt.Println()
	fmt.Println()

	logger.Info("starting stream-gateway",
		"config", configPath,
		"server_id", cfg.Server.ServerID,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
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

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			mu:    &sync.Mutex{},
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
// Handlers derived with WithAttrs share the parent's mutex.
type colorHandler struct {
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
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

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprint(color.Output, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		mu:     h.mu,
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
		mu:     h.mu,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// apiRequest sends a request to the local gateway's HTTP API.
func apiRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return http.DefaultClient.Do(req)
}

func runHealth(ctx context.Context) error {
	resp, err := apiRequest(ctx, http.MethodGet, "/health", nil)
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
	resp, err := apiRequest(ctx, http.MethodGet, "/api/agents", nil)
	if err != nil {
		return fmt.Errorf("agents check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agents check failed: status %d", resp.StatusCode)
	}

	var agents gateway.AgentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	cyan.Printf("  Server %s\n", agents.ServerID)
	sections := []struct {
		title string
		jobs  []string
	}{
		{"Control streams", agents.ControlStreams},
		{"Heartbeats", agents.Heartbeats},
		{"Sync sessions", agents.SyncSessions},
		{"Kill registrations", agents.KillRegistrations},
	}
	for _, s := range sections {
		fmt.Printf("  %-20s %d\n", s.title+":", len(s.jobs))
		for _, jobID := range s.jobs {
			gray.Printf("    %s\n", jobID)
		}
	}
	return nil
}

func runKill(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("kill", pflag.ContinueOnError)
	reason := flags.StringP("reason", "r", "", "Reason reported to the agent")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: stream-gateway kill JOB_ID [--reason TEXT]")
	}
	jobID := flags.Arg(0)

	resp, err := apiRequest(ctx, http.MethodPost, "/api/jobs/"+jobID+"/kill", gateway.KillRequest{Reason: *reason})
	if err != nil {
		return fmt.Errorf("kill request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		color.Green("  ✓ Kill sent to job %s", jobID)
		return nil
	case http.StatusMisdirectedRequest:
		var misdirected gateway.MisdirectedResponse
		if err := json.NewDecoder(resp.Body).Decode(&misdirected); err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		return fmt.Errorf("job %s is connected to server %s", jobID, misdirected.ServerID)
	case http.StatusNotFound:
		return fmt.Errorf("no agent registered for kill notifications for job %s", jobID)
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("kill failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("stream-gateway configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	defaults := config.Default()

	outputFile := prompt(reader, "Config file path", config.Path())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	grpcAddr := prompt(reader, "gRPC address", "localhost:50051")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")
	serverID := prompt(reader, "Server ID", defaults.Server.ServerID)

	fmt.Println("\n--- Storage Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaults.Database.Path)
	jobsDir := prompt(reader, "Job files directory", defaults.Files.JobsDir)

	fmt.Println("\n--- Routing Configuration ---")
	backend := prompt(reader, "Routing back end (store/redis)", "store")
	var redisURL string
	if backend == "redis" {
		redisURL = prompt(reader, "Redis URL", "redis://localhost:6379/0")
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# stream-gateway configuration\n")
	cfg.WriteString("# Generated by stream-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  grpc_addr: \"%s\"\n", grpcAddr))
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString(fmt.Sprintf("  server_id: \"%s\"\n", serverID))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("files:\n")
	cfg.WriteString(fmt.Sprintf("  jobs_dir: \"%s\"\n", jobsDir))
	cfg.WriteString("\n")

	cfg.WriteString("routing:\n")
	cfg.WriteString(fmt.Sprintf("  backend: \"%s\"\n", backend))
	if redisURL != "" {
		cfg.WriteString(fmt.Sprintf("  redis_url: \"%s\"\n", redisURL))
		cfg.WriteString("  route_ttl: \"30s\"\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("agents:\n")
	cfg.WriteString("  heartbeat_interval: \"5s\"\n")
	cfg.WriteString("  file_transfer_begin_timeout: \"3s\"\n")
	cfg.WriteString("  file_transfer_stalled_timeout: \"20s\"\n")
	cfg.WriteString("  max_concurrent_transfers: 100\n")
	cfg.WriteString("  sync_ack_interval: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  stream-gateway serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
