// ABOUTME: Entry point for the coursechat-gateway server
// ABOUTME: Loads config, prints the startup banner and runs the gateway until signaled

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coursechat-gateway/internal/config"
	"github.com/2389/coursechat-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                               _           _
  ___ ___  _   _ _ __ ___  ___| |__   __ _| |_
 / __/ _ \| | | | '__/ __|/ _ \ '_ \ / _' | __|
| (_| (_) | |_| | |  \__ \  __/ | | | (_| | |_
 \___\___/ \__,_|_|  |___/\___|_| |_|\__,_|\__|
`

// getConfigPath returns the path to the gateway config file.
// Priority: COURSECHAT_CONFIG env var > XDG_CONFIG_HOME/coursechat/gateway.yaml > ~/.config/coursechat/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COURSECHAT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coursechat", "gateway.yaml")
}

// getDataPath returns the path to the coursechat data directory.
// Priority: XDG_DATA_HOME/coursechat > ~/.local/share/coursechat
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coursechat")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coursechat-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the gateway server")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  health   Check gateway readiness")
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
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Tenants:   %s\n", cfg.Tenants.Path)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("Health:    %s (gRPC)\n", cfg.Server.GRPCAddr)
	}
	if cfg.RateLimit.RedisAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("Limit:     %d turns / %s ", cfg.RateLimit.Limit, cfg.RateLimit.Window)
		gray.Printf("(redis %s)\n", cfg.RateLimit.RedisAddr)
	}
	if cfg.History.PersistReplies {
		green.Print("    ▶ ")
		fmt.Println("Replies:   stored by the gateway")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting coursechat-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	go reloadOnHangup(ctx, gw, logger)

	return gw.Run(ctx)
}

// reloadOnHangup re-reads the tenant catalog on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, gw *gateway.Gateway, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logger.Info("SIGHUP received, reloading tenant catalog")
			_ = gw.ReloadTenants()
		}
	}
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
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
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}

	fmt.Println("ready")
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coursechat-gateway configuration setup")
	fmt.Println("======================================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()

	outputFile := prompt(reader, "Config file path", defaultConfigPath)
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")
	grpcAddr := prompt(reader, "gRPC health address (empty to disable)", "")

	fmt.Println("\n--- Storage ---")
	dbPath := prompt(reader, "SQLite history database path", filepath.Join(defaultDataPath, "history.db"))
	tenantsPath := prompt(reader, "Tenant catalog path", filepath.Join(filepath.Dir(outputFile), "tenants.yaml"))

	fmt.Println("\n--- Backends ---")
	endpoint := prompt(reader, "Completion endpoint (empty to use openai_resource per tenant)", "")

	fmt.Println("\n--- Rate Limiting ---")
	redisAddr := prompt(reader, "Redis address (empty to disable)", "")

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	secret, err := generateSecret()
	if err != nil {
		return err
	}

	var cfg strings.Builder
	cfg.WriteString("# coursechat-gateway configuration\n")
	cfg.WriteString("# Generated by coursechat-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	if grpcAddr != "" {
		cfg.WriteString(fmt.Sprintf("  grpc_addr: \"%s\"\n", grpcAddr))
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n\n", dbPath))

	cfg.WriteString("tenants:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n\n", tenantsPath))

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n\n", secret))

	cfg.WriteString("backends:\n")
	if endpoint != "" {
		cfg.WriteString(fmt.Sprintf("  endpoint: \"%s\"\n", endpoint))
	}
	cfg.WriteString("  stream: true\n\n")

	if redisAddr != "" {
		cfg.WriteString("ratelimit:\n")
		cfg.WriteString(fmt.Sprintf("  redis_addr: \"%s\"\n", redisAddr))
		cfg.WriteString("  limit: 30\n")
		cfg.WriteString("  window: \"1m\"\n\n")
	}

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if _, err := os.Stat(tenantsPath); os.IsNotExist(err) {
		catalog := "default:\n  title: \"Course Chat\"\n  welcome_message: \"Ask me anything about {course}.\"\n  history_mode: enabled\n"
		if err := os.WriteFile(tenantsPath, []byte(catalog), 0644); err != nil {
			return fmt.Errorf("writing tenant catalog: %w", err)
		}
		fmt.Printf("Tenant catalog written to %s\n", tenantsPath)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  coursechat-gateway serve\n")

	return nil
}

// generateSecret returns a random session signing secret.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
