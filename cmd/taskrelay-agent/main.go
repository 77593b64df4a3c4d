// ABOUTME: Entry point for taskrelay-agent, the device-side worker
// ABOUTME: Registers with the gateway, keeps the session alive and runs workflows

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/fatih/color"
	"github.com/gofrs/flock"
	"github.com/joho/godotenv"

	"github.com/2389/taskrelay/internal/apps"
	"github.com/2389/taskrelay/internal/config"
	"github.com/2389/taskrelay/internal/logging"
	"github.com/2389/taskrelay/internal/protocol"
	"github.com/2389/taskrelay/internal/transport"
	"github.com/2389/taskrelay/internal/worker"
)

// version is set by goreleaser at build time.
var version = "dev"

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts.configPath, opts.overrides, opts.demo); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type cliOptions struct {
	configPath string
	overrides  config.AgentOverrides
	demo       bool
}

// parseArgs loads envFiles (".env" when none are given) before reading flags,
// so a .env file can supply flag defaults. Missing files are fine.
func parseArgs(args []string, envFiles ...string) (cliOptions, error) {
	_ = godotenv.Load(envFiles...)

	flags := flag.NewFlagSet("taskrelay-agent", flag.ContinueOnError)
	configPath := flags.String("config", envOr("TASKRELAY_AGENT_CONFIG", "agent.toml"), "agent config file (TOML)")
	server := flags.String("server", "", "gateway URL (ws://, wss://, grpc://, grpcs://)")
	clientID := flags.String("client-id", "", "client id to register as")
	token := flags.String("token", "", "bearer token")
	noDemo := flags.Bool("no-demo", false, "do not register the built-in demo app")
	if err := flags.Parse(args); err != nil {
		return cliOptions{}, err
	}

	return cliOptions{
		configPath: *configPath,
		overrides: config.AgentOverrides{
			ServerURL: *server,
			ClientID:  *clientID,
			Token:     *token,
		},
		demo: !*noDemo,
	}, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// loadConfig reads path if it exists; flags and environment can stand in for it.
func loadConfig(path string, o config.AgentOverrides) (*config.AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := config.ParseAgentWithOverrides(data, o)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, configPath string, o config.AgentOverrides, demo bool) error {
	cfg, err := loadConfig(configPath, o)
	if err != nil {
		return err
	}

	logger := logging.New(os.Stdout, cfg.Logging)

	if cfg.LockFile != "" {
		lock := flock.New(cfg.LockFile)
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquiring lock: %w", err)
		}
		if !locked {
			return fmt.Errorf("another agent holds %s", cfg.LockFile)
		}
		defer func() { _ = lock.Unlock() }()
	}

	registry := apps.NewRegistry(logger.With("component", "apps"))
	if demo {
		if err := apps.RegisterDemo(registry); err != nil {
			return err
		}
	}
	if err := apps.RegisterCommands(registry, cfg.Workflows); err != nil {
		return fmt.Errorf("registering workflows: %w", err)
	}

	dial := transport.NewDialer(cfg.ServerURL, transport.DialOptions{
		Token: cfg.Token,
		KeepAlive: transport.KeepAlive{
			Interval: cfg.Timing.KeepaliveInterval,
			Timeout:  cfg.Timing.KeepaliveTimeout,
		},
	})

	client, err := worker.NewClient(worker.Options{
		ClientID:           cfg.ClientID,
		Dial:               dial,
		Executor:           registry,
		Device:             worker.StaticDevice(deviceInfo(cfg.Device)),
		ReconnectInterval:  cfg.Timing.ReconnectInterval,
		HeartbeatInterval:  cfg.Timing.HeartbeatInterval,
		RegisterTimeout:    cfg.Timing.RegisterTimeout,
		MaxConflictRetries: cfg.Timing.MaxConflictRetries,
	}, logger)
	if err != nil {
		return err
	}

	printStartup(cfg, registry)
	logger.Info("starting taskrelay-agent",
		"version", version,
		"server_url", cfg.ServerURL,
		"client_id", cfg.ClientID,
		"apps", registry.Apps(),
	)

	return client.Run(ctx)
}

// deviceInfo fills blanks from the host so the gateway always has something to show.
func deviceInfo(d config.DeviceConfig) protocol.DeviceInfo {
	info := protocol.DeviceInfo{
		Brand:      d.Brand,
		Model:      d.Model,
		OSVersion:  d.OSVersion,
		ScreenSize: d.ScreenSize,
	}
	if info.Model == "" {
		if host, err := os.Hostname(); err == nil {
			info.Model = host
		}
	}
	if info.OSVersion == "" {
		info.OSVersion = runtime.GOOS + "/" + runtime.GOARCH
	}
	return info
}

func printStartup(cfg *config.AgentConfig, registry *apps.Registry) {
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	gray.Printf("taskrelay-agent %s\n", version)
	green.Print("  ▶ ")
	fmt.Printf("Gateway:   %s\n", cfg.ServerURL)
	green.Print("  ▶ ")
	fmt.Printf("Client ID: %s\n", cfg.ClientID)
	for _, app := range registry.Apps() {
		green.Print("  ▶ ")
		fmt.Printf("App:       %s %v\n", app, registry.Workflows(app))
	}
	fmt.Println()
}
