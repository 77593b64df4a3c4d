// ABOUTME: Entry point for taskrelay-gateway
// ABOUTME: Serves agent streams and the dispatch API, plus small operator subcommands

package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/taskrelay/internal/auth"
	"github.com/2389/taskrelay/internal/config"
	"github.com/2389/taskrelay/internal/gateway"
	"github.com/2389/taskrelay/internal/logging"
	"github.com/2389/taskrelay/internal/protocol"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _            _                 _
| |_ __ _ ___| | ___ __ ___| | __ _ _   _
| __/ _' / __| |/ / '__/ _ \ |/ _' | | | |
| || (_| \__ \   <| | |  __/ | (_| | |_| |
 \__\__,_|___/_|\_\_|  \___|_|\__,_|\__, |
                                    |___/
`

func usage() {
	fmt.Println("Usage: taskrelay-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the gateway server")
	fmt.Println("  init                           Create a new config file interactively")
	fmt.Println("  health                         Check gateway health")
	fmt.Println("  clients                        List connected agents")
	fmt.Println("  dispatch -client ID -app A -workflow W [-params JSON] [-timeout 30s]")
	fmt.Println("                                 Send a task and print its result")
	fmt.Println("  token -role agent|operator -subject NAME [-ttl 720h]")
	fmt.Println("                                 Mint a bearer token from the configured secret")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "clients":
		err = runClients(ctx, args)
	case "dispatch":
		err = runDispatch(ctx, args)
	case "token":
		err = runToken(args)
	case "-h", "--help", "help":
		usage()
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
	configPath := config.ResolvePath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(os.Stdout, cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	if cfg.Server.GRPCAddr != "" {
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	} else {
		fmt.Print("gRPC:      ")
		gray.Println("disabled")
	}
	green.Print("    ▶ ")
	if cfg.Database.Path != "" {
		fmt.Printf("Ledger:    %s\n", cfg.Database.Path)
	} else {
		fmt.Print("Ledger:    ")
		yellow.Println("in-memory")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		green.Print("    ▶ ")
		fmt.Print("Auth:      ")
		yellow.Println("disabled")
	}

	fmt.Println()

	logger.Info("starting taskrelay-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// apiClient talks to a running gateway's HTTP API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(cfg *config.Config, token string) *apiClient {
	if token == "" {
		token = os.Getenv("TASKRELAY_TOKEN")
	}
	return &apiClient{
		base:  "http://" + dialableAddr(cfg.Server.HTTPAddr),
		token: token,
		http:  &http.Client{},
	}
}

// dialableAddr turns a wildcard listen address into a loopback one.
func dialableAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func runHealth(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	status, _, err := newAPIClient(cfg, "").do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}

	fmt.Println("healthy")
	return nil
}

func runClients(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("clients", flag.ContinueOnError)
	token := fs.String("token", "", "operator bearer token (default $TASKRELAY_TOKEN)")
	asJSON := fs.Bool("json", false, "print raw JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	status, body, err := newAPIClient(cfg, *token).do(ctx, http.MethodGet, "/api/clients", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apiError(status, body)
	}
	if *asJSON {
		fmt.Println(string(body))
		return nil
	}

	var resp gateway.ListClientsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if len(resp.Clients) == 0 {
		fmt.Println("no agents connected")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLIENT\tDEVICE\tBUSY\tLAST HEARTBEAT\tCONNECTED")
	for _, c := range resp.Clients {
		device := strings.TrimSpace(c.DeviceInfo.Brand + " " + c.DeviceInfo.Model)
		last := "-"
		if !c.LastHeartbeat.IsZero() {
			last = time.Since(c.LastHeartbeat).Round(time.Second).String() + " ago"
			if c.Stale {
				last = color.YellowString(last + " (stale)")
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", c.ClientID, device, c.Busy, last, c.ConnectedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runDispatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("dispatch", flag.ContinueOnError)
	token := fs.String("token", "", "operator bearer token (default $TASKRELAY_TOKEN)")
	clientID := fs.String("client", "", "target client id")
	app := fs.String("app", "", "application name")
	workflow := fs.String("workflow", "", "workflow name")
	params := fs.String("params", "", "workflow params as a JSON object")
	timeout := fs.Duration("timeout", 0, "task timeout (0 uses the gateway default)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *clientID == "" || *app == "" || *workflow == "" {
		return errors.New("-client, -app and -workflow are required")
	}

	req := gateway.SendTaskRequest{
		ClientID: *clientID,
		App:      *app,
		Workflow: *workflow,
		Timeout:  timeout.Seconds(),
	}
	if *params != "" {
		if err := json.Unmarshal([]byte(*params), &req.Params); err != nil {
			return fmt.Errorf("parsing -params: %w", err)
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	status, body, err := newAPIClient(cfg, *token).do(ctx, http.MethodPost, "/api/task/send", req)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apiError(status, body)
	}

	var res protocol.Result
	if err := json.Unmarshal(body, &res); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}
	if res.Success {
		color.Green("✓ %s (%.2fs)", res.Message, res.Duration)
		return nil
	}
	color.Red("✗ %s: %s", res.ErrorCode, res.Error)
	return fmt.Errorf("task %s failed", res.TaskID)
}

func apiError(status int, body []byte) error {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("gateway returned %d: %s", status, e.Error)
	}
	return fmt.Errorf("gateway returned %d", status)
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	role := fs.String("role", auth.RoleOperator, "token role: agent or operator")
	subject := fs.String("subject", "", "token subject (client id or operator name)")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("-subject is required")
	}
	if *role != auth.RoleAgent && *role != auth.RoleOperator {
		return fmt.Errorf("unknown role %q", *role)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("jwt_secret not configured")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(*subject, *role, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

// getDataPath returns the path to the taskrelay data directory.
// Priority: XDG_DATA_HOME/taskrelay > ~/.local/share/taskrelay
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "taskrelay")
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("taskrelay-gateway configuration setup")
	fmt.Println("=====================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.ResolvePath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", config.DefaultHTTPAddr)
	grpcAddr := prompt(reader, "gRPC address (empty disables)", "")

	fmt.Println("\n--- Ledger ---")
	dbPath := prompt(reader, "SQLite database path (empty keeps it in memory)", filepath.Join(getDataPath(), "gateway.db"))

	fmt.Println("\n--- Auth ---")
	var jwtSecret string
	if yes(prompt(reader, "Require bearer tokens?", "yes")) {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "taskrelay")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		tsEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# taskrelay-gateway configuration\n")
	cfg.WriteString("# Generated by taskrelay-gateway init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	if grpcAddr != "" {
		fmt.Fprintf(&cfg, "  grpc_addr: %q\n", grpcAddr)
	}
	cfg.WriteString("\n")

	if dbPath != "" {
		cfg.WriteString("database:\n")
		fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)
	}

	if jwtSecret != "" {
		cfg.WriteString("auth:\n")
		fmt.Fprintf(&cfg, "  jwt_secret: %q\n\n", jwtSecret)
	}

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", tailscaleEnabled)
	if tailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", tsHostname)
		if tsAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", tsAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", tsEphemeral)
	}
	cfg.WriteString("\n")

	cfg.WriteString("agents:\n")
	cfg.WriteString("  keepalive_interval: \"30s\"\n")
	cfg.WriteString("  keepalive_timeout: \"10s\"\n")
	cfg.WriteString("  heartbeat_interval: \"30s\"\n")
	cfg.WriteString("  fail_pending_on_disconnect: false\n\n")

	cfg.WriteString("tasks:\n")
	cfg.WriteString("  default_timeout: \"30s\"\n")
	cfg.WriteString("  max_timeout: \"10m\"\n\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n\n", logFormat)

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if _, err := config.Parse([]byte(cfg.String())); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Println("  taskrelay-gateway serve")
	if jwtSecret != "" {
		fmt.Println("\nTo mint tokens:")
		fmt.Println("  taskrelay-gateway token -role agent -subject dev-1")
		fmt.Println("  taskrelay-gateway token -role operator -subject me")
	}
	return nil
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
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
