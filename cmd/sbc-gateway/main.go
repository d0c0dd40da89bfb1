// ABOUTME: Entry point for sbc-gateway, the field gateway connection server
// ABOUTME: Subcommands: serve, health, entities, send

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/sbc-gateway/internal/config"
	"github.com/2389/sbc-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _                                  _
 ___| |__   ___        __ _  __ _| |_ _____      ____ _ _   _
/ __| '_ \ / __|_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
\__ \ |_) | (_|_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|___/_.__/ \___|     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                     |___/                             |___/
`

// defaultListenAddr is used when no config file exists.
const defaultListenAddr = ":8080"

func usage() {
	fmt.Println("Usage: sbc-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                      Start the gateway server")
	fmt.Println("  health                     Check gateway health")
	fmt.Println("  entities                   List known entities")
	fmt.Println("  send <id> <cmd> [json]     Send a command to an online entity")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "entities":
		err = runEntities(ctx)
	case "send":
		err = runSend(ctx, os.Args[2:])
	case "help", "-h", "--help":
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

// loadConfig reads the config file, falling back to defaults when it does
// not exist.
func loadConfig() (*config.Config, string, error) {
	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(defaultListenAddr), "(defaults)", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP/WS:   %s%s\n", cfg.Server.ListenAddr, cfg.Server.WSPath)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
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
	green.Print("    ▶ ")
	if cfg.Ledger.Path != "" {
		fmt.Printf("Ledger:    %s\n", cfg.Ledger.Path)
	} else {
		fmt.Print("Ledger:    ")
		yellow.Println("disabled")
	}
	if cfg.Relay.NATSURL != "" {
		green.Print("    ▶ ")
		fmt.Printf("Relay:     %s (%s.*)\n", cfg.Relay.NATSURL, cfg.Relay.SubjectPrefix)
	}
	fmt.Println()

	logger.Info("starting sbc-gateway",
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"ws_path", cfg.Server.WSPath,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// apiBase returns the gateway base URL for client subcommands.
// SBC_GATEWAY_URL overrides the configured listen address.
func apiBase() (string, error) {
	if u := os.Getenv("SBC_GATEWAY_URL"); u != "" {
		return strings.TrimSuffix(u, "/"), nil
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return "", err
	}
	host, port, err := net.SplitHostPort(cfg.Server.ListenAddr)
	if err != nil {
		return "", fmt.Errorf("parsing listen_addr %q: %w", cfg.Server.ListenAddr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

func doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	base, err := apiBase()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// apiError extracts the {"error": ...} message from a failed response.
func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, body.Error)
}

func runHealth(ctx context.Context) error {
	resp, err := doRequest(ctx, http.MethodGet, "/health/ready", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
	}

	fmt.Println("healthy:", string(body))
	return nil
}

func runEntities(ctx context.Context) error {
	resp, err := doRequest(ctx, http.MethodGet, "/api/entities", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var list gateway.ListEntitiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	printEntities(os.Stdout, list)
	return nil
}

func printEntities(w io.Writer, list gateway.ListEntitiesResponse) {
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	fmt.Fprintf(w, "%d entities, %d online\n\n", list.Total, list.Online)
	for _, e := range list.Entities {
		if e.Online {
			green.Fprint(w, "● ")
		} else {
			gray.Fprint(w, "○ ")
		}
		fmt.Fprintf(w, "%-24s %-8s", e.ID, e.Kind)
		gray.Fprintf(w, " services=%d devices=%d updated=%s\n", len(e.Services), len(e.Devices), e.UpdatedAt)
	}
}

// buildSendBody turns "send <id> <cmd> [json]" arguments into the request
// path and envelope body.
func buildSendBody(args []string) (string, []byte, error) {
	if len(args) < 2 || len(args) > 3 {
		return "", nil, errors.New("usage: sbc-gateway send <id> <cmd> [json]")
	}
	env := map[string]any{"cmd": args[1]}
	if len(args) == 3 {
		var data any
		if err := json.Unmarshal([]byte(args[2]), &data); err != nil {
			return "", nil, fmt.Errorf("parsing data: %w", err)
		}
		env["data"] = data
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", nil, fmt.Errorf("encoding request: %w", err)
	}
	return "/api/entities/" + url.PathEscape(args[0]) + "/send", body, nil
}

func runSend(ctx context.Context, args []string) error {
	path, body, err := buildSendBody(args)
	if err != nil {
		return err
	}

	resp, err := doRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return apiError(resp)
	}

	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("sent %s to %s\n", args[1], args[0])
	return nil
}
