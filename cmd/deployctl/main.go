// deployctl is the operator CLI for the deployment engine: it talks to
// cmd/deploy-engine's HTTP API exactly as any other client would, holding
// no logic of its own beyond formatting and a local credentials file.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultServer = "http://localhost:8080"

// Exit codes used across commands.
const (
	exitSuccess         = 0
	exitOperationFailed = 1
	exitUsageError      = 2
	exitUnauthenticated = 3
)

type cliConfig struct {
	server     string
	apiKey     string
	jsonOutput bool
}

type credentials struct {
	Server string `json:"server"`
	APIKey string `json:"api_key"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, command, rest, err := parseArgs(args)
	if errors.Is(err, errShowUsage) {
		printUsage()
		if len(args) == 0 {
			return exitUsageError
		}
		return exitSuccess
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		return exitUsageError
	}
	if command == "" {
		printUsage()
		return exitUsageError
	}

	ctx := context.Background()

	switch command {
	case "login":
		err = runLogin(ctx, cfg, rest)
	case "logout":
		err = runLogout()
	case "whoami":
		err = runWhoami(ctx, cfg, rest)
	case "deployments":
		err = runDeployments(ctx, cfg, rest)
	case "ec2":
		err = runEC2(ctx, cfg, rest)
	case "version":
		fmt.Printf("deployctl %s (commit: %s, built: %s)\n", version, commit, date)
		return exitSuccess
	case "help", "--help", "-h":
		printUsage()
		return exitSuccess
	default:
		fmt.Fprintf(os.Stderr, "error: unknown command: %s\n", command)
		printUsage()
		return exitUsageError
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var authErr *unauthenticatedError
		if errors.As(err, &authErr) {
			return exitUnauthenticated
		}
		if errors.Is(err, errUsage) {
			return exitUsageError
		}
		return exitOperationFailed
	}
	return exitSuccess
}

var errShowUsage = errors.New("show usage")
var errUsage = errors.New("usage error")

func parseArgs(args []string) (cliConfig, string, []string, error) {
	cfg := cliConfig{
		server:     os.Getenv("DEPLOYCTL_SERVER"),
		apiKey:     os.Getenv("DEPLOYCTL_API_KEY"),
		jsonOutput: false,
	}

	idx := 0
	for idx < len(args) {
		arg := args[idx]
		if !strings.HasPrefix(arg, "-") {
			break
		}
		switch arg {
		case "--help", "-h":
			return cfg, "", nil, errShowUsage
		case "--server", "-s":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--server requires a value")
			}
			cfg.server = args[idx+1]
			idx += 2
		case "--api-key":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--api-key requires a value")
			}
			cfg.apiKey = args[idx+1]
			idx += 2
		case "--json":
			cfg.jsonOutput = true
			idx++
		default:
			return cfg, "", nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if idx >= len(args) {
		return cfg, "", nil, errShowUsage
	}

	creds, _ := loadCredentials()
	if cfg.server == "" {
		cfg.server = creds.Server
	}
	if cfg.apiKey == "" {
		cfg.apiKey = creds.APIKey
	}
	if cfg.server == "" {
		cfg.server = defaultServer
	}

	return cfg, args[idx], args[idx+1:], nil
}

func printUsage() {
	fmt.Print(`Usage: deployctl [--server <url>] [--api-key <key>] [--json] <command>

Commands:
  login --api-key <key> [--server <url>]
                              Store credentials for subsequent commands
  logout                      Remove stored credentials
  whoami                      Show the authenticated caller's identity
  deployments list [--environment <env>] [--status <status>]
                              List deployments
  deployments get <id>        Show deployment details
  deployments create --name <name> --environment <env> [--region <r>]
                              [--repo-url <url>] [--repo-branch <b>]
                              Create a deployment
  deployments create --file <manifest.yaml>
                              Create a deployment from a YAML manifest
  deployments approve <id> [--reason <text>]
                              Approve a pending deployment
  deployments cancel <id>     Cancel a deployment
  deployments rollback <id>   Roll back a deployment by destroying its current resources
  ec2 list                    List EC2 instances across deployments
  ec2 describe <id>           Show one EC2 instance
  ec2 start|stop|reboot <id>  Instance control (requires a live cloud integration)
`)
}

func credentialsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".deployctl", "credentials.json"), nil
}

func loadCredentials() (credentials, error) {
	path, err := credentialsPath()
	if err != nil {
		return credentials{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return credentials{}, nil
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return credentials{}, fmt.Errorf("parse credentials file: %w", err)
	}
	return creds, nil
}

func saveCredentials(creds credentials) error {
	path, err := credentialsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func runLogin(ctx context.Context, cfg cliConfig, args []string) error {
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) || (args[i] != "--api-key" && args[i] != "--server") {
			return fmt.Errorf("%w: usage: deployctl login --api-key <key> [--server <url>]", errUsage)
		}
		if args[i] == "--api-key" {
			cfg.apiKey = args[i+1]
		} else {
			cfg.server = args[i+1]
		}
	}
	if cfg.apiKey == "" {
		return fmt.Errorf("%w: --api-key is required", errUsage)
	}

	client := NewAPIClient(cfg.server, cfg.apiKey)
	who, err := client.Whoami(ctx)
	if err != nil {
		return err
	}
	if err := saveCredentials(credentials{Server: client.server, APIKey: cfg.apiKey}); err != nil {
		return err
	}
	fmt.Printf("Logged in as %v to %s\n", who["id"], client.server)
	return nil
}

func runLogout() error {
	path, err := credentialsPath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	fmt.Println("Logged out")
	return nil
}

func runWhoami(ctx context.Context, cfg cliConfig, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("%w: usage: deployctl whoami", errUsage)
	}
	client := NewAPIClient(cfg.server, cfg.apiKey)
	who, err := client.Whoami(ctx)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, who)
	}
	labels := map[string]string{
		"id": "ID", "username": "Username", "name": "Name", "role": "Role", "permissions": "Permissions",
	}
	for _, k := range []string{"id", "username", "name", "role", "permissions"} {
		if v, ok := who[k]; ok {
			fmt.Printf("%s: %v\n", labels[k], v)
		}
	}
	return nil
}
