package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// deploymentManifest is the YAML shape accepted by `deployctl deployments
// create --file`, an alternative to passing every field as a flag.
type deploymentManifest struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Environment string `yaml:"environment"`
	Region      string `yaml:"region,omitempty"`
	RepoURL     string `yaml:"repoUrl,omitempty"`
	RepoBranch  string `yaml:"repoBranch,omitempty"`
}

func runDeployments(ctx context.Context, cfg cliConfig, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: usage: deployctl deployments list|get|create|approve|cancel|rollback", errUsage)
	}
	client := NewAPIClient(cfg.server, cfg.apiKey)
	sub, rest := args[0], args[1:]

	switch sub {
	case "list":
		return runDeploymentsList(ctx, client, cfg, rest)
	case "get":
		return runDeploymentsGet(ctx, client, cfg, rest)
	case "create":
		return runDeploymentsCreate(ctx, client, cfg, rest)
	case "approve":
		return runDeploymentsApprove(ctx, client, cfg, rest)
	case "cancel":
		return runDeploymentsCancel(ctx, client, cfg, rest)
	case "rollback":
		return runDeploymentsRollback(ctx, client, cfg, rest)
	default:
		return fmt.Errorf("%w: unknown deployments subcommand: %s", errUsage, sub)
	}
}

func runDeploymentsList(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	environment, status := "", ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--environment":
			if i+1 >= len(args) {
				return fmt.Errorf("%w: --environment requires a value", errUsage)
			}
			environment = args[i+1]
			i++
		case "--status":
			if i+1 >= len(args) {
				return fmt.Errorf("%w: --status requires a value", errUsage)
			}
			status = args[i+1]
			i++
		default:
			return fmt.Errorf("%w: unknown flag: %s", errUsage, args[i])
		}
	}

	deployments, err := client.ListDeployments(ctx, environment, status)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, deployments)
	}

	headers := []string{"ID", "NAME", "ENVIRONMENT", "STATUS", "VERSION", "UPDATED"}
	rows := make([][]string, 0, len(deployments))
	for _, d := range deployments {
		rows = append(rows, []string{
			Truncate(d.ID, 20),
			Truncate(d.Name, 24),
			d.Environment,
			ColorStatus(d.Status),
			fmt.Sprintf("%d", d.Version),
			FormatTimeOrDash(d.UpdatedAt),
		})
	}
	RenderTable(os.Stdout, headers, rows)
	fmt.Fprintf(os.Stdout, "\nTotal: %d deployments\n", len(deployments))
	return nil
}

func runDeploymentsGet(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: usage: deployctl deployments get <id>", errUsage)
	}
	dep, err := client.GetDeployment(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, dep)
	}
	fmt.Printf("ID: %s\n", dep.ID)
	fmt.Printf("Name: %s\n", dep.Name)
	fmt.Printf("Environment: %s\n", dep.Environment)
	fmt.Printf("Region: %s\n", dep.Region)
	fmt.Printf("Status: %s\n", ColorStatus(dep.Status))
	fmt.Printf("Version: %d\n", dep.Version)
	fmt.Printf("Created: %s\n", FormatTimeOrDash(dep.CreatedAt))
	fmt.Printf("Updated: %s\n", FormatTimeOrDash(dep.UpdatedAt))
	return nil
}

func runDeploymentsCreate(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	payload := CreateDeploymentPayload{}
	for i := 0; i < len(args); i++ {
		if i+1 >= len(args) {
			return fmt.Errorf("%w: %s requires a value", errUsage, args[i])
		}
		val := args[i+1]
		switch args[i] {
		case "--file":
			manifest, err := loadDeploymentManifest(val)
			if err != nil {
				return err
			}
			payload = CreateDeploymentPayload(manifest)
		case "--name":
			payload.Name = val
		case "--environment":
			payload.Environment = val
		case "--region":
			payload.Region = val
		case "--repo-url":
			payload.RepoURL = val
		case "--repo-branch":
			payload.RepoBranch = val
		case "--description":
			payload.Description = val
		default:
			return fmt.Errorf("%w: unknown flag: %s", errUsage, args[i])
		}
		i++
	}
	if payload.Name == "" || payload.Environment == "" {
		return fmt.Errorf("%w: --name and --environment are required", errUsage)
	}

	dep, err := client.CreateDeployment(ctx, payload)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, dep)
	}
	fmt.Printf("Created deployment %s (%s)\n", dep.ID, dep.Status)
	return nil
}

func loadDeploymentManifest(path string) (deploymentManifest, error) {
	var manifest deploymentManifest
	data, err := os.ReadFile(path)
	if err != nil {
		return manifest, fmt.Errorf("read manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return manifest, fmt.Errorf("parse manifest: %w", err)
	}
	return manifest, nil
}

func runDeploymentsApprove(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: usage: deployctl deployments approve <id> [--reason <text>]", errUsage)
	}
	id := args[0]
	reason := ""
	for i := 1; i < len(args); i++ {
		if args[i] == "--reason" && i+1 < len(args) {
			reason = args[i+1]
			i++
			continue
		}
		return fmt.Errorf("%w: unknown flag: %s", errUsage, args[i])
	}
	if err := client.Approve(ctx, id, reason); err != nil {
		return err
	}
	fmt.Printf("Approved %s\n", id)
	return nil
}

func runDeploymentsCancel(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: usage: deployctl deployments cancel <id>", errUsage)
	}
	if err := client.Cancel(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Cancelled %s\n", args[0])
	return nil
}

func runDeploymentsRollback(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: usage: deployctl deployments rollback <id>", errUsage)
	}
	job, err := client.Rollback(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, job)
	}
	fmt.Printf("Rollback job submitted for %s: %v\n", args[0], job["id"])
	return nil
}
