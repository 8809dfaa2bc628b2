package main

import (
	"context"
	"fmt"
	"os"
)

// runEC2 covers the CLI's EC2 surface. list/describe project the engine's
// resourceInventory; start/stop/reboot reach handleEC2Unsupported (501) since
// this engine holds no live cloud credentials.
func runEC2(ctx context.Context, cfg cliConfig, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: usage: deployctl ec2 list|describe|start|stop|reboot", errUsage)
	}
	client := NewAPIClient(cfg.server, cfg.apiKey)
	sub, rest := args[0], args[1:]

	switch sub {
	case "list":
		return runEC2List(ctx, client, cfg, rest)
	case "describe":
		return runEC2Describe(ctx, client, cfg, rest)
	case "start", "stop", "reboot":
		return runEC2Control(ctx, client, rest, sub)
	default:
		return fmt.Errorf("%w: unknown ec2 subcommand: %s", errUsage, sub)
	}
}

func runEC2List(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("%w: usage: deployctl ec2 list", errUsage)
	}
	instances, err := client.EC2List(ctx)
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, instances)
	}
	headers := []string{"IDENTIFIER", "NAME", "DEPLOYMENT"}
	rows := make([][]string, 0, len(instances))
	for _, inst := range instances {
		rows = append(rows, []string{inst.Identifier, inst.Name, Truncate(inst.DeploymentID, 20)})
	}
	RenderTable(os.Stdout, headers, rows)
	fmt.Fprintf(os.Stdout, "\nTotal: %d instances\n", len(instances))
	return nil
}

func runEC2Describe(ctx context.Context, client *APIClient, cfg cliConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: usage: deployctl ec2 describe <id>", errUsage)
	}
	inst, err := client.EC2Describe(ctx, args[0])
	if err != nil {
		return err
	}
	if cfg.jsonOutput {
		return PrintJSON(os.Stdout, inst)
	}
	fmt.Printf("Identifier: %s\n", inst.Identifier)
	fmt.Printf("Name: %s\n", inst.Name)
	fmt.Printf("Deployment: %s\n", inst.DeploymentID)
	return nil
}

func runEC2Control(ctx context.Context, client *APIClient, args []string, verb string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: usage: deployctl ec2 %s <id>", errUsage, verb)
	}
	if err := client.EC2Control(ctx, args[0], verb); err != nil {
		return err
	}
	fmt.Printf("%s requested for %s\n", verb, args[0])
	return nil
}
