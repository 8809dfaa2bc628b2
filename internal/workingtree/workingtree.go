// Package workingtree manages each deployment's on-disk IaC source
// directory: deterministic path layout, atomic stage-and-rename
// materialization, and formatting via the Process Runner.
package workingtree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/skyforge-cloud/deployctl/internal/engineerr"
)

const (
	fileMain      = "main.tf"
	fileVariables = "variables.tf"
	fileOutputs   = "outputs.tf"
	fileProviders = "providers.tf"
	fileBackend   = "backend.tf"

	minMainTfBytes = 50
)

var resourceDeclPattern = regexp.MustCompile(`resource\s+"[^"]+"\s+"[^"]+"`)

// Runner executes the external IaC binary's fmt verb. Satisfied by
// internal/processrunner.Runner.
type Runner interface {
	Run(ctx context.Context, cmd, workdir string, env []string) (exitCode int, stdout, stderr string, err error)
}

// BackendConfig parameterizes the generated backend.tf template.
type BackendConfig struct {
	Bucket    string
	LockTable string
	Region    string
}

// Tree manages working-tree directories rooted at Root.
type Tree struct {
	Root    string
	Backend BackendConfig
	Runner  Runner
}

// New creates a Tree rooted at root.
func New(root string, backend BackendConfig, runner Runner) *Tree {
	return &Tree{Root: root, Backend: backend, Runner: runner}
}

// Dir returns the deployment's working directory.
func (t *Tree) Dir(deploymentID string) string {
	return filepath.Join(t.Root, "terraform", deploymentID)
}

// WriteResult reports which files were written by WriteAtomic.
type WriteResult struct {
	FilesWritten []string
}

// WriteAtomic pre-checks, stages, swaps, and formats the deployment's
// working tree. On any pre-check or staging failure the existing target
// directory is left untouched and the staging directory is removed.
func (t *Tree) WriteAtomic(ctx context.Context, deploymentID string, files map[string]string) (WriteResult, error) {
	if reasons := preCheck(files); len(reasons) > 0 {
		return WriteResult{}, engineerr.WithReasons(engineerr.InvalidIaC, "working tree pre-check failed", reasons)
	}

	dir := t.Dir(deploymentID)
	staging := dir + ".tmp"

	if err := os.RemoveAll(staging); err != nil {
		return WriteResult{}, engineerr.Wrap(engineerr.Internal, "clear stale staging directory", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return WriteResult{}, engineerr.Wrap(engineerr.Internal, "create staging directory", err)
	}

	written := make([]string, 0, len(files)+1)
	writeFailed := false
	for name, content := range files {
		if content == "" {
			continue
		}
		path := filepath.Join(staging, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			writeFailed = true
			break
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			writeFailed = true
			break
		}
		written = append(written, name)
	}

	if !writeFailed {
		backendContent := t.renderBackend(deploymentID)
		if err := os.WriteFile(filepath.Join(staging, fileBackend), []byte(backendContent), 0o644); err != nil {
			writeFailed = true
		} else {
			written = append(written, fileBackend)
		}
	}

	if writeFailed {
		_ = os.RemoveAll(staging)
		return WriteResult{}, engineerr.New(engineerr.Internal, "failed writing staged working tree files")
	}

	if err := os.RemoveAll(dir); err != nil {
		_ = os.RemoveAll(staging)
		return WriteResult{}, engineerr.Wrap(engineerr.Internal, "remove existing working tree", err)
	}
	if err := os.Rename(staging, dir); err != nil {
		_ = os.RemoveAll(staging)
		return WriteResult{}, engineerr.Wrap(engineerr.Internal, "swap staged working tree into place", err)
	}

	t.format(ctx, dir)

	return WriteResult{FilesWritten: written}, nil
}

// PreCheck exposes the §4.2 pre-condition checks for callers (the IaC
// Lifecycle Manager's validate()) that need to run them ahead of, or
// independent of, a WriteAtomic call.
func PreCheck(files map[string]string) []string {
	return preCheck(files)
}

// preCheck validates spec §4.2's three pre-conditions and returns a list
// of violated-invariant reasons (empty when the input is valid).
func preCheck(files map[string]string) []string {
	var reasons []string

	main := files[fileMain]
	if len(main) < minMainTfBytes {
		reasons = append(reasons, fmt.Sprintf("main.tf must be at least %d bytes", minMainTfBytes))
	}
	lowerMain := strings.ToLower(main)
	if !strings.Contains(lowerMain, "terraform") && !strings.Contains(lowerMain, "provider") {
		reasons = append(reasons, "main.tf must reference terraform or provider")
	}

	hasProviderBlock := strings.Contains(lowerMain, "provider") || strings.Contains(strings.ToLower(files[fileProviders]), "provider")
	if !hasProviderBlock {
		reasons = append(reasons, "no provider block found in main.tf or providers.tf")
	}

	if !resourceDeclPattern.MatchString(main) {
		reasons = append(reasons, `main.tf must declare at least one resource "..." block`)
	}

	return reasons
}

func (t *Tree) renderBackend(deploymentID string) string {
	return fmt.Sprintf(`terraform {
  backend "s3" {
    bucket         = %q
    key            = "deployments/%s/state.tfstate"
    region         = %q
    dynamodb_table = %q
    encrypt        = true
  }
}
`, t.Backend.Bucket, deploymentID, t.Backend.Region, t.Backend.LockTable)
}

// format runs the external binary's fmt -recursive verb. Its result is
// discarded: a failing fmt is neither logged here nor fatal to WriteAtomic.
func (t *Tree) format(ctx context.Context, dir string) {
	if t.Runner == nil {
		return
	}
	exitCode, _, stderr, err := t.Runner.Run(ctx, "terraform fmt -recursive", dir, nil)
	if err != nil || (exitCode != 0 && !strings.Contains(stderr, "files reformatted")) {
		return
	}
}
