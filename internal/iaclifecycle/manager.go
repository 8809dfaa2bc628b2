// Package iaclifecycle is the IaC Lifecycle Manager (C7): the single
// per-deployment serialized flow from working-tree write through init,
// plan, apply/destroy, gluing together the Working Tree (C2), the State
// Lock (C3), and the Process Runner (C4).
package iaclifecycle

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skyforge-cloud/deployctl/internal/engineerr"
	"github.com/skyforge-cloud/deployctl/internal/objectstorage"
	"github.com/skyforge-cloud/deployctl/internal/processrunner"
	"github.com/skyforge-cloud/deployctl/internal/statelock"
	"github.com/skyforge-cloud/deployctl/internal/workingtree"
)

const initMarkerFile = ".initState"

// lockRefreshInterval is how often a held-but-running operation refreshes
// its state lock's TTL. Kept well inside statelock.DefaultTTL so a slow
// plan/apply/destroy never lapses into "expired" territory, where it would
// need an admin ForceUnlock to recover instead of finishing normally.
const lockRefreshInterval = statelock.DefaultTTL / 3

// Options parameterizes plan/apply/destroy.
type Options struct {
	Vars        map[string]string
	VarFile     string
	AutoApprove bool
}

// ChangeCounts is a plan's summarized change tally.
type ChangeCounts struct {
	Add     int `json:"add"`
	Change  int `json:"change"`
	Destroy int `json:"destroy"`
}

// ResourceRef identifies one resource surfaced by a plan or apply.
type ResourceRef struct {
	Type       string `json:"type"`
	Name       string `json:"name"`
	Identifier string `json:"identifier,omitempty"`
}

// ValidateResult is validate()'s return shape.
type ValidateResult struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues"`
}

// InitResult is initialize()'s return shape.
type InitResult struct {
	Cached bool `json:"cached"`
}

// PlanResult is plan()'s return shape.
type PlanResult struct {
	PlanText  string        `json:"planText"`
	Changes   ChangeCounts  `json:"changes"`
	Resources []ResourceRef `json:"resources"`
	PlanFile  string        `json:"planFile"`
}

// ApplyResult is apply()'s and destroy()'s return shape. State is the raw
// state blob fetched from object storage after a successful run; callers
// that own the deployment aggregate (version, previousVersions) persist it
// there themselves.
type ApplyResult struct {
	Output    string        `json:"output"`
	Resources []ResourceRef `json:"resources"`
	State     []byte        `json:"-"`
}

// Manager drives the IaC lifecycle for deployments one at a time per
// deployment, fanning in to the Working Tree, State Lock, Process Runner,
// and Object Storage.
type Manager struct {
	tree     *workingtree.Tree
	locks    *statelock.Store
	runner   *processrunner.Runner
	objects  objectstorage.Store
	binary   string
	holderID string
	logger   *zap.Logger

	initMu      sync.Mutex
	initialized map[string]bool

	depMu   sync.Mutex
	depLock map[string]*sync.Mutex
}

// New builds a Manager. binary is the external IaC executable name (e.g.
// "terraform" or "tofu"); holderID identifies this process as a state-lock
// holder.
func New(tree *workingtree.Tree, locks *statelock.Store, runner *processrunner.Runner, objects objectstorage.Store, binary, holderID string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		tree:        tree,
		locks:       locks,
		runner:      runner,
		objects:     objects,
		binary:      binary,
		holderID:    holderID,
		logger:      logger,
		initialized: make(map[string]bool),
		depLock:     make(map[string]*sync.Mutex),
	}
}

// holdLock acquires deploymentID's state lock under holder and starts a
// background refresher that extends its TTL every lockRefreshInterval until
// the returned release func is called. Long-running plan/apply/destroy
// calls rely on this instead of a single long TTL so the lock never spends
// most of its life in "expired but not yet reaped" territory.
func (m *Manager) holdLock(deploymentID, holder string) (release func(), err error) {
	if _, err := m.locks.Acquire(deploymentID, holder, 0); err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(lockRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if refreshErr := m.locks.Refresh(deploymentID, holder, 0); refreshErr != nil {
					m.logger.Warn("refresh state lock failed",
						zap.String("deployment_id", deploymentID), zap.String("holder", holder), zap.Error(refreshErr))
				}
			case <-stop:
				return
			}
		}
	}()

	return func() {
		close(stop)
		<-done
		m.locks.Release(deploymentID, holder)
	}, nil
}

// Dir returns the deployment's working-tree directory, for callers (the
// Orchestrator) that need to run stage commands outside the Manager's own
// init/plan/apply/destroy verbs.
func (m *Manager) Dir(deploymentID string) string {
	return m.tree.Dir(deploymentID)
}

func (m *Manager) deploymentLock(deploymentID string) *sync.Mutex {
	m.depMu.Lock()
	defer m.depMu.Unlock()
	mu, ok := m.depLock[deploymentID]
	if !ok {
		mu = &sync.Mutex{}
		m.depLock[deploymentID] = mu
	}
	return mu
}

// Validate runs the §4.2 pre-check against files, then (when a Process
// Runner is configured) stages them into a scratch directory and runs the
// external binary's validate verb as a second, deeper pass.
func (m *Manager) Validate(ctx context.Context, files map[string]string) (ValidateResult, error) {
	issues := workingtree.PreCheck(files)

	if m.runner != nil && len(issues) == 0 {
		scratch, err := os.MkdirTemp("", "iac-validate-*")
		if err != nil {
			return ValidateResult{}, engineerr.Wrap(engineerr.Internal, "create validate scratch dir", err)
		}
		defer os.RemoveAll(scratch)

		for name, content := range files {
			if content == "" {
				continue
			}
			if err := os.WriteFile(filepath.Join(scratch, name), []byte(content), 0o644); err != nil {
				return ValidateResult{}, engineerr.Wrap(engineerr.Internal, "stage validate scratch file", err)
			}
		}

		cmd := fmt.Sprintf("%s init -backend=false -input=false >/dev/null 2>&1 && %s validate", m.binary, m.binary)
		exitCode, stdout, stderr, err := m.runner.Run(ctx, cmd, scratch, nil)
		if err != nil {
			issues = append(issues, err.Error())
		} else if exitCode != 0 {
			issues = append(issues, parseValidateIssues(stdout+stderr)...)
			if len(issues) == 0 {
				issues = append(issues, "validate subprocess exited non-zero")
			}
		}
	}

	return ValidateResult{Valid: len(issues) == 0, Issues: issues}, nil
}

// WriteAndFormat delegates to the Working Tree.
func (m *Manager) WriteAndFormat(ctx context.Context, deploymentID string, files map[string]string) (workingtree.WriteResult, error) {
	mu := m.deploymentLock(deploymentID)
	mu.Lock()
	defer mu.Unlock()

	return m.tree.WriteAtomic(ctx, deploymentID, files)
}

// Initialize runs the external binary's init verb, memoized in-process and
// on-disk via a .initState marker so a re-deploy of an already-initialized
// working tree is a no-op unless force is set.
func (m *Manager) Initialize(ctx context.Context, deploymentID string, force bool) (InitResult, error) {
	mu := m.deploymentLock(deploymentID)
	mu.Lock()
	defer mu.Unlock()

	dir := m.tree.Dir(deploymentID)
	marker := filepath.Join(dir, initMarkerFile)

	if !force {
		m.initMu.Lock()
		cached := m.initialized[deploymentID]
		m.initMu.Unlock()
		if !cached {
			if _, err := os.Stat(marker); err == nil {
				cached = true
			}
		}
		if cached {
			return InitResult{Cached: true}, nil
		}
	}

	exitCode, _, stderr, err := m.runner.Run(ctx, m.binary+" init -input=false", dir, nil)
	if err != nil {
		return InitResult{}, err
	}
	if exitCode != 0 {
		return InitResult{}, engineerr.WithReasons(engineerr.SubprocessFailed, "terraform init failed", []string{stderr})
	}

	if err := os.WriteFile(marker, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		return InitResult{}, engineerr.Wrap(engineerr.Internal, "write init marker", err)
	}
	m.initMu.Lock()
	m.initialized[deploymentID] = true
	m.initMu.Unlock()

	return InitResult{Cached: false}, nil
}

func (m *Manager) isInitialized(deploymentID string) bool {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if m.initialized[deploymentID] {
		return true
	}
	_, err := os.Stat(filepath.Join(m.tree.Dir(deploymentID), initMarkerFile))
	return err == nil
}

// Plan acquires the state lock with purpose "plan", runs plan -out=tfplan,
// and parses the textual summary. The lock is released on every path.
func (m *Manager) Plan(ctx context.Context, deploymentID string, opts Options) (PlanResult, error) {
	mu := m.deploymentLock(deploymentID)
	mu.Lock()
	defer mu.Unlock()

	holder := m.holderID + ":plan"
	release, err := m.holdLock(deploymentID, holder)
	if err != nil {
		return PlanResult{}, err
	}
	defer release()

	dir := m.tree.Dir(deploymentID)
	cmd := m.binary + " plan -input=false -out=tfplan" + varArgs(opts)

	exitCode, stdout, stderr, err := m.runner.Run(ctx, cmd, dir, nil)
	combined := stdout + stderr
	if err != nil {
		return PlanResult{}, err
	}
	// terraform plan's exit code 2 means "succeeded, changes present" under
	// -detailed-exitcode; we don't pass that flag, so only 0 is success.
	if exitCode != 0 {
		return PlanResult{}, engineerr.WithReasons(engineerr.SubprocessFailed, "terraform plan failed", []string{stderr})
	}

	return PlanResult{
		PlanText:  combined,
		Changes:   parseChangeCounts(combined),
		Resources: parsePlanResources(combined),
		PlanFile:  filepath.Join(dir, "tfplan"),
	}, nil
}

// Apply requires Initialize to have already run; if no tfplan file is
// present it runs Plan implicitly first. On success it pushes the
// resulting local state file to object storage and returns its bytes.
func (m *Manager) Apply(ctx context.Context, deploymentID string, opts Options) (ApplyResult, error) {
	if !m.isInitialized(deploymentID) {
		return ApplyResult{}, engineerr.New(engineerr.InvalidInput, "deployment working tree is not initialized")
	}

	dir := m.tree.Dir(deploymentID)
	if _, err := os.Stat(filepath.Join(dir, "tfplan")); err != nil {
		if _, planErr := m.Plan(ctx, deploymentID, opts); planErr != nil {
			return ApplyResult{}, planErr
		}
	}

	mu := m.deploymentLock(deploymentID)
	mu.Lock()
	defer mu.Unlock()

	holder := m.holderID + ":apply"
	release, err := m.holdLock(deploymentID, holder)
	if err != nil {
		return ApplyResult{}, err
	}
	defer release()

	cmd := m.binary + " apply -input=false"
	if opts.AutoApprove {
		cmd += " -auto-approve"
	}
	cmd += " tfplan"

	exitCode, stdout, stderr, err := m.runner.Run(ctx, cmd, dir, nil)
	combined := stdout + stderr
	if err != nil {
		return ApplyResult{}, err
	}
	if exitCode != 0 {
		return ApplyResult{}, engineerr.WithReasons(engineerr.SubprocessFailed, "terraform apply failed", []string{stderr})
	}

	result := ApplyResult{Output: combined, Resources: parseApplyResources(combined)}

	statePath := filepath.Join(dir, "terraform.tfstate")
	if data, readErr := os.ReadFile(statePath); readErr == nil {
		if putErr := m.objects.Put(ctx, deploymentID, data); putErr != nil {
			return ApplyResult{}, putErr
		}
		result.State = data
	}

	return result, nil
}

// Destroy is symmetric to Apply using the destroy verb; on success it
// removes the deployment's state blob from object storage.
func (m *Manager) Destroy(ctx context.Context, deploymentID string, opts Options) (ApplyResult, error) {
	mu := m.deploymentLock(deploymentID)
	mu.Lock()
	defer mu.Unlock()

	holder := m.holderID + ":destroy"
	release, err := m.holdLock(deploymentID, holder)
	if err != nil {
		return ApplyResult{}, err
	}
	defer release()

	dir := m.tree.Dir(deploymentID)
	cmd := m.binary + " destroy -input=false"
	if opts.AutoApprove {
		cmd += " -auto-approve"
	}
	cmd += varArgs(opts)

	exitCode, stdout, stderr, err := m.runner.Run(ctx, cmd, dir, nil)
	combined := stdout + stderr
	if err != nil {
		return ApplyResult{}, err
	}
	if exitCode != 0 {
		return ApplyResult{}, engineerr.WithReasons(engineerr.SubprocessFailed, "terraform destroy failed", []string{stderr})
	}

	if delErr := m.objects.Delete(ctx, deploymentID); delErr != nil {
		return ApplyResult{}, delErr
	}

	return ApplyResult{Output: combined}, nil
}

// GetState reads the deployment's state blob from object storage, returning
// nil with no error when one has never been written.
func (m *Manager) GetState(ctx context.Context, deploymentID string) ([]byte, error) {
	data, err := m.objects.Get(ctx, deploymentID)
	if engineerr.Is(err, engineerr.NotFound) {
		return nil, nil
	}
	return data, err
}

func varArgs(opts Options) string {
	var b strings.Builder
	if opts.VarFile != "" {
		fmt.Fprintf(&b, " -var-file=%s", opts.VarFile)
	}
	keys := make([]string, 0, len(opts.Vars))
	for k := range opts.Vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " -var=%s=%s", k, opts.Vars[k])
	}
	return b.String()
}

var (
	addCountPattern     = regexp.MustCompile(`(\d+) to add`)
	changeCountPattern  = regexp.MustCompile(`(\d+) to change`)
	destroyCountPattern = regexp.MustCompile(`(\d+) to destroy`)

	planCreatedPattern  = regexp.MustCompile(`will be created[\s\S]*?([a-zA-Z][a-zA-Z0-9]*)_(\w+)\.(\w+)`)
	applyCreatedPattern = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9]*)_(\w+)\.(\w+)\s+created`)
	applyCompletePattern = regexp.MustCompile(`Apply complete![\s\S]*?(\d+) resources?\s+added`)

	arnPattern     = regexp.MustCompile(`arn:[a-zA-Z0-9_-]+:[^\s"]+`)
	idFieldPattern = regexp.MustCompile(`(?:id|name|arn)[=:]"?([^"\s]+)`)
)

// parseChangeCounts implements the exhaustive parse rule: first match of
// each of the three counters, missing means zero.
func parseChangeCounts(text string) ChangeCounts {
	return ChangeCounts{
		Add:     firstIntMatch(addCountPattern, text),
		Change:  firstIntMatch(changeCountPattern, text),
		Destroy: firstIntMatch(destroyCountPattern, text),
	}
}

func firstIntMatch(re *regexp.Regexp, text string) int {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// parsePlanResources extracts "will be created" resource tuples in order of
// first occurrence, de-duplicated by {type, name}.
func parsePlanResources(text string) []ResourceRef {
	matches := planCreatedPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool, len(matches))
	var out []ResourceRef
	for _, m := range matches {
		typ := m[1] + "_" + m[2]
		name := m[3]
		key := typ + "." + name
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ResourceRef{Type: typ, Name: name})
	}
	return out
}

// parseApplyResources extracts per-line "<type>.<name> created" tuples plus
// a same-line identifier, then pads with placeholders if the terminal
// "Apply complete!" summary reports more resources added than were parsed.
func parseApplyResources(text string) []ResourceRef {
	var out []ResourceRef
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		m := applyCreatedPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		typ := m[1] + "_" + m[2]
		name := m[3]
		key := typ + "." + name
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ResourceRef{Type: typ, Name: name, Identifier: extractIdentifier(line)})
	}

	if n := firstIntMatch(applyCompletePattern, text); n > len(out) {
		for i := len(out); i < n; i++ {
			out = append(out, ResourceRef{Type: "unknown", Name: fmt.Sprintf("resource-%d", i+1)})
		}
	}

	return out
}

func extractIdentifier(line string) string {
	if m := arnPattern.FindString(line); m != "" {
		return m
	}
	if m := idFieldPattern.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	return ""
}

// parseValidateIssues splits a validate subprocess's combined output into
// one issue per non-blank line; crude, but the external binary's own
// formatting already delimits one diagnostic per paragraph closely enough.
func parseValidateIssues(text string) []string {
	var issues []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		issues = append(issues, line)
	}
	return issues
}
