// Package commandqueue is the per-deployment Command Queue (C6): a FIFO of
// commands executed strictly in order, with blocking-on-failure semantics
// and AI-assisted resolution when a command fails.
package commandqueue

import (
	"context"
	"sync"
	"time"

	"github.com/skyforge-cloud/deployctl/internal/engineerr"
	"github.com/skyforge-cloud/deployctl/internal/validator"
)

// Status is a command's lifecycle status within the queue.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// Command is one queued unit of work.
type Command struct {
	ID          string             `json:"id"`
	Command     string             `json:"command"`
	Type        validator.CommandType `json:"type"`
	Status      Status             `json:"status"`
	ExitCode    *int               `json:"exit_code,omitempty"`
	Output      string             `json:"output,omitempty"`
	ErrorOutput string             `json:"error_output,omitempty"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	EndedAt     *time.Time         `json:"ended_at,omitempty"`

	// RequiresConfirmation is set by the validator's classification at
	// enqueue time; callers must pass an explicit confirm flag to execute it.
	RequiresConfirmation bool `json:"requires_confirmation,omitempty"`
}

// BlockingError describes the command that blocked the queue.
type BlockingError struct {
	CommandID   string `json:"command_id"`
	Command     string `json:"command"`
	ExitCode    int    `json:"exit_code"`
	ErrorOutput string `json:"error_output"`
}

// Runner executes one command line. Satisfied by internal/processrunner.Runner.
type Runner interface {
	Run(ctx context.Context, cmd, workdir string, env []string) (exitCode int, stdout, stderr string, err error)
}

// AIResolution is the AI's analysis of a blocking command failure.
type AIResolution struct {
	Analysis       string   `json:"analysis"`
	FixCommands    []string `json:"fix_commands"`
	RetryCommands  []string `json:"retry_commands"`
}

// Resolver asks the AI service to analyze a blocking failure. Satisfied by
// internal/aiclient.Client.
type Resolver interface {
	ResolveError(ctx context.Context, deploymentID string, blocking BlockingError) (AIResolution, error)
}

// Progress summarizes queue completion.
type Progress struct {
	Completed int  `json:"completed"`
	Total     int  `json:"total"`
	IsBlocked bool `json:"is_blocked"`
}

// Queue is one deployment's command queue. All mutating operations are
// serialized by mu so at most one execute is in flight per deployment.
type Queue struct {
	mu sync.Mutex

	DeploymentID string
	Workdir      string
	Env          []string

	queue        []Command
	currentIndex int
	isBlocked    bool
	blockingErr  *BlockingError

	runner   Runner
	resolver Resolver
}

// New creates an empty Queue for deploymentID.
func New(deploymentID, workdir string, env []string, runner Runner, resolver Resolver) *Queue {
	return &Queue{
		DeploymentID: deploymentID,
		Workdir:      workdir,
		Env:          env,
		runner:       runner,
		resolver:     resolver,
	}
}

// Restore reconstructs a Queue from a previously persisted snapshot (e.g.
// deployment.StageSession.Commands) after a process restart. currentIndex
// and isBlocked are derived exactly as a live Queue would have left them:
// currentIndex is the first non-terminal command, isBlocked iff that
// command's status is failed. A command caught mid-"running" by a crashed
// process is treated as failed, since its actual outcome was never observed.
func Restore(deploymentID, workdir string, env []string, runner Runner, resolver Resolver, commands []Command) *Queue {
	q := &Queue{
		DeploymentID: deploymentID,
		Workdir:      workdir,
		Env:          env,
		runner:       runner,
		resolver:     resolver,
		queue:        append([]Command{}, commands...),
	}

	q.currentIndex = len(q.queue)
	for i, c := range q.queue {
		if c.Status == StatusPending || c.Status == StatusRunning || c.Status == StatusFailed {
			q.currentIndex = i
			break
		}
	}

	if q.currentIndex < len(q.queue) && q.queue[q.currentIndex].Status == StatusRunning {
		q.queue[q.currentIndex].Status = StatusFailed
		q.queue[q.currentIndex].ErrorOutput = "interrupted"
	}
	if q.currentIndex < len(q.queue) && q.queue[q.currentIndex].Status == StatusFailed {
		c := q.queue[q.currentIndex]
		exitCode := -1
		if c.ExitCode != nil {
			exitCode = *c.ExitCode
		}
		q.isBlocked = true
		q.blockingErr = &BlockingError{CommandID: c.ID, Command: c.Command, ExitCode: exitCode, ErrorOutput: c.ErrorOutput}
	}

	return q
}

// Enqueue replaces the queue, provided no command is currently running.
func (q *Queue) Enqueue(commands []Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, c := range q.queue {
		if c.Status == StatusRunning {
			return engineerr.New(engineerr.InvalidInput, "cannot replace queue while a command is running")
		}
	}

	for i := range commands {
		if commands[i].Status == "" {
			commands[i].Status = StatusPending
		}
	}

	q.queue = commands
	q.currentIndex = 0
	q.isBlocked = false
	q.blockingErr = nil
	return nil
}

// NextCommand returns the command that would run next, or nil if the queue
// is exhausted, blocked, or the current command isn't pending.
func (q *Queue) NextCommand() *Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextCommandLocked()
}

func (q *Queue) nextCommandLocked() *Command {
	if q.isBlocked || q.currentIndex >= len(q.queue) {
		return nil
	}
	cmd := q.queue[q.currentIndex]
	if cmd.Status != StatusPending {
		return nil
	}
	return &cmd
}

// Execute runs the current command via the Runner. At most one Execute
// call is in flight per Queue (enforced by mu); a caller racing a second
// Execute blocks until the first completes rather than running concurrently.
func (q *Queue) Execute(ctx context.Context) (Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := q.nextCommandLocked()
	if next == nil {
		return Command{}, engineerr.New(engineerr.InvalidInput, "no command is eligible to execute")
	}

	idx := q.currentIndex
	now := time.Now().UTC()
	q.queue[idx].Status = StatusRunning
	q.queue[idx].StartedAt = &now

	if q.runner == nil {
		return Command{}, engineerr.New(engineerr.Internal, "command queue has no runner configured")
	}

	exitCode, stdout, stderr, runErr := q.runner.Run(ctx, q.queue[idx].Command, q.Workdir, q.Env)
	ended := time.Now().UTC()
	q.queue[idx].EndedAt = &ended
	q.queue[idx].Output = stdout
	q.queue[idx].ErrorOutput = stderr
	q.queue[idx].ExitCode = &exitCode

	if runErr == nil && exitCode == 0 {
		q.queue[idx].Status = StatusSuccess
		q.currentIndex++
		return q.queue[idx], nil
	}

	q.queue[idx].Status = StatusFailed
	q.isBlocked = true
	q.blockingErr = &BlockingError{
		CommandID:   q.queue[idx].ID,
		Command:     q.queue[idx].Command,
		ExitCode:    exitCode,
		ErrorOutput: stderr,
	}
	return q.queue[idx], nil
}

// Skip marks the blocking command skipped and clears the block. Only valid
// while the queue is blocked.
func (q *Queue) Skip() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.isBlocked {
		return engineerr.New(engineerr.InvalidInput, "queue is not blocked")
	}
	q.queue[q.currentIndex].Status = StatusSkipped
	q.isBlocked = false
	q.blockingErr = nil
	q.currentIndex++
	return nil
}

// Cancel marks the currently-running command cancelled and blocks the
// queue, per spec: cancellation is treated as failure for recovery purposes.
func (q *Queue) Cancel() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.currentIndex >= len(q.queue) {
		return engineerr.New(engineerr.InvalidInput, "no command is running")
	}
	idx := q.currentIndex
	if q.queue[idx].Status != StatusRunning {
		return engineerr.New(engineerr.InvalidInput, "current command is not running")
	}
	q.queue[idx].Status = StatusCancelled
	q.isBlocked = true
	q.blockingErr = &BlockingError{
		CommandID: q.queue[idx].ID,
		Command:   q.queue[idx].Command,
		ExitCode:  -1,
	}
	return nil
}

// Resolve asks the AI service to analyze the blocking error, splices
// fix commands immediately after the current index followed by retry
// commands, and clears the block.
func (q *Queue) Resolve(ctx context.Context) (AIResolution, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.isBlocked || q.blockingErr == nil {
		return AIResolution{}, engineerr.New(engineerr.InvalidInput, "queue is not blocked")
	}
	if q.resolver == nil {
		return AIResolution{}, engineerr.New(engineerr.AIUnavailable, "no AI resolver configured")
	}

	resolution, err := q.resolver.ResolveError(ctx, q.DeploymentID, *q.blockingErr)
	if err != nil {
		return AIResolution{}, err
	}

	inserted := make([]Command, 0, len(resolution.FixCommands)+len(resolution.RetryCommands))
	for _, c := range resolution.FixCommands {
		inserted = append(inserted, Command{ID: newCommandID(), Command: c, Type: validator.TypeShell, Status: StatusPending})
	}
	for _, c := range resolution.RetryCommands {
		inserted = append(inserted, Command{ID: newCommandID(), Command: c, Type: validator.TypeShell, Status: StatusPending})
	}

	head := append([]Command{}, q.queue[:q.currentIndex+1]...)
	tail := append([]Command{}, q.queue[q.currentIndex+1:]...)
	q.queue = append(append(head, inserted...), tail...)
	q.currentIndex++ // the failed command itself stays terminal at its slot

	q.isBlocked = false
	q.blockingErr = nil
	return resolution, nil
}

// Progress reports completion counts.
func (q *Queue) Progress() Progress {
	q.mu.Lock()
	defer q.mu.Unlock()

	completed := 0
	for i := 0; i < q.currentIndex && i < len(q.queue); i++ {
		switch q.queue[i].Status {
		case StatusSuccess, StatusFailed, StatusSkipped, StatusCancelled:
			completed++
		}
	}
	return Progress{Completed: completed, Total: len(q.queue), IsBlocked: q.isBlocked}
}

// Snapshot returns a copy of the queue's current commands, for persistence
// or display.
func (q *Queue) Snapshot() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Command, len(q.queue))
	copy(out, q.queue)
	return out
}

// IsBlocked reports the current blocked state and, if blocked, the error.
func (q *Queue) IsBlocked() (bool, *BlockingError) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isBlocked, q.blockingErr
}

var idCounter uint64
var idMu sync.Mutex

// newCommandID generates a queue-local sequential ID. The queue is
// reconstructed from persisted storage on resume, where the repository
// layer assigns durable IDs; this is only used for the in-memory AI-spliced
// commands before they're persisted.
func newCommandID() string {
	idMu.Lock()
	defer idMu.Unlock()
	idCounter++
	return "cq-" + time.Now().UTC().Format("20060102150405") + "-" + itoa(idCounter)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
