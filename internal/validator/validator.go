// Package validator classifies commands before they are enqueued: denied,
// requires-confirmation, or allowed. Classification is table-driven per
// command type, not hard-coded per command string.
package validator

import (
	"strings"

	"github.com/skyforge-cloud/deployctl/internal/engineerr"
)

// CommandType mirrors commandqueue.Command.Type without importing it, to
// keep this package dependency-free and trivially unit-testable.
type CommandType string

const (
	TypeShell    CommandType = "shell"
	TypeIaC      CommandType = "iac"
	TypeProvider CommandType = "provider"
	TypeDocker   CommandType = "docker"
)

// Outcome is the classifier's verdict.
type Outcome string

const (
	OutcomeAllowed              Outcome = "allowed"
	OutcomeRequiresConfirmation Outcome = "requires_confirmation"
	OutcomeDenied               Outcome = "denied"
)

// Request is the input to Classify.
type Request struct {
	Command      string
	DeploymentID string
	UserID       string
	Type         CommandType
}

// Result carries the classification and, for denials, the reason.
type Result struct {
	Outcome Outcome
	Reason  string
}

// deniedPatterns are substrings that unconditionally deny a command
// regardless of type: destructive one-liners and credential exfiltration
// attempts.
var deniedPatterns = []string{
	"rm -rf /",
	"rm -rf /*",
	":(){ :|:& };:",
	"mkfs.",
	"dd if=/dev/zero of=/dev/",
	"> /dev/sda",
	"curl http",
	"curl https",
}

// deniedSubstrings catches credential-exfiltration shapes that don't read
// as clean prefixes (piping secrets to a remote host).
var deniedSubstrings = []string{
	"aws_secret_access_key",
	"cat /etc/shadow",
	"cat ~/.aws/credentials",
	"| nc ",
	"| curl -x post",
}

// confirmPrefixesByType lists destructive-verb prefixes per command type
// that require explicit confirmation before execution.
var confirmPrefixesByType = map[CommandType][]string{
	TypeIaC: {
		"terraform destroy",
		"destroy",
		"terraform apply -destroy",
	},
	TypeProvider: {
		"terminate-instances",
		"delete-bucket",
		"delete-db-instance",
		"drop",
	},
	TypeShell: {
		"rm ", "rm\t",
		"dd ",
		"shutdown", "reboot", "poweroff", "halt",
	},
	TypeDocker: {
		"docker rm", "docker rmi", "docker system prune",
		"docker volume rm", "docker network rm",
	},
}

// Classify decides whether a command may be enqueued.
func Classify(req Request) (Result, error) {
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return Result{}, engineerr.New(engineerr.InvalidInput, "command is required")
	}
	lower := strings.ToLower(command)

	for _, pattern := range deniedPatterns {
		if strings.Contains(lower, pattern) {
			return Result{}, engineerr.WithReasons(engineerr.ValidationRejected, "command matches a denied pattern", []string{pattern})
		}
	}
	for _, pattern := range deniedSubstrings {
		if strings.Contains(lower, pattern) {
			return Result{}, engineerr.WithReasons(engineerr.ValidationRejected, "command attempts a denied operation", []string{pattern})
		}
	}

	for _, prefix := range confirmPrefixesByType[req.Type] {
		if strings.HasPrefix(lower, prefix) {
			return Result{Outcome: OutcomeRequiresConfirmation, Reason: "destructive verb: " + strings.TrimSpace(prefix)}, nil
		}
	}

	return Result{Outcome: OutcomeAllowed}, nil
}
