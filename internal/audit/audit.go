// Package audit provides the append-only, hash-chained audit log (C1).
// Every deployment state transition, approval decision, command dispatch,
// and admin action is recorded. Entries are never updated or deleted —
// any attempt returns engineerr.AuditImmutable.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Action classifies an audit entry. New call sites are free to introduce
// further action strings; this set covers what the engine itself emits.
const (
	ActionDeploymentCreated    = "deployment.created"
	ActionDeploymentTransition = "deployment.transition"
	ActionWorkingTreeWritten   = "working_tree.written"
	ActionStateLockAcquired    = "state_lock.acquired"
	ActionStateLockReleased    = "state_lock.released"
	ActionStateLockForceUnlock = "state_lock.force_unlocked"
	ActionCommandQueued        = "command.queued"
	ActionCommandExecuted      = "command.executed"
	ActionCommandBlocked       = "command.blocked"
	ActionCommandSkipped       = "command.skipped"
	ActionApprovalRequested    = "approval.requested"
	ActionApprovalDecided      = "approval.decided"
	ActionIaCPlan              = "iac.plan"
	ActionIaCApply             = "iac.apply"
	ActionIaCDestroy           = "iac.destroy"
	ActionJobLifecycle         = "job.lifecycle"
	ActionLoginSucceeded       = "auth.login"
	ActionLoginFailed          = "auth.login_failed"
	ActionStageAdvanced        = "orchestrator.stage_advanced"
	ActionStageVerified        = "orchestrator.stage_verified"
	ActionFileProposalDecided  = "orchestrator.file_proposal_decided"
)

// Entry is a single audit log record. As spec §3/§4.1: hash is a SHA-256
// over the canonical, fixed-order field tuple
// {timestamp, userId, action, resourceType, resourceId, previousHash},
// chained per-user.
type Entry struct {
	Hash          string    `json:"hash"`
	PreviousHash  string    `json:"previous_hash"`
	Timestamp     time.Time `json:"timestamp"`
	UserID        string    `json:"user_id"`
	Action        string    `json:"action"`
	ResourceType  string    `json:"resource_type"`
	ResourceID    string    `json:"resource_id,omitempty"`
	PreviousState any       `json:"previous_state,omitempty"`
	NewState      any       `json:"new_state,omitempty"`
	Details       any       `json:"details,omitempty"`
}

// canonicalize produces the fixed-order string SHA-256 is computed over.
// Empty previousHash/resourceId are represented as empty strings, never
// omitted, so the tuple shape never varies between entries.
func canonicalize(e Entry) string {
	var b strings.Builder
	b.WriteString(e.Timestamp.UTC().Format(time.RFC3339Nano))
	b.WriteByte('\x00')
	b.WriteString(e.UserID)
	b.WriteByte('\x00')
	b.WriteString(e.Action)
	b.WriteByte('\x00')
	b.WriteString(e.ResourceType)
	b.WriteByte('\x00')
	b.WriteString(e.ResourceID)
	b.WriteByte('\x00')
	b.WriteString(e.PreviousHash)
	return b.String()
}

// computeHash returns the hex-encoded SHA-256 of the canonical tuple.
func computeHash(e Entry) string {
	sum := sha256.Sum256([]byte(canonicalize(e)))
	return hex.EncodeToString(sum[:])
}

// Filter narrows a Find query over the audit log.
type Filter struct {
	UserID       string
	ResourceType string
	ResourceID   string
	Action       string
	Since        time.Time
	Until        time.Time
	Cursor       string // hash of the last entry seen, for pagination
	Limit        int
}
