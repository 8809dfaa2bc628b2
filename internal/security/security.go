// Package security is the security-scan contract: check proposed IaC files
// for common misconfigurations before they're written. A real scanner
// (tfsec/checkov-equivalent) is not wired in; this is a stub/mock contract.
package security

import (
	"context"
	"strings"
	"time"

	"github.com/skyforge-cloud/deployctl/internal/deployment"
)

// Scanner checks a set of proposed IaC files for findings.
type Scanner interface {
	Scan(ctx context.Context, files map[string]string) (deployment.SecuritySnapshot, error)
}

// ruleChecks is a small, deterministic set of substring checks standing in
// for a real static-analysis scanner.
var ruleChecks = []struct {
	rule     string
	severity string
	needle   string
	message  string
}{
	{"open-ingress-anywhere", "high", `cidr_blocks = ["0.0.0.0/0"]`, "security group allows ingress from 0.0.0.0/0"},
	{"unencrypted-storage", "medium", "encrypted = false", "storage resource explicitly disables encryption"},
	{"public-bucket-acl", "high", `acl    = "public-read"`, "S3 bucket ACL is public-read"},
	{"hardcoded-credential", "high", "aws_access_key_id", "hardcoded AWS credential in source"},
}

// MockScanner implements Scanner by scanning file bodies against ruleChecks.
type MockScanner struct{}

// Scan implements Scanner.
func (MockScanner) Scan(_ context.Context, files map[string]string) (deployment.SecuritySnapshot, error) {
	snapshot := deployment.SecuritySnapshot{ScannedAt: time.Now().UTC()}
	for path, body := range files {
		for _, check := range ruleChecks {
			if strings.Contains(body, check.needle) {
				snapshot.Findings = append(snapshot.Findings, deployment.SecurityFinding{
					Severity: check.severity,
					Resource: path,
					Rule:     check.rule,
					Message:  check.message,
				})
			}
		}
	}
	return snapshot, nil
}
