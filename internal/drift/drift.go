// Package drift is the drift-detection contract: compare a deployment's
// recorded resource inventory against its live state. No provider read is
// wired in yet, so Detect always reports in sync; the scheduler and
// persistence path around it are real.
package drift

import (
	"context"
	"time"

	"github.com/skyforge-cloud/deployctl/internal/deployment"
	"github.com/skyforge-cloud/deployctl/internal/iaclifecycle"
)

// Detector compares a deployment's recorded resources against live state.
type Detector interface {
	Detect(ctx context.Context, recorded []iaclifecycle.ResourceRef) (deployment.DriftSnapshot, error)
}

// MockDetector reports every deployment in sync: there is no live-provider
// read to compare against.
type MockDetector struct{}

// Detect implements Detector.
func (MockDetector) Detect(_ context.Context, _ []iaclifecycle.ResourceRef) (deployment.DriftSnapshot, error) {
	return deployment.DriftSnapshot{CheckedAt: time.Now().UTC(), InSync: true}, nil
}
