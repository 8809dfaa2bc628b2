package orchestrator

import (
	"context"
	"time"

	"github.com/skyforge-cloud/deployctl/internal/deployment"
	"github.com/skyforge-cloud/deployctl/internal/iaclifecycle"
)

// HealthChecker probes one resource's live health during the HEALTH_CHECK
// stage. A real probe implementation belongs outside the core engine; see
// internal/k8shealth for a live Kubernetes-backed one.
type HealthChecker interface {
	CheckHealth(ctx context.Context, resource iaclifecycle.ResourceRef) (deployment.ResourceHealth, error)
}

// MockHealthChecker reports every resource healthy. It stands in for the
// teacher's own placeholder health/cost/drift methods.
type MockHealthChecker struct{}

// CheckHealth implements HealthChecker.
func (MockHealthChecker) CheckHealth(_ context.Context, resource iaclifecycle.ResourceRef) (deployment.ResourceHealth, error) {
	return deployment.ResourceHealth{
		ResourceType: resource.Type,
		Name:         resource.Name,
		Healthy:      true,
		Message:      "mock health check: assumed healthy",
		CheckedAt:    time.Now().UTC(),
	}, nil
}

// runHealthChecks fans out over dep's resource inventory with a bounded
// worker pool (default min(len(resources), 8)), collecting results on a
// channel, then persists the result set as a whole.
func (o *Orchestrator) runHealthChecks(ctx context.Context, dep *deployment.Deployment) error {
	resources := dep.ResourceInventory
	if len(resources) == 0 || o.health == nil {
		return nil
	}

	poolSize := o.healthPoolMax
	if poolSize <= 0 {
		poolSize = 8
	}
	if len(resources) < poolSize {
		poolSize = len(resources)
	}

	jobs := make(chan iaclifecycle.ResourceRef)
	results := make(chan deployment.ResourceHealth, len(resources))

	done := make(chan struct{})
	for i := 0; i < poolSize; i++ {
		go func() {
			for r := range jobs {
				health, err := o.health.CheckHealth(ctx, r)
				if err != nil {
					health = deployment.ResourceHealth{
						ResourceType: r.Type,
						Name:         r.Name,
						Healthy:      false,
						Message:      err.Error(),
						CheckedAt:    time.Now().UTC(),
					}
				}
				results <- health
			}
			done <- struct{}{}
		}()
	}

	go func() {
		for _, r := range resources {
			jobs <- r
		}
		close(jobs)
	}()

	go func() {
		for i := 0; i < poolSize; i++ {
			<-done
		}
		close(results)
	}()

	out := make([]deployment.ResourceHealth, 0, len(resources))
	for h := range results {
		out = append(out, h)
	}

	return o.deployments.UpdateResourceHealth(ctx, dep.ID, out)
}
