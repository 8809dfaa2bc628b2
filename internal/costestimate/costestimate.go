// Package costestimate is the cost-estimation contract: given a plan's
// resource set, project a monthly cost. No pricing-API integration is
// wired in; estimates come from a deterministic, table-driven
// per-resource-type lookup instead of a live call to a pricing API.
package costestimate

import (
	"context"

	"github.com/skyforge-cloud/deployctl/internal/deployment"
	"github.com/skyforge-cloud/deployctl/internal/iaclifecycle"
)

// Estimator projects a cost for a plan's resource set.
type Estimator interface {
	Estimate(ctx context.Context, resources []iaclifecycle.ResourceRef) (deployment.CostEstimate, error)
}

// monthlyRates is a deliberately small, static table standing in for a
// pricing-API lookup: enough resource types to make the mock's output
// vary meaningfully by plan, not a real price list.
var monthlyRates = map[string]float64{
	"aws_instance":                  35.00,
	"aws_db_instance":               120.00,
	"aws_s3_bucket":                 0.50,
	"aws_lb":                        18.00,
	"aws_nat_gateway":               32.00,
	"aws_eks_cluster":                73.00,
	"aws_ecs_service":               15.00,
	"google_compute_instance":       30.00,
	"azurerm_linux_virtual_machine": 40.00,
}

const defaultMonthlyRate = 5.00

// MockEstimator implements Estimator with the static rate table.
type MockEstimator struct{}

// Estimate implements Estimator.
func (MockEstimator) Estimate(_ context.Context, resources []iaclifecycle.ResourceRef) (deployment.CostEstimate, error) {
	est := deployment.CostEstimate{Currency: "USD"}
	for _, r := range resources {
		rate, ok := monthlyRates[r.Type]
		if !ok {
			rate = defaultMonthlyRate
		}
		est.Breakdown = append(est.Breakdown, deployment.CostLineItem{ResourceType: r.Type, Monthly: rate})
		est.MonthlyEstimate += rate
	}
	return est, nil
}
