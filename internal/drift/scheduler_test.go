package drift

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/skyforge-cloud/deployctl/internal/deployment"
	"github.com/skyforge-cloud/deployctl/internal/deploystate"
	"github.com/skyforge-cloud/deployctl/internal/iaclifecycle"
)

// fakeRepo is a minimal in-memory deployment.Repository stand-in; only
// List and UpdateDrift matter for scheduler tests.
type fakeRepo struct {
	deployed []*deployment.Deployment
	drift    map[string]deployment.DriftSnapshot
}

func (f *fakeRepo) Create(context.Context, *deployment.Deployment) error { return nil }
func (f *fakeRepo) Get(context.Context, string) (*deployment.Deployment, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeRepo) List(_ context.Context, filter deployment.Filter) ([]*deployment.Deployment, error) {
	if filter.Status != string(deploystate.StateDeployed) {
		return nil, nil
	}
	return f.deployed, nil
}
func (f *fakeRepo) UpdateStatus(context.Context, string, deploystate.HistoryEntry) error { return nil }
func (f *fakeRepo) UpdateSource(context.Context, string, deployment.IaCSource) error     { return nil }
func (f *fakeRepo) CommitVersion(context.Context, string, []iaclifecycle.ResourceRef) (int, error) {
	return 0, nil
}
func (f *fakeRepo) UpdateResourceHealth(context.Context, string, []deployment.ResourceHealth) error {
	return nil
}
func (f *fakeRepo) UpdateDrift(_ context.Context, id string, snapshot deployment.DriftSnapshot) error {
	if f.drift == nil {
		f.drift = map[string]deployment.DriftSnapshot{}
	}
	f.drift[id] = snapshot
	return nil
}
func (f *fakeRepo) Delete(context.Context, string) error { return nil }

type stubDetector struct {
	snapshot deployment.DriftSnapshot
	err      error
}

func (d stubDetector) Detect(context.Context, []iaclifecycle.ResourceRef) (deployment.DriftSnapshot, error) {
	return d.snapshot, d.err
}

var _ = Describe("parseSchedule", func() {
	It("accepts a Go duration", func() {
		sched, err := parseSchedule("30m")
		Expect(err).ToNot(HaveOccurred())
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		Expect(sched.Next(now)).To(Equal(now.Add(30 * time.Minute)))
	})

	It("accepts a standard cron expression", func() {
		sched, err := parseSchedule("0 */6 * * *")
		Expect(err).ToNot(HaveOccurred())
		now := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
		Expect(sched.Next(now)).To(Equal(time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)))
	})

	It("rejects garbage", func() {
		_, err := parseSchedule("not a schedule")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Scheduler sweep", func() {
	It("records drift results for every deployed deployment", func() {
		repo := &fakeRepo{deployed: []*deployment.Deployment{
			{ID: "dep-1", Status: deploystate.StateDeployed},
			{ID: "dep-2", Status: deploystate.StateDeployed},
		}}
		want := deployment.DriftSnapshot{CheckedAt: time.Now().UTC(), InSync: true}
		sched, err := NewScheduler(repo, stubDetector{snapshot: want}, "1h", nil)
		Expect(err).ToNot(HaveOccurred())

		sched.sweep(context.Background())

		Expect(repo.drift).To(HaveLen(2))
		Expect(repo.drift["dep-1"].InSync).To(BeTrue())
		Expect(repo.drift["dep-2"].InSync).To(BeTrue())
	})

	It("skips persisting when detection fails", func() {
		repo := &fakeRepo{deployed: []*deployment.Deployment{{ID: "dep-1", Status: deploystate.StateDeployed}}}
		sched, err := NewScheduler(repo, stubDetector{err: errors.New("provider unavailable")}, "1h", nil)
		Expect(err).ToNot(HaveOccurred())

		sched.sweep(context.Background())

		Expect(repo.drift).To(BeEmpty())
	})
})
