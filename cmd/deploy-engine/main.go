// deploy-engine is the deployment engine's composition root. It constructs
// every store and service exactly once and wires them into the HTTP/WS
// server; nothing downstream holds a package-level singleton.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/skyforge-cloud/deployctl/internal/aiclient"
	"github.com/skyforge-cloud/deployctl/internal/approval"
	"github.com/skyforge-cloud/deployctl/internal/audit"
	"github.com/skyforge-cloud/deployctl/internal/auth"
	"github.com/skyforge-cloud/deployctl/internal/config"
	"github.com/skyforge-cloud/deployctl/internal/deployment"
	"github.com/skyforge-cloud/deployctl/internal/deploystate"
	"github.com/skyforge-cloud/deployctl/internal/dispatcher"
	"github.com/skyforge-cloud/deployctl/internal/drift"
	"github.com/skyforge-cloud/deployctl/internal/engineerr"
	"github.com/skyforge-cloud/deployctl/internal/iaclifecycle"
	"github.com/skyforge-cloud/deployctl/internal/k8shealth"
	_ "github.com/skyforge-cloud/deployctl/internal/metrics"
	"github.com/skyforge-cloud/deployctl/internal/mcpserver"
	"github.com/skyforge-cloud/deployctl/internal/notification"
	"github.com/skyforge-cloud/deployctl/internal/objectstorage"
	"github.com/skyforge-cloud/deployctl/internal/orchestrator"
	"github.com/skyforge-cloud/deployctl/internal/processrunner"
	"github.com/skyforge-cloud/deployctl/internal/server"
	"github.com/skyforge-cloud/deployctl/internal/shared/ratelimit"
	"github.com/skyforge-cloud/deployctl/internal/statelock"
	"github.com/skyforge-cloud/deployctl/internal/streamhub"
	"github.com/skyforge-cloud/deployctl/internal/telemetry"
	"github.com/skyforge-cloud/deployctl/internal/workingtree"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to JSON config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// controller-runtime's metrics registry (used by internal/metrics)
	// logs a warning on first use unless a logr sink is installed; route
	// it through the same zap logger everything else uses.
	ctrl.SetLogger(zapr.NewLogger(logger))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), version)
	if err != nil {
		logger.Fatal("init trace provider", zap.Error(err))
	}
	defer shutdownTracing(context.Background())

	auditStore, err := audit.Open(cfg.AuditDBDSN)
	if err != nil {
		logger.Fatal("open audit store", zap.Error(err))
	}

	deployments, err := deployment.Open(cfg.DataDir + "/deployments.db")
	if err != nil {
		logger.Fatal("open deployment store", zap.Error(err))
	}

	locks, err := statelock.Open(fmt.Sprintf("sqlite://%s/state_locks.db", cfg.DataDir), auditStore)
	if err != nil {
		logger.Fatal("open state lock store", zap.Error(err))
	}

	objects, err := objectstorage.New(cfg.ObjectStorage.Backend, objectstorage.Config{
		Bucket:    cfg.ObjectStorage.Bucket,
		Region:    cfg.ObjectStorage.Region,
		LocalRoot: cfg.ObjectStorage.LocalRoot,
		OCIRef:    cfg.ObjectStorage.OCIRef,
	})
	if err != nil {
		logger.Fatal("open object storage", zap.Error(err))
	}

	hub := streamhub.New(256)
	shell := processrunner.New(hub, logger, cfg.MaxOutputBytes)

	tree := workingtree.New(cfg.WorkingTreeRoot, workingtree.BackendConfig{}, shell)

	holderID := hostID()
	iac := iaclifecycle.New(tree, locks, shell, objects, cfg.IaCBinary, holderID, logger)

	machine := deploystate.New(auditStore, logger)

	ai := aiclient.New(cfg.AI.BaseURL, cfg.AI.APIKey)

	var health orchestrator.HealthChecker = orchestrator.MockHealthChecker{}
	if cfg.HealthCheck.KubernetesEnabled {
		checker, err := k8shealth.New(cfg.HealthCheck.KubernetesNamespace)
		if err != nil {
			logger.Warn("kubernetes health checker unavailable, falling back to mock", zap.Error(err))
		} else {
			health = checker
		}
	}

	orch := orchestrator.New(
		deployments,
		deployments,
		deployments,
		ai,
		machine,
		iac,
		shell,
		auditStore,
		health,
		8,
		logger,
	)

	approvals := approval.NewQueue(30*time.Minute, 1000)
	approvals.StartReaper(5*time.Minute, ctx.Done())
	orch.SetApprovalQueue(approvals)

	jobStore, err := dispatcher.NewStore(cfg.DataDir + "/jobs.db")
	if err != nil {
		logger.Fatal("open job store", zap.Error(err))
	}

	rollback := &rollbackRunner{iac: iac, deployments: deployments, logger: logger}
	runners := map[string]dispatcher.Runner{
		dispatcher.KindIaCRollback: rollback,
	}

	retryPolicy := dispatcher.RetryPolicy{
		MaxAttempts:    cfg.Jobs.RetryMaxAttempts,
		InitialBackoff: cfg.Jobs.RetryInitialBackoff,
		Multiplier:     cfg.Jobs.RetryMultiplier,
		MaxBackoff:     cfg.Jobs.RetryMaxBackoff,
	}

	notifier := buildNotifier(cfg.Notification, cfg.SigningKey)

	limiterCfg := ratelimit.DefaultConfig()
	if cfg.RateLimit.RequestsPerMinute > 0 {
		limiterCfg.MaxRunsPerHourCluster = cfg.RateLimit.RequestsPerMinute * 60
	}
	limiter := ratelimit.NewLimiter(limiterCfg)

	observer := &rollbackObserver{
		store:       jobStore,
		deployments: deployments,
		notifier:    notifier,
		limiter:     limiter,
		logger:      logger,
	}

	disp := dispatcher.New(jobStore, runners, logger,
		dispatcher.WithDefaultRetryPolicy(retryPolicy),
		dispatcher.WithLifecycleObserver(observer),
	)
	disp.Start(ctx)
	defer disp.Stop()

	if cfg.DriftCheckSchedule != "" {
		scheduler, err := drift.NewScheduler(deployments, drift.MockDetector{}, cfg.DriftCheckSchedule, logger)
		if err != nil {
			logger.Fatal("parse drift check schedule", zap.Error(err))
		}
		go scheduler.Run(ctx)
	}

	var authStore *auth.KeyStore
	if cfg.AuthEnabled {
		authStore, err = auth.NewKeyStore(cfg.DataDir + "/auth.db")
		if err != nil {
			logger.Fatal("open auth store", zap.Error(err))
		}
	}

	var mcp *mcpserver.Server
	if cfg.MCPEnabled {
		mcp = mcpserver.New(deployments, orch, auditStore, approvals, logger)
	}

	srv := server.New(server.Deps{
		Logger:       logger,
		Deployments:  deployments,
		Orchestrator: orch,
		Dispatcher:   disp,
		JobStore:     jobStore,
		Hub:          hub,
		Notifier:     notifier,
		AuthStore:    authStore,
		Limiter:      limiter,
		Approvals:    approvals,
		MCP:          mcp,
	})
	server.Version, server.Commit, server.Date = version, commit, date

	logger.Info("starting deploy-engine",
		zap.String("addr", cfg.ListenAddr),
		zap.String("version", version),
		zap.Bool("auth_enabled", cfg.AuthEnabled),
	)

	if err := srv.ListenAndServe(ctx, cfg.ListenAddr); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// buildNotifier constructs the notification Router from configured
// channels. A deployment with neither webhook configured still gets a
// Router with zero channels; Notify is then a no-op fan-out.
func buildNotifier(cfg config.NotificationConfig, signingKey string) *notification.Router {
	var channels []notification.Channel
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, notification.NewSlackChannel(cfg.SlackWebhookURL))
	}
	if cfg.GenericWebhook != "" {
		if signingKey != "" {
			channels = append(channels, notification.NewSignedWebhookChannel(cfg.GenericWebhook, []byte(signingKey)))
		} else {
			channels = append(channels, notification.NewWebhookChannel(cfg.GenericWebhook))
		}
	}
	return notification.NewRouter(channels, notification.NewRateLimiter(20))
}

func hostID() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return fmt.Sprintf("deploy-engine-%d", os.Getpid())
	}
	return fmt.Sprintf("%s-%d", h, os.Getpid())
}

// rollbackRunner satisfies dispatcher.Runner for KindIaCRollback. There is
// no per-version state snapshot to restore to (versions only track resource
// inventory, not historical IaC source), so a rollback tears the
// deployment's current resources down; the operator re-applies a known-good
// source afterward.
type rollbackRunner struct {
	iac         *iaclifecycle.Manager
	deployments deployment.Repository
	logger      *zap.Logger
}

func (r *rollbackRunner) Run(ctx context.Context, job dispatcher.Job) (int, string, error) {
	result, err := r.iac.Destroy(ctx, job.DeploymentID, iaclifecycle.Options{AutoApprove: true})
	if err != nil {
		return 1, "", fmt.Errorf("rollback destroy: %w", err)
	}
	return 0, result.Output, nil
}

// rollbackObserver watches job lifecycle events for rollback jobs and
// folds the outcome into the deployment's status history, since the
// dispatcher itself has no notion of deployment state machines.
type rollbackObserver struct {
	store       *dispatcher.Store
	deployments deployment.Repository
	notifier    *notification.Router
	limiter     *ratelimit.Limiter
	logger      *zap.Logger
}

func (o *rollbackObserver) ObserveJobLifecycleEvent(event dispatcher.LifecycleEvent) {
	if event.Type != dispatcher.EventJobRunSucceeded && event.Type != dispatcher.EventJobRunFailed {
		return
	}
	job, err := o.store.GetJob(event.JobID)
	if err != nil || job.Kind != dispatcher.KindIaCRollback {
		return
	}

	ctx := context.Background()
	now := timeNow()
	target := deploystate.StateRolledBack
	reason := "rollback completed"
	if event.Type == dispatcher.EventJobRunFailed {
		target = deploystate.StateRollbackFailed
		reason = "rollback attempt failed"
	}

	if err := o.deployments.UpdateStatus(ctx, job.DeploymentID, deploystate.HistoryEntry{
		Status: target, Timestamp: now, Actor: "dispatcher", Reason: reason,
	}); err != nil && !engineerr.Is(err, engineerr.NotFound) {
		o.logger.Warn("update deployment status after rollback", zap.Error(err), zap.String("deployment_id", job.DeploymentID))
	}

	if o.limiter != nil {
		if dep, err := o.deployments.Get(ctx, job.DeploymentID); err == nil {
			o.limiter.RecordComplete(dep.Environment)
		}
	}

	for _, notifyErr := range o.notifier.Notify(ctx, notification.Event{
		DeploymentID: job.DeploymentID,
		Kind:         "state_transition",
		Severity:     severityFor(target),
		Title:        string(target),
		Body:         reason,
		SentAt:       now,
	}) {
		o.logger.Warn("notification delivery failed", zap.Error(notifyErr))
	}
}

func timeNow() time.Time { return time.Now().UTC() }

func severityFor(state deploystate.State) string {
	if state == deploystate.StateRollbackFailed {
		return "critical"
	}
	return "info"
}
