package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Runner executes one job attempt and returns its exit code and output.
// Implementations live in internal/iaclifecycle (iac_init/plan/apply/destroy/
// validate) and internal/processrunner (sandbox_run).
type Runner interface {
	Run(ctx context.Context, job Job) (exitCode int, output string, err error)
}

const scanInterval = 2 * time.Second

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDefaultRetryPolicy sets the retry defaults applied when a job omits one.
func WithDefaultRetryPolicy(policy RetryPolicy) Option {
	return func(d *Dispatcher) { d.defaultRetryPolicy = policy }
}

// WithLifecycleObserver wires lifecycle notifications to audit/streamhub.
func WithLifecycleObserver(observer LifecycleObserver) Option {
	return func(d *Dispatcher) {
		if observer == nil {
			d.lifecycleObserver = noopLifecycleObserver{}
			return
		}
		d.lifecycleObserver = observer
	}
}

// Dispatcher submits and processes jobs: a persisted queue with a FIFO
// lease per kind, exponential backoff on failure, and bounded history kept
// in the store.
type Dispatcher struct {
	store   *Store
	runners map[string]Runner
	logger  *zap.Logger

	mu                 sync.Mutex
	cancel             context.CancelFunc
	ticker             *time.Ticker
	leased             map[string]struct{} // job IDs currently being processed
	runningCancel      map[string]context.CancelFunc
	pendingRetryCancel map[string]context.CancelFunc
	defaultRetryPolicy RetryPolicy
	lifecycleObserver  LifecycleObserver
	wg                 sync.WaitGroup
}

// New creates a Dispatcher. runners maps job Kind to the Runner that
// executes it (e.g. KindIaCPlan -> the IaC lifecycle manager's plan step).
func New(store *Store, runners map[string]Runner, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		store:              store,
		runners:            runners,
		logger:             logger,
		leased:             make(map[string]struct{}),
		runningCancel:      make(map[string]context.CancelFunc),
		pendingRetryCancel: make(map[string]context.CancelFunc),
		lifecycleObserver:  noopLifecycleObserver{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Submit enqueues a new job and returns immediately; the scan loop picks it
// up within scanInterval once Start has been called.
func (d *Dispatcher) Submit(deploymentID, kind, payload string, retry *RetryPolicy) (*Job, error) {
	job, err := d.store.CreateJob(Job{
		Kind:         kind,
		DeploymentID: deploymentID,
		Payload:      payload,
		RetryPolicy:  retry,
	})
	if err != nil {
		return nil, err
	}
	d.emit(LifecycleEvent{Type: EventJobCreated, Actor: "dispatcher", JobID: job.ID, DeploymentID: job.DeploymentID})
	d.emit(LifecycleEvent{Type: EventJobRunQueued, Actor: "dispatcher", JobID: job.ID, DeploymentID: job.DeploymentID})
	return job, nil
}

// Start begins the background scan loop. Safe to call multiple times.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.ticker != nil {
		d.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.ticker = time.NewTicker(scanInterval)
	ticker := d.ticker
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.scanOnce()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				d.scanOnce()
			}
		}
	}()
}

// Stop halts the scan loop and cancels any pending retry timers. In-flight
// runs are left to finish; callers that need hard cancellation should call
// Cancel for each job first.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.ticker == nil {
		d.mu.Unlock()
		return
	}
	d.ticker.Stop()
	d.ticker = nil
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	for key, cancelRetry := range d.pendingRetryCancel {
		if cancelRetry != nil {
			cancelRetry()
		}
		delete(d.pendingRetryCancel, key)
	}
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) scanOnce() {
	for kind := range d.runners {
		due, err := d.store.ListJobsByKind(kind)
		if err != nil {
			d.logger.Warn("list jobs by kind failed", zap.String("kind", kind), zap.Error(err))
			continue
		}
		for _, job := range due {
			if !d.claim(job.ID) {
				continue
			}
			d.wg.Add(1)
			go func(job Job) {
				defer d.wg.Done()
				d.process(job, 1)
			}(job)
		}
	}
}

// process runs one attempt, recording the run, emitting lifecycle events,
// and scheduling a retry with exponential backoff on failure.
func (d *Dispatcher) process(job Job, attempt int) {
	defer d.release(job.ID)

	runner, ok := d.runners[job.Kind]
	if !ok {
		d.logger.Warn("no runner registered for job kind", zap.String("kind", job.Kind))
		return
	}

	policy, err := resolveRetryPolicy(job.RetryPolicy, d.defaultRetryPolicy)
	if err != nil {
		d.logger.Warn("resolve retry policy failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	run, err := d.store.RecordRunStart(Run{JobID: job.ID, Attempt: attempt, MaxAttempts: policy.MaxAttempts})
	if err != nil {
		d.logger.Warn("record run start failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	d.emit(LifecycleEvent{Type: EventJobRunStarted, Actor: "dispatcher", JobID: job.ID, RunID: run.ID, DeploymentID: job.DeploymentID, Attempt: attempt, MaxAttempts: policy.MaxAttempts})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	d.mu.Lock()
	d.runningCancel[job.ID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.runningCancel, job.ID)
		d.mu.Unlock()
		cancel()
	}()

	exitCode, output, runErr := runner.Run(ctx, job)

	status := RunStatusSuccess
	if runErr != nil || exitCode != 0 {
		status = RunStatusFailed
	}

	var retryAt *time.Time
	if status == RunStatusFailed && attempt < policy.MaxAttempts {
		delay := policy.nextRetryDelay(attempt)
		ts := time.Now().UTC().Add(delay)
		retryAt = &ts
	}

	if err := d.store.CompleteRun(run.ID, status, &exitCode, output, retryAt); err != nil {
		d.logger.Warn("complete run failed", zap.String("run_id", run.ID), zap.Error(err))
	}

	terminal := EventJobRunFailed
	if status == RunStatusSuccess {
		terminal = EventJobRunSucceeded
	}
	d.emit(LifecycleEvent{Type: terminal, Actor: "dispatcher", JobID: job.ID, RunID: run.ID, DeploymentID: job.DeploymentID, Attempt: attempt, MaxAttempts: policy.MaxAttempts})

	if retryAt != nil {
		d.emit(LifecycleEvent{Type: EventJobRunRetryScheduled, Actor: "dispatcher", JobID: job.ID, RunID: run.ID, DeploymentID: job.DeploymentID, Attempt: attempt + 1, MaxAttempts: policy.MaxAttempts, DeferredUntil: retryAt})
		d.scheduleRetry(job, attempt+1, *retryAt)
	}
}

func (d *Dispatcher) scheduleRetry(job Job, nextAttempt int, scheduledAt time.Time) {
	delay := time.Until(scheduledAt)
	if delay < 0 {
		delay = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	if existing := d.pendingRetryCancel[job.ID]; existing != nil {
		existing()
	}
	d.pendingRetryCancel[job.ID] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		d.mu.Lock()
		delete(d.pendingRetryCancel, job.ID)
		d.mu.Unlock()

		if !d.claim(job.ID) {
			return
		}
		d.process(job, nextAttempt)
	}()
}

// Cancel requests cancellation of a job's pending retry timer and, if the
// job is currently leased, cancels the context passed into the live
// runner.Run call — the cancellation signal propagates from there through
// the IaC lifecycle manager / process runner to the subprocess.
func (d *Dispatcher) Cancel(jobID string) error {
	d.mu.Lock()
	if cancel, ok := d.pendingRetryCancel[jobID]; ok {
		cancel()
		delete(d.pendingRetryCancel, jobID)
	}
	if cancel, ok := d.runningCancel[jobID]; ok {
		cancel()
	}
	d.mu.Unlock()

	runs, err := d.store.ListRuns(RunQuery{JobID: jobID, Limit: 1})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return nil
	}
	latest := runs[0]
	if latest.Status != RunStatusRunning && latest.Status != RunStatusQueued {
		return nil
	}
	if err := d.store.CancelRun(latest.ID, "canceled by caller"); err != nil {
		if IsInvalidRunTransition(err) {
			return nil
		}
		return err
	}
	d.emit(LifecycleEvent{Type: EventJobRunCanceled, Actor: "dispatcher", JobID: jobID, RunID: latest.ID})
	return nil
}

func (d *Dispatcher) claim(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.leased[jobID]; ok {
		return false
	}
	d.leased[jobID] = struct{}{}
	return true
}

func (d *Dispatcher) release(jobID string) {
	d.mu.Lock()
	delete(d.leased, jobID)
	d.mu.Unlock()
}

func (d *Dispatcher) emit(evt LifecycleEvent) {
	if d == nil || d.lifecycleObserver == nil {
		return
	}
	d.lifecycleObserver.ObserveJobLifecycleEvent(evt.normalize())
}
