package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/qefleet/qefleet/internal/graph"
	"github.com/qefleet/qefleet/internal/memory"
	"github.com/qefleet/qefleet/internal/policy"
	"github.com/qefleet/qefleet/internal/router"
	"github.com/qefleet/qefleet/internal/worker"
	"github.com/qefleet/qefleet/pkg/models"
)

// Store namespaces. Results are keyed by fingerprint and shared across runs
// in the same partition; outputs are keyed by task ID within the run.
const (
	nsResults = "results"
	nsOutputs = "outputs"
)

// ErrInvalidSpec indicates the workflow spec was rejected before execution.
var ErrInvalidSpec = errors.New("invalid workflow spec")

// Deps are the collaborators a workflow executes against.
type Deps struct {
	// Store is the coordination store for dedup locks and result sharing.
	Store memory.Store
	// Router selects the execution tier for each task.
	Router *router.Router
	// Policy receives reward feedback after each terminal task. Nil
	// disables learning.
	Policy *policy.Policy
	// Registry resolves worker IDs to implementations.
	Registry *worker.Registry
}

// Outcome is the terminal record for one task in a run.
type Outcome struct {
	TaskID   string            `json:"task_id"`
	Status   models.TaskStatus `json:"status"`
	Tier     models.Tier       `json:"tier,omitempty"`
	Attempts int               `json:"attempts"`
	Output   map[string]any    `json:"output,omitempty"`
	Error    string            `json:"error,omitempty"`
	Cost     float64           `json:"cost"`
	Latency  time.Duration     `json:"latency"`
	// Deduplicated is true when the result was reused from an equivalent
	// execution instead of invoking the worker.
	Deduplicated bool `json:"deduplicated,omitempty"`
}

// Summary is the final report for a workflow run.
type Summary struct {
	WorkflowID string                `json:"workflow_id"`
	Name       string                `json:"name"`
	Status     models.WorkflowStatus `json:"status"`
	Policy     models.FailurePolicy  `json:"policy"`
	// TriggeredBy names the task whose failure aborted the run, or
	// "cancelled" for external cancellation. Empty for completed runs.
	TriggeredBy string              `json:"triggered_by,omitempty"`
	Tasks       map[string]*Outcome `json:"tasks"`
	TotalCost   float64             `json:"total_cost"`
	Duration    time.Duration       `json:"duration"`
}

// Succeeded returns the number of tasks that completed successfully.
func (s *Summary) Succeeded() int {
	n := 0
	for _, out := range s.Tasks {
		if out.Status == models.TaskStatusSucceeded {
			n++
		}
	}
	return n
}

// Failed returns the number of tasks that failed terminally.
func (s *Summary) Failed() int {
	n := 0
	for _, out := range s.Tasks {
		if out.Status == models.TaskStatusFailed {
			n++
		}
	}
	return n
}

// Workflow is a single-use execution of a workflow spec. Create one with
// New and run it once with Run.
type Workflow struct {
	id    string
	spec  *models.WorkflowSpec
	graph *graph.DependencyGraph
	deps  Deps

	maxInFlight  int
	maxRetries   int
	retryBackoff time.Duration
	taskDeadline time.Duration
	lockLease    time.Duration
	resultTTL    time.Duration
	partition    string
	eventBuffer  int

	rewardWeights policy.RewardWeights
	rewardScale   policy.RewardScale

	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	emitter *EventEmitter
	logger  *DebugLogger
}

// New validates the spec and prepares a workflow for execution. Cycles,
// duplicate task IDs, unknown dependency references, and unregistered
// workers are all rejected here, before anything runs.
func New(spec *models.WorkflowSpec, deps Deps, opts ...Option) (*Workflow, error) {
	if spec == nil {
		return nil, fmt.Errorf("%w: spec is nil", ErrInvalidSpec)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("engine requires a coordination store")
	}
	if deps.Router == nil {
		return nil, fmt.Errorf("engine requires a router")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("engine requires a worker registry")
	}

	for _, task := range spec.Tasks {
		if _, ok := deps.Registry.Get(task.WorkerID); !ok {
			return nil, fmt.Errorf("%w: task %s references unregistered worker %q", ErrInvalidSpec, task.ID, task.WorkerID)
		}
	}

	g := graph.New()
	if err := g.Build(spec); err != nil {
		if errors.Is(err, graph.ErrCycleDetected) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}

	w := &Workflow{
		id:            uuid.New().String(),
		spec:          spec,
		graph:         g,
		deps:          deps,
		maxInFlight:   spec.MaxInFlight,
		maxRetries:    3,
		retryBackoff:  time.Second,
		taskDeadline:  10 * time.Minute,
		lockLease:     10 * time.Minute,
		resultTTL:     10 * time.Minute,
		eventBuffer:   64,
		rewardWeights: policy.DefaultRewardWeights(),
		rewardScale:   policy.DefaultRewardScale(),
		clock:         time.Now,
		sleep:         sleepCtx,
		logger:        NopLogger(),
	}

	for _, opt := range opts {
		opt(w)
	}

	// A lease longer than the attempt window would let a crashed holder's
	// orphaned lock outlive the attempt it guards.
	if w.taskDeadline > 0 && w.lockLease > w.taskDeadline {
		w.lockLease = w.taskDeadline
	}

	w.emitter = NewEventEmitter(w.eventBuffer)
	g.SetDebugLog(w.logger.Log)

	for _, task := range spec.Tasks {
		task.Status = models.TaskStatusPending
		if task.CreatedAt.IsZero() {
			task.CreatedAt = w.clock()
		}
	}

	return w, nil
}

// ID returns the run's unique identifier.
func (w *Workflow) ID() string { return w.id }

// Events returns the run's event stream. Subscribers should drain it while
// Run executes; the channel closes when Run returns.
func (w *Workflow) Events() <-chan Event { return w.emitter.Events() }

// Run executes the workflow to completion, abort, or cancellation. It
// dispatches ready tasks up to the in-flight bound, waits for completions,
// and repeats until nothing is dispatchable. Returns the run summary; the
// error is non-nil only for external cancellation.
func (w *Workflow) Run(ctx context.Context) (*Summary, error) {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	defer w.emitter.Close()

	start := w.clock()
	summary := &Summary{
		WorkflowID: w.id,
		Name:       w.spec.Name,
		Status:     models.WorkflowStatusRunning,
		Policy:     w.spec.DefaultPolicy(),
		Tasks:      make(map[string]*Outcome, w.graph.Size()),
	}

	w.logger.Log("[run] workflow %s (%s) starting with %d tasks, policy=%s",
		w.id, w.spec.Name, w.graph.Size(), summary.Policy)

	completionCh := make(chan *Outcome, w.graph.Size())
	inflight := make(map[string]bool)
	aborted := false

	for {
		if err := ctx.Err(); err != nil {
			cancelRun()
			w.drainInflight(inflight, completionCh, summary)
			w.finalize(summary, true, "cancelled", start)
			return summary, err
		}

		if !aborted {
			for _, task := range w.dispatchable(inflight) {
				if w.maxInFlight > 0 && len(inflight) >= w.maxInFlight {
					break
				}
				w.dispatch(runCtx, task, inflight, completionCh)
			}
		}

		if len(inflight) == 0 {
			break
		}

		select {
		case <-ctx.Done():
			cancelRun()
			w.drainInflight(inflight, completionCh, summary)
			w.finalize(summary, true, "cancelled", start)
			return summary, ctx.Err()

		case out := <-completionCh:
			delete(inflight, out.TaskID)
			w.recordOutcome(summary, out)

			if out.Status == models.TaskStatusFailed && !aborted && w.abortsOn(out.TaskID) {
				aborted = true
				summary.TriggeredBy = out.TaskID
				w.logger.Log("[run] task %s failed under abort policy, cancelling remaining work", out.TaskID)
				cancelRun()
			}
		}
	}

	w.finalize(summary, aborted, summary.TriggeredBy, start)
	return summary, nil
}

// abortsOn reports whether taskID's failure aborts the run. The policy is
// resolved per outgoing edge: the failure aborts when it propagates along
// at least one abort edge. A task with no dependents falls back to the
// workflow default.
func (w *Workflow) abortsOn(taskID string) bool {
	dependents := w.graph.Dependents(taskID)
	if len(dependents) == 0 {
		return w.spec.DefaultPolicy() == models.FailurePolicyAbort
	}
	for _, depID := range dependents {
		for _, dep := range w.graph.GetTask(depID).DependsOn {
			if dep.TaskID == taskID && w.spec.EdgePolicy(dep) == models.FailurePolicyAbort {
				return true
			}
		}
	}
	return false
}

// dispatchable returns ready tasks not yet in flight, ordered by priority
// descending with spec insertion order breaking ties.
func (w *Workflow) dispatchable(inflight map[string]bool) []*models.Task {
	var tasks []*models.Task
	for _, id := range w.graph.Ready() {
		if inflight[id] {
			continue
		}
		task := w.graph.GetTask(id)
		if task.Status == models.TaskStatusPending {
			task.Status = models.TaskStatusReady
			w.emit(Event{Type: EventTaskQueued, TaskID: id, WorkerID: task.WorkerID})
		}
		tasks = append(tasks, task)
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return w.graph.InsertionIndex(tasks[i].ID) < w.graph.InsertionIndex(tasks[j].ID)
	})
	return tasks
}

// dispatch hands a task to its worker in a new goroutine.
func (w *Workflow) dispatch(ctx context.Context, task *models.Task, inflight map[string]bool, done chan *Outcome) {
	task.Status = models.TaskStatusDispatched
	now := w.clock()
	task.DispatchedAt = &now
	inflight[task.ID] = true

	w.logger.Log("[run] dispatching task %s (worker=%s)", task.ID, task.WorkerID)
	w.emit(Event{Type: EventTaskDispatched, TaskID: task.ID, WorkerID: task.WorkerID})

	go func() {
		done <- w.executeTask(ctx, task)
	}()
}

// drainInflight collects outcomes of already-dispatched tasks after
// cancellation. Their goroutines observe the cancelled context and finish
// quickly; results are recorded as cancelled.
func (w *Workflow) drainInflight(inflight map[string]bool, done chan *Outcome, summary *Summary) {
	for len(inflight) > 0 {
		out := <-done
		delete(inflight, out.TaskID)
		if out.Status == models.TaskStatusSucceeded {
			// In-flight work that raced the cancellation is discarded.
			out.Status = models.TaskStatusCancelled
			out.Output = nil
		}
		w.recordOutcome(summary, out)
	}
}

// recordOutcome folds a terminal outcome into the summary and graph state.
func (w *Workflow) recordOutcome(summary *Summary, out *Outcome) {
	summary.Tasks[out.TaskID] = out
	summary.TotalCost += out.Cost

	task := w.graph.GetTask(out.TaskID)
	task.Status = out.Status
	task.Tier = out.Tier
	task.Error = out.Error
	if out.Attempts > 0 {
		task.RetryCount = out.Attempts - 1
	}
	now := w.clock()
	task.CompletedAt = &now

	switch out.Status {
	case models.TaskStatusSucceeded:
		w.graph.MarkSucceeded(out.TaskID)
		w.emit(Event{Type: EventTaskSucceeded, TaskID: out.TaskID, Tier: out.Tier, Cost: out.Cost, Duration: out.Latency})
	case models.TaskStatusFailed:
		w.graph.MarkFailed(out.TaskID)
		w.emit(Event{Type: EventTaskFailed, TaskID: out.TaskID, Tier: out.Tier, Message: out.Error})
	case models.TaskStatusCancelled:
		w.emit(Event{Type: EventTaskCancelled, TaskID: out.TaskID})
	}

	w.logger.Log("[run] task %s finished: status=%s attempts=%d cost=%.4f",
		out.TaskID, out.Status, out.Attempts, out.Cost)
}

// finalize marks leftover tasks cancelled and stamps the summary.
func (w *Workflow) finalize(summary *Summary, aborted bool, trigger string, start time.Time) {
	for _, task := range w.spec.Tasks {
		if task.Status.Terminal() {
			continue
		}
		task.Status = models.TaskStatusCancelled
		now := w.clock()
		task.CompletedAt = &now
		summary.Tasks[task.ID] = &Outcome{TaskID: task.ID, Status: models.TaskStatusCancelled}
		w.emit(Event{Type: EventTaskCancelled, TaskID: task.ID})
	}

	summary.Duration = w.clock().Sub(start)
	if aborted {
		summary.Status = models.WorkflowStatusAborted
		summary.TriggeredBy = trigger
		w.emit(Event{Type: EventWorkflowAborted, Message: trigger, Cost: summary.TotalCost, Duration: summary.Duration})
	} else {
		summary.Status = models.WorkflowStatusCompleted
		w.emit(Event{Type: EventWorkflowCompleted, Cost: summary.TotalCost, Duration: summary.Duration})
	}

	w.logger.Log("[run] workflow %s finished: status=%s succeeded=%d failed=%d cost=%.4f",
		w.id, summary.Status, summary.Succeeded(), summary.Failed(), summary.TotalCost)
}

// executeTask runs one task through routing, dedup locking, execution, and
// retries, and returns its terminal outcome.
func (w *Workflow) executeTask(ctx context.Context, task *models.Task) *Outcome {
	wk, _ := w.deps.Registry.Get(task.WorkerID)
	decision := w.deps.Router.SelectTier(router.Features{
		TaskType:   task.Type,
		InputSize:  task.InputSize(),
		Complexity: task.Complexity,
	})
	task.Tier = decision.Tier

	fp := Fingerprint(task.WorkerID, task.Input)
	holder := w.id + "/" + task.ID
	input := w.buildInput(ctx, task)

	w.logger.Log("[task %s] routed to tier=%s bucket=%s learned=%v fingerprint=%s",
		task.ID, decision.Tier, decision.Bucket, decision.Learned, fp[:12])

	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return &Outcome{TaskID: task.ID, Status: models.TaskStatusCancelled, Tier: decision.Tier, Attempts: attempts}
		}

		if attempt > 0 {
			delay := w.retryBackoff << (attempt - 1)
			w.emit(Event{Type: EventTaskRetrying, TaskID: task.ID, Attempt: attempt + 1, Message: lastErr.Error()})
			w.logger.Log("[task %s] retry %d/%d after %v: %v", task.ID, attempt, w.maxRetries, delay, lastErr)
			if err := w.sleep(ctx, delay); err != nil {
				return &Outcome{TaskID: task.ID, Status: models.TaskStatusCancelled, Tier: decision.Tier, Attempts: attempts}
			}
		}

		acquired, err := w.deps.Store.TryAcquireLock(ctx, fp, holder, w.lockLease)
		if err != nil {
			lastErr = fmt.Errorf("acquire dedup lock: %w", err)
			continue
		}
		if !acquired {
			res, tookOver := w.awaitDuplicate(ctx, fp, holder)
			if res != nil {
				w.logger.Log("[task %s] reused result from equivalent execution", task.ID)
				w.emit(Event{Type: EventTaskDeduplicated, TaskID: task.ID, Tier: decision.Tier})
				w.storeOutput(ctx, task.ID, res.Output)
				return &Outcome{
					TaskID:       task.ID,
					Status:       models.TaskStatusSucceeded,
					Tier:         decision.Tier,
					Attempts:     attempts,
					Output:       res.Output,
					Latency:      res.Latency,
					Deduplicated: true,
				}
			}
			if !tookOver {
				lastErr = fmt.Errorf("equivalent task in flight, no result appeared for fingerprint %s", fp[:12])
				continue
			}
			w.logger.Log("[task %s] equivalent execution released its lock without a result, taking over", task.ID)
		}

		attempts++
		res, execErr := w.runAttempt(ctx, wk, decision.Tier, input)

		if execErr == nil {
			w.storeResult(ctx, fp, res)
			w.storeOutput(ctx, task.ID, res.Output)
			w.releaseLock(fp, holder)
			w.feedback(task.ID, decision, res.QualityScore, res.Cost, res.Latency)
			return &Outcome{
				TaskID:   task.ID,
				Status:   models.TaskStatusSucceeded,
				Tier:     decision.Tier,
				Attempts: attempts,
				Output:   res.Output,
				Cost:     res.Cost,
				Latency:  res.Latency,
			}
		}

		w.releaseLock(fp, holder)
		lastErr = execErr

		if ctx.Err() != nil {
			return &Outcome{TaskID: task.ID, Status: models.TaskStatusCancelled, Tier: decision.Tier, Attempts: attempts}
		}
		if !worker.IsTransient(execErr) {
			w.logger.Log("[task %s] permanent failure: %v", task.ID, execErr)
			break
		}
	}

	w.feedback(task.ID, decision, 0, 0, 0)
	errMsg := "retries exhausted"
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	return &Outcome{
		TaskID:   task.ID,
		Status:   models.TaskStatusFailed,
		Tier:     decision.Tier,
		Attempts: attempts,
		Error:    errMsg,
	}
}

// runAttempt invokes the worker under the per-attempt deadline.
func (w *Workflow) runAttempt(ctx context.Context, wk worker.Worker, tier models.Tier, input map[string]any) (*worker.Result, error) {
	attemptCtx := ctx
	if w.taskDeadline > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, w.taskDeadline)
		defer cancel()
	}

	res, err := wk.Execute(attemptCtx, tier, input)
	if err != nil {
		if attemptCtx.Err() != nil && ctx.Err() == nil {
			// Attempt deadline, not external cancellation: retryable.
			return nil, worker.Transient(err)
		}
		return nil, err
	}
	if res == nil {
		return nil, worker.Permanent(fmt.Errorf("worker returned nil result"))
	}
	return res, nil
}

// awaitDuplicate polls the result namespace for the output of the
// equivalent execution that holds the dedup lock, and the lock itself so a
// holder that gives up without a result frees the waiter immediately.
// Returns the stored result, or tookOver=true when the waiter acquired the
// lock and should run the task itself. Gives up once the lock lease
// elapses, at which point the lock is retryable anyway.
func (w *Workflow) awaitDuplicate(ctx context.Context, fingerprint, holder string) (res *worker.Result, tookOver bool) {
	const pollInterval = 50 * time.Millisecond
	deadline := w.clock().Add(w.lockLease)

	for {
		if res, found := w.fetchResult(ctx, fingerprint); found {
			return res, false
		}

		// A holder stores its result before releasing the lock, so a free
		// lock without a result means it failed and gave up.
		acquired, err := w.deps.Store.TryAcquireLock(ctx, fingerprint, holder, w.lockLease)
		if err == nil && acquired {
			if res, found := w.fetchResult(ctx, fingerprint); found {
				w.releaseLock(fingerprint, holder)
				return res, false
			}
			return nil, true
		}

		if !w.clock().Before(deadline) {
			return nil, false
		}
		if sleepErr := w.sleep(ctx, pollInterval); sleepErr != nil {
			return nil, false
		}
	}
}

// fetchResult reads and decodes a stored dedup result, if present.
func (w *Workflow) fetchResult(ctx context.Context, fingerprint string) (*worker.Result, bool) {
	data, err := w.deps.Store.Get(ctx, nsResults, fingerprint, w.partition)
	if err != nil {
		return nil, false
	}
	var res worker.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, false
	}
	return &res, true
}

// buildInput assembles the worker payload: the task's own input plus the
// outputs of its dependencies under "deps". Failed dependencies tolerated
// by a continue edge appear as failure placeholders so downstream workers
// can degrade instead of crash.
func (w *Workflow) buildInput(ctx context.Context, task *models.Task) map[string]any {
	input := make(map[string]any, len(task.Input)+1)
	for k, v := range task.Input {
		input[k] = v
	}

	deps := make(map[string]any)
	for _, dep := range task.DependsOn {
		if w.graph.Failed(dep.TaskID) {
			depTask := w.graph.GetTask(dep.TaskID)
			deps[dep.TaskID] = map[string]any{"failed": true, "error": depTask.Error}
			continue
		}
		data, err := w.deps.Store.Get(ctx, nsOutputs, dep.TaskID, w.id)
		if err != nil {
			continue
		}
		var out map[string]any
		if err := json.Unmarshal(data, &out); err == nil {
			deps[dep.TaskID] = out
		}
	}
	if len(deps) > 0 {
		input["deps"] = deps
	}
	return input
}

// storeResult persists the full result keyed by fingerprint for dedup reuse.
func (w *Workflow) storeResult(ctx context.Context, fingerprint string, res *worker.Result) {
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := w.putWithRetry(ctx, nsResults, fingerprint, data, w.resultTTL, w.partition); err != nil {
		w.logger.Log("[store] failed to persist result %s: %v", fingerprint[:12], err)
	}
}

// storeOutput persists a task's output keyed by its ID, partitioned by run,
// so dependents can pick it up.
func (w *Workflow) storeOutput(ctx context.Context, taskID string, output map[string]any) {
	if output == nil {
		output = map[string]any{}
	}
	data, err := json.Marshal(output)
	if err != nil {
		return
	}
	if err := w.putWithRetry(ctx, nsOutputs, taskID, data, w.resultTTL, w.id); err != nil {
		w.logger.Log("[store] failed to persist output %s: %v", taskID, err)
	}
}

// putWithRetry writes to the store, retrying unavailability with doubling
// backoff. Other errors are not retried.
func (w *Workflow) putWithRetry(ctx context.Context, namespace, key string, data []byte, ttl time.Duration, partition string) error {
	const maxPutAttempts = 4
	backoff := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxPutAttempts; attempt++ {
		if attempt > 0 {
			if sleepErr := w.sleep(ctx, backoff); sleepErr != nil {
				return err
			}
			backoff *= 2
		}
		err = w.deps.Store.Put(ctx, namespace, key, data, ttl, partition)
		if err == nil || !errors.Is(err, memory.ErrUnavailable) {
			return err
		}
	}
	return err
}

// releaseLock releases a dedup lock on a background context so a cancelled
// run still frees locks it holds.
func (w *Workflow) releaseLock(fingerprint, holder string) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.deps.Store.ReleaseLock(releaseCtx, fingerprint, holder); err != nil {
		w.logger.Log("[store] failed to release lock %s: %v", fingerprint[:12], err)
	}
}

// feedback reports a terminal task outcome to the learning policy.
func (w *Workflow) feedback(taskID string, decision router.Decision, quality, cost float64, latency time.Duration) {
	if w.deps.Policy == nil {
		return
	}
	reward := policy.Reward(quality, cost, latency, w.rewardWeights, w.rewardScale)
	if err := w.deps.Policy.Update(taskID, decision.Bucket, decision.Tier, reward); err != nil {
		w.logger.Log("[policy] update failed for task %s: %v", taskID, err)
	}
}

func (w *Workflow) emit(event Event) {
	event.WorkflowID = w.id
	event.Timestamp = w.clock()
	w.emitter.Emit(event)
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
