// Package orchestrator drives a task from submission to release: policy
// decision, budget reservation, retrieval context, execution on the chosen
// venue, cost reconciliation and telemetry.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agenthands/cortex/internal/core/model"
	"github.com/agenthands/cortex/internal/ledger"
	"github.com/agenthands/cortex/internal/policy"
	"github.com/agenthands/cortex/internal/remote"
	"github.com/agenthands/cortex/internal/retrieval"
	"github.com/agenthands/cortex/internal/telemetry"
)

const tracerName = "github.com/agenthands/cortex/internal/orchestrator"

type Policy interface {
	Evaluate(in policy.EvalInput) model.Decision
}

type Retriever interface {
	Query(ctx context.Context, req retrieval.QueryRequest) ([]model.RetrievalResult, error)
}

// Executor runs tasks on the local model. Prompt and Parse are reused to
// build remote requests and read remote output.
type Executor interface {
	Execute(ctx context.Context, task model.Task, docs []model.RetrievalResult) (model.TaskResult, error)
	Prompt(task model.Task, docs []model.RetrievalResult) (string, error)
	Parse(ctx context.Context, task model.Task, raw string) (model.TaskResult, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req remote.DispatchRequest) (remote.RemoteResult, error)
}

type Sampler interface {
	Sample() (memory, cpu float64)
}

// Approver confirms tasks whose policy decision carries a require_approval
// advisory.
type Approver interface {
	Approve(ctx context.Context, task model.Task, d model.Decision) bool
}

type Deps struct {
	Ledger    *ledger.Ledger
	Policy    Policy
	Retrieval Retriever
	Local     Executor
	Remote    Dispatcher
	Telemetry telemetry.EventSink
	Sampler   Sampler
	Approver  Approver
	Clock     func() time.Time
	Logger    *log.Logger
	Tracer    trace.Tracer
}

type Options struct {
	Tier                 model.SecurityTier
	HybridThreshold      float64
	AlwaysLocal          []model.Kind
	LocalConfidencePrior map[model.Kind]float64
	RetrievalK           int
	MinSimilarity        float64
	Cost                 CostModel
}

func DefaultOptions() Options {
	return Options{
		Tier:            model.TierStandard,
		HybridThreshold: 0.7,
		AlwaysLocal:     []model.Kind{model.KindModerate, model.KindClassify},
		LocalConfidencePrior: map[model.Kind]float64{
			model.KindChat:      0.6,
			model.KindClassify:  0.85,
			model.KindModerate:  0.9,
			model.KindRecommend: 0.75,
		},
		RetrievalK:    5,
		MinSimilarity: 0.2,
		Cost:          DefaultCostModel(),
	}
}

type Outcome struct {
	TaskID     string           `json:"task_id"`
	Result     model.TaskResult `json:"result"`
	ActualCost int64            `json:"actual_cost"`
	Venue      model.Venue      `json:"venue,omitempty"`
	Confidence float64          `json:"confidence"`
	State      State            `json:"state"`
	Trace      []State          `json:"trace"`
	Decision   model.Decision   `json:"decision"`
}

type Orchestrator struct {
	deps Deps
	opts Options

	mu       sync.Mutex
	tier     model.SecurityTier
	inflight map[string]context.CancelFunc
}

func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Ledger == nil || deps.Policy == nil || deps.Local == nil {
		return nil, fmt.Errorf("orchestrator requires a ledger, a policy engine and a local executor")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = log.New(os.Stderr, "[orchestrator] ", log.LstdFlags)
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	def := DefaultOptions()
	if opts.Tier == "" {
		opts.Tier = def.Tier
	}
	if opts.HybridThreshold <= 0 {
		opts.HybridThreshold = def.HybridThreshold
	}
	if opts.LocalConfidencePrior == nil {
		opts.LocalConfidencePrior = def.LocalConfidencePrior
	}
	if opts.RetrievalK <= 0 {
		opts.RetrievalK = def.RetrievalK
	}
	if opts.Cost.Base == nil {
		opts.Cost = def.Cost
	}
	return &Orchestrator{
		deps:     deps,
		opts:     opts,
		tier:     opts.Tier,
		inflight: make(map[string]context.CancelFunc),
	}, nil
}

// SetSecurityTier changes the device posture used for new submissions.
func (o *Orchestrator) SetSecurityTier(t model.SecurityTier) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tier = t
}

func (o *Orchestrator) SecurityTier() model.SecurityTier {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tier
}

// StartSession resets the budget. Reservations from the previous session
// become stale and settle as no-ops.
func (o *Orchestrator) StartSession(cap int64) {
	o.deps.Ledger.Reset(cap)
	o.deps.Logger.Printf("session started with cap %d", cap)
}

func (o *Orchestrator) Budget() ledger.Snapshot {
	return o.deps.Ledger.Snapshot()
}

// Abort cancels an in-flight task. Its reservation is still settled.
func (o *Orchestrator) Abort(taskID string) bool {
	o.mu.Lock()
	cancel, ok := o.inflight[taskID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

func (o *Orchestrator) track(taskID string, cancel context.CancelFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.inflight[taskID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, taskID)
	}
	o.inflight[taskID] = cancel
	return nil
}

func (o *Orchestrator) untrack(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, taskID)
}

// job is the mutable record of one submission.
type job struct {
	task        model.Task
	run         *taskRun
	tier        model.SecurityTier
	start       time.Time
	estimate    int64
	decision    model.Decision
	reservation *ledger.Reservation
	executed    bool
	settled     bool
	result      model.TaskResult
	venue       model.Venue
	actual      int64
}

// Submit runs task to completion. Denials return *PolicyDeniedError, an
// exhausted budget ErrBudgetExceeded and failed execution
// *ExecutionFailedError.
func (o *Orchestrator) Submit(ctx context.Context, task model.Task) (Outcome, error) {
	if task.ID == "" || task.Input == nil {
		return Outcome{TaskID: task.ID}, fmt.Errorf("%w: task requires an id and an input", ErrInvalidTask)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := o.track(task.ID, cancel); err != nil {
		return Outcome{TaskID: task.ID}, err
	}
	defer o.untrack(task.ID)

	ctx, span := o.deps.Tracer.Start(ctx, "orchestrator.Submit", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.kind", string(task.Kind())),
	))
	defer span.End()

	j := &job{
		task:  task,
		run:   newTaskRun(),
		tier:  o.SecurityTier(),
		start: o.deps.Clock(),
	}
	defer o.settle(j)

	err := o.guard(ctx, j)

	out := Outcome{
		TaskID:     task.ID,
		Result:     j.result,
		ActualCost: j.actual,
		Venue:      j.venue,
		Confidence: j.result.Confidence,
		State:      j.run.current(),
		Trace:      j.run.history(),
		Decision:   j.decision,
	}
	span.SetAttributes(
		attribute.String("task.venue", string(out.Venue)),
		attribute.String("task.state", string(out.State)),
		attribute.Int64("task.actual_cost", out.ActualCost),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// guard turns a panic in a component into an execution failure of this
// task only.
func (o *Orchestrator) guard(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = o.fail(ctx, j, fmt.Errorf("%w: panic: %v", ErrInvariant, r))
		}
	}()
	return o.process(ctx, j)
}

func (o *Orchestrator) process(ctx context.Context, j *job) error {
	task := j.task
	kind := task.Kind()
	j.estimate = o.opts.Cost.Estimate(kind, task.InputSize())

	if task.CostCap > 0 && task.CostCap < j.estimate {
		return o.deny(j, "cost cap below estimate")
	}

	j.decision = o.deps.Policy.Evaluate(policy.EvalInput{
		Kind:          kind,
		InputBytes:    task.InputSize(),
		EstimatedCost: j.estimate,
		Tier:          j.tier,
	})
	if !j.decision.Allowed {
		return o.deny(j, j.decision.Reason)
	}
	if j.decision.HasAdvisory(model.ActionRequireApproval) {
		if o.deps.Approver == nil || !o.deps.Approver.Approve(ctx, task, j.decision) {
			return o.deny(j, "approval required")
		}
	}
	if task.CloudRequired && j.tier == model.TierCritical {
		return o.deny(j, "cloud execution not permitted at critical security tier")
	}
	if err := j.run.to(StatePolicyChecked); err != nil {
		return o.fail(ctx, j, err)
	}

	res, err := o.deps.Ledger.Reserve(task.ID, j.estimate)
	switch {
	case errors.Is(err, ledger.ErrBudgetExceeded):
		if o.remoteFallbackAllowed(j) {
			o.deps.Logger.Printf("task %s: budget exhausted, running remotely without reservation", task.ID)
			return o.runUnbilledRemote(ctx, j)
		}
		if terr := j.run.to(StateBudgetExceeded); terr != nil {
			return o.fail(ctx, j, terr)
		}
		return fmt.Errorf("task %s needs %d: %w", task.ID, j.estimate, ErrBudgetExceeded)
	case err != nil:
		return o.fail(ctx, j, err)
	}
	j.reservation = res
	if err := j.run.to(StateBudgetReserved); err != nil {
		return o.fail(ctx, j, err)
	}

	docs := o.retrieve(ctx, task)
	venue, why := selectVenue(venueInput{
		kind:            kind,
		alwaysLocal:     o.alwaysLocal(kind),
		tier:            j.tier,
		cloudRequired:   task.CloudRequired,
		redirect:        j.decision.HasAdvisory(model.ActionRedirectCloud),
		localPrior:      o.opts.LocalConfidencePrior[kind],
		threshold:       o.opts.HybridThreshold,
		remoteAvailable: o.deps.Remote != nil,
	})
	o.deps.Logger.Printf("task %s: venue %s (%s)", task.ID, venue, why)

	var execErr error
	switch venue {
	case model.VenueRemote:
		execErr = o.executeRemote(ctx, j, docs)
	case model.VenueHybrid:
		execErr = o.executeHybrid(ctx, j, docs)
	default:
		execErr = o.executeLocal(ctx, j, docs)
	}
	if execErr != nil {
		return o.fail(ctx, j, execErr)
	}
	return o.complete(j)
}

func (o *Orchestrator) remoteFallbackAllowed(j *job) bool {
	if o.deps.Remote == nil || j.tier == model.TierCritical {
		return false
	}
	return j.task.CloudRequired || j.decision.HasAdvisory(model.ActionRedirectCloud)
}

func (o *Orchestrator) alwaysLocal(k model.Kind) bool {
	for _, al := range o.opts.AlwaysLocal {
		if al == k {
			return true
		}
	}
	return false
}

func (o *Orchestrator) retrieve(ctx context.Context, task model.Task) []model.RetrievalResult {
	if o.deps.Retrieval == nil {
		return nil
	}
	docs, err := o.deps.Retrieval.Query(ctx, retrieval.QueryRequest{
		Text:          task.Input.Content(),
		K:             o.opts.RetrievalK,
		MinSimilarity: o.opts.MinSimilarity,
	})
	if err != nil {
		o.deps.Logger.Printf("Warning: retrieval for task %s failed: %v", task.ID, err)
		return nil
	}
	return docs
}

func (o *Orchestrator) executeLocal(ctx context.Context, j *job, docs []model.RetrievalResult) error {
	if err := j.run.to(StateLocalExecuting); err != nil {
		return err
	}
	j.venue = model.VenueLocal
	res, err := o.runLocal(ctx, j, docs)
	if err != nil {
		return err
	}
	j.result = res
	return nil
}

func (o *Orchestrator) executeRemote(ctx context.Context, j *job, docs []model.RetrievalResult) error {
	if err := j.run.to(StateRemoteExecuting); err != nil {
		return err
	}
	j.venue = model.VenueRemote
	res, err := o.runRemote(ctx, j, docs)
	if err == nil {
		j.result = res
		return nil
	}
	if ctx.Err() != nil || j.task.CloudRequired {
		return err
	}
	o.deps.Logger.Printf("Warning: remote execution of task %s failed, falling back to local: %v", j.task.ID, err)
	return o.executeLocal(ctx, j, docs)
}

// executeHybrid runs locally first and asks the remote only when the local
// answer is not confident enough.
func (o *Orchestrator) executeHybrid(ctx context.Context, j *job, docs []model.RetrievalResult) error {
	if err := j.run.to(StateHybridExecuting); err != nil {
		return err
	}
	j.venue = model.VenueHybrid
	local, lerr := o.runLocal(ctx, j, docs)
	if lerr == nil && local.Confidence >= o.opts.HybridThreshold {
		j.result = local
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	enhanced, rerr := o.runRemote(ctx, j, docs)
	switch {
	case lerr != nil && rerr != nil:
		return errors.Join(lerr, rerr)
	case lerr != nil:
		j.result = enhanced
	case rerr != nil:
		o.deps.Logger.Printf("Warning: remote enhancement of task %s failed, keeping local result: %v", j.task.ID, rerr)
		j.result = local
	default:
		j.result = merge(local, enhanced)
	}
	return nil
}

func (o *Orchestrator) runLocal(ctx context.Context, j *job, docs []model.RetrievalResult) (model.TaskResult, error) {
	j.executed = true
	return o.deps.Local.Execute(ctx, j.task, docs)
}

func (o *Orchestrator) runRemote(ctx context.Context, j *job, docs []model.RetrievalResult) (model.TaskResult, error) {
	if o.deps.Remote == nil {
		return model.TaskResult{}, ErrNoRemote
	}
	prompt, err := o.deps.Local.Prompt(j.task, docs)
	if err != nil {
		return model.TaskResult{}, err
	}
	ran := j.executed
	j.executed = true
	out, err := o.deps.Remote.Dispatch(ctx, remote.DispatchRequest{
		TaskID:          j.task.ID,
		Kind:            j.task.Kind(),
		Prompt:          prompt,
		EstimatedTokens: j.estimate,
	})
	if err != nil {
		// A rate-limited or unconfigured dispatch never left the device.
		if errors.Is(err, remote.ErrRateLimited) || errors.Is(err, remote.ErrNotConfigured) {
			j.executed = ran
		}
		return model.TaskResult{}, err
	}
	return o.deps.Local.Parse(ctx, j.task, out.Output)
}

// runUnbilledRemote handles budget exhaustion when the decision allows
// cloud execution. There is no reservation and no local fallback.
func (o *Orchestrator) runUnbilledRemote(ctx context.Context, j *job) error {
	if err := j.run.to(StateRemoteExecuting); err != nil {
		return o.fail(ctx, j, err)
	}
	j.venue = model.VenueRemote
	res, err := o.runRemote(ctx, j, o.retrieve(ctx, j.task))
	if err != nil {
		return o.fail(ctx, j, err)
	}
	j.result = res
	return o.complete(j)
}

func merge(local, enhanced model.TaskResult) model.TaskResult {
	out := enhanced
	if out.Text == "" {
		out.Text = local.Text
	}
	if local.Confidence > out.Confidence {
		out.Confidence = local.Confidence
	}
	if out.ModelID == "" {
		out.ModelID = local.ModelID
	}
	return out
}

func (o *Orchestrator) complete(j *job) error {
	j.actual = o.opts.Cost.Actual(j.task.Kind(), j.task.InputSize(), j.result.OutputSize())
	o.record(j, false)
	if err := j.run.to(StateTelemetryRecorded); err != nil {
		return &ExecutionFailedError{Cause: err}
	}
	o.settle(j)
	if err := j.run.to(StateReleased); err != nil {
		return &ExecutionFailedError{Cause: err}
	}
	return nil
}

func (o *Orchestrator) deny(j *job, reason string) error {
	if err := j.run.to(StateDenied); err != nil {
		o.deps.Logger.Printf("Warning: task %s: %v", j.task.ID, err)
	}
	return &PolicyDeniedError{Reason: reason, Decision: j.decision}
}

func (o *Orchestrator) fail(ctx context.Context, j *job, cause error) error {
	if ctx.Err() != nil && !errors.Is(cause, ctx.Err()) {
		cause = fmt.Errorf("%w: %v", ctx.Err(), cause)
	}
	if err := j.run.to(StateExecutionFailed); err != nil {
		o.deps.Logger.Printf("Warning: task %s: %v", j.task.ID, err)
	}
	if j.executed {
		j.actual = o.opts.Cost.Actual(j.task.Kind(), j.task.InputSize(), j.result.OutputSize())
	}
	j.result = model.TaskResult{}
	o.record(j, true)
	o.deps.Logger.Printf("task %s failed: %v", j.task.ID, cause)
	return &ExecutionFailedError{Cause: cause}
}

// settle commits the actual cost if anything ran and releases the
// reservation otherwise. It is safe to call more than once.
func (o *Orchestrator) settle(j *job) {
	if j.settled || j.reservation == nil {
		return
	}
	j.settled = true
	if j.executed {
		o.deps.Ledger.Commit(j.reservation, j.actual)
		return
	}
	o.deps.Ledger.Release(j.reservation)
}

func (o *Orchestrator) record(j *job, failed bool) {
	if o.deps.Telemetry == nil {
		return
	}
	var mem, cpu float64
	if o.deps.Sampler != nil {
		mem, cpu = o.deps.Sampler.Sample()
	}
	now := o.deps.Clock()
	o.deps.Telemetry.Record(model.TelemetryEvent{
		Kind:        j.task.Kind(),
		ActualCost:  j.actual,
		Latency:     now.Sub(j.start),
		Venue:       j.venue,
		Confidence:  j.result.Confidence,
		Failed:      failed,
		MemoryUsage: mem,
		CPUUsage:    cpu,
		Timestamp:   now,
	})
}
