package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/concord/internal/adapter"
	"github.com/capitalize-ai/concord/internal/model"
	"github.com/capitalize-ai/concord/pkg/logger"
	"github.com/capitalize-ai/concord/pkg/metrics"
)

// Store persists workflow instances and signals. *store.Store satisfies it.
type Store interface {
	CreateWorkflow(ctx context.Context, inst *model.WorkflowInstance) error
	GetWorkflow(ctx context.Context, id string) (*model.WorkflowInstance, error)
	UpdateWorkflow(ctx context.Context, inst *model.WorkflowInstance, expectedVersion int) error
	ListExpiredWaiting(ctx context.Context, now time.Time, limit int) ([]*model.WorkflowInstance, error)
	ListWorkflowsByStatus(ctx context.Context, limit int, statuses ...model.WorkflowStatus) ([]*model.WorkflowInstance, error)
	RecordSignal(ctx context.Context, sig *model.ApprovalSignal, inst *model.WorkflowInstance, expectedVersion int) error
	ListSignals(ctx context.Context, workflowID string) ([]model.ApprovalSignal, error)
}

// Outcomes records the final outcome of the event that started a workflow.
type Outcomes interface {
	AppendOutcome(ctx context.Context, o model.EventOutcome) (model.EventOutcome, error)
}

// Responder answers the sender of an event on its channel.
type Responder interface {
	Respond(ctx context.Context, event model.CanonicalEvent, resp adapter.Response) error
}

// Policy is applied once when a signal deadline passes.
type Policy string

const (
	// PolicyRearm extends the deadline up to MaxRearms times, then rejects.
	PolicyRearm Policy = "rearm"
	// PolicyReject ends the workflow as rejected.
	PolicyReject Policy = "reject"
	// PolicyFail ends the workflow as failed.
	PolicyFail Policy = "fail"
)

// ParsePolicy maps a config value to a Policy, defaulting to rearm.
func ParsePolicy(s string) Policy {
	switch Policy(s) {
	case PolicyReject, PolicyFail:
		return Policy(s)
	default:
		return PolicyRearm
	}
}

// Config tunes the orchestrator.
type Config struct {
	MaxAttempts       int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	SignalTimeout     time.Duration
	TimeoutPolicy     Policy
	RearmAfter        time.Duration
	MaxRearms         int
	ScanLimit         int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.SignalTimeout <= 0 {
		c.SignalTimeout = 72 * time.Hour
	}
	if c.TimeoutPolicy == "" {
		c.TimeoutPolicy = PolicyRearm
	}
	if c.RearmAfter <= 0 {
		c.RearmAfter = c.SignalTimeout
	}
	if c.MaxRearms < 0 {
		c.MaxRearms = 0
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = 100
	}
	return c
}

// Options are the orchestrator's optional collaborators.
type Options struct {
	Scheduler Scheduler
	Notifier  Notifier
	Outcomes  Outcomes
	Responder Responder
	Logger    *logger.Logger
	Now       func() time.Time
}

// Orchestrator owns every workflow instance after it is started.
type Orchestrator struct {
	store     Store
	registry  *Registry
	scheduler Scheduler
	notifier  Notifier
	outcomes  Outcomes
	responder Responder
	cfg       Config
	logger    *logger.Logger
	now       func() time.Time
}

// errLost means another writer changed the instance; this execution stops.
var errLost = errors.New("workflow: instance changed concurrently")

// New creates an orchestrator.
func New(store Store, registry *Registry, cfg Config, opts Options) *Orchestrator {
	if opts.Scheduler == nil {
		opts.Scheduler = Inline{}
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		store:     store,
		registry:  registry,
		scheduler: opts.Scheduler,
		notifier:  opts.Notifier,
		outcomes:  opts.Outcomes,
		responder: opts.Responder,
		cfg:       cfg.withDefaults(),
		logger:    opts.Logger.Named("workflow"),
		now:       opts.Now,
	}
}

// Registry returns the definitions the orchestrator runs.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Start creates an instance of workflowType for event and schedules it.
// state seeds the instance state and may be nil.
func (o *Orchestrator) Start(ctx context.Context, workflowType string, event model.CanonicalEvent, state map[string]any) (*model.WorkflowInstance, error) {
	if _, err := o.registry.Get(workflowType); err != nil {
		return nil, err
	}
	inst := &model.WorkflowInstance{
		ID:            uuid.Must(uuid.NewV7()).String(),
		Type:          workflowType,
		Status:        model.WorkflowCreated,
		InputSnapshot: event,
		State:         cloneState(state),
	}
	if err := o.store.CreateWorkflow(ctx, inst); err != nil {
		return nil, fmt.Errorf("workflow: create %s: %w", workflowType, err)
	}
	metrics.WorkflowTransitions.WithLabelValues(inst.Type, string(inst.Status)).Inc()

	if err := o.update(ctx, inst, func(next *model.WorkflowInstance) {
		next.Status = model.WorkflowRunning
	}); err != nil {
		return nil, fmt.Errorf("workflow: start %s: %w", inst.ID, err)
	}
	o.logger.WithWorkflow(inst.ID, inst.Type).Info("workflow started",
		zap.String("event_id", event.ID),
	)
	o.notify(ctx, inst, NotifyStarted, "", "", nil)

	// Recorded before scheduling so the terminal outcome always lands on top.
	if o.outcomes != nil {
		if _, err := o.outcomes.AppendOutcome(ctx, StartedOutcome(inst)); err != nil {
			o.logger.WithWorkflow(inst.ID, inst.Type).Error("failed to record workflow outcome", zap.Error(err))
		}
	}

	started := cloneInstance(inst)
	o.schedule(inst.ID)
	return started, nil
}

// StartedOutcome is the processing outcome of the event that started inst.
func StartedOutcome(inst *model.WorkflowInstance) model.EventOutcome {
	return model.EventOutcome{
		EventID:     inst.InputSnapshot.ID,
		Status:      model.OutcomeProcessing,
		Message:     "workflow started",
		WorkflowRef: inst.ID,
		Data:        map[string]any{"workflow_status": string(model.WorkflowRunning), "workflow_type": inst.Type},
	}
}

// Get loads an instance.
func (o *Orchestrator) Get(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	return o.store.GetWorkflow(ctx, id)
}

// Signals lists every signal received for an instance.
func (o *Orchestrator) Signals(ctx context.Context, id string) ([]model.ApprovalSignal, error) {
	return o.store.ListSignals(ctx, id)
}

func (o *Orchestrator) schedule(id string) {
	o.scheduler.Schedule(func(ctx context.Context) {
		o.run(ctx, id)
	})
}

// run executes steps until the instance suspends, terminates or is changed
// by someone else.
func (o *Orchestrator) run(ctx context.Context, id string) {
	log := o.logger.With(zap.String("workflow_id", id))
	for {
		if ctx.Err() != nil {
			return
		}
		inst, err := o.store.GetWorkflow(ctx, id)
		if err != nil {
			log.Error("failed to load workflow", zap.Error(err))
			return
		}
		if inst.Status != model.WorkflowRunning {
			return
		}
		def, err := o.registry.Get(inst.Type)
		if err != nil {
			o.fail(ctx, inst, "", Permanent(err))
			return
		}
		if inst.NextStep >= len(def.Steps) {
			o.finish(ctx, inst, model.WorkflowCompleted, "")
			return
		}

		step := def.Steps[inst.NextStep]
		result, err := o.execute(ctx, inst, step)
		switch {
		case errors.Is(err, errLost):
			log.Info("workflow changed during step, stopping", zap.String("step", step.Name))
			return
		case err != nil && ctx.Err() != nil:
			// Shutting down. The instance stays running and Recover resumes it.
			return
		case err != nil:
			o.fail(ctx, inst, step.Name, err)
			return
		}
		if !o.apply(ctx, def, inst, step, result) {
			return
		}
	}
}

// execute runs step with bounded exponential backoff. Each failure is
// persisted on the instance before the next attempt.
func (o *Orchestrator) execute(ctx context.Context, inst *model.WorkflowInstance, step Step) (StepResult, error) {
	log := o.logger.WithWorkflow(inst.ID, inst.Type).With(zap.String("step", step.Name))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.BackoffInitial
	b.MaxInterval = o.cfg.BackoffMax
	b.Multiplier = o.cfg.BackoffMultiplier
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.cfg.MaxAttempts-1)), ctx)

	var (
		result  StepResult
		attempt int
	)
	op := func() error {
		attempt++
		sc := &StepContext{
			WorkflowID:   inst.ID,
			WorkflowType: inst.Type,
			Event:        inst.InputSnapshot,
			State:        cloneState(inst.State),
			Attempt:      attempt,
			Logger:       log,
		}
		res, err := runStep(ctx, step, sc)
		if err == nil {
			result = res
			return nil
		}

		uerr := o.update(ctx, inst, func(next *model.WorkflowInstance) {
			next.RetryCount++
			next.LastError = step.Name + ": " + err.Error()
		})
		switch {
		case errors.Is(uerr, model.ErrVersionConflict):
			return backoff.Permanent(errLost)
		case uerr != nil:
			return backoff.Permanent(fmt.Errorf("%w (retry not persisted: %v)", err, uerr))
		case IsPermanent(err):
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.WorkflowStepRetries.WithLabelValues(inst.Type, step.Name).Inc()
		log.Warn("workflow step failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return StepResult{}, err
	}
	return result, nil
}

func runStep(ctx context.Context, step Step, sc *StepContext) (res StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("step %s panicked: %v", step.Name, r))
		}
	}()
	return step.Run(ctx, sc)
}

// apply commits a step result. It reports whether execution should go on.
func (o *Orchestrator) apply(ctx context.Context, def Definition, inst *model.WorkflowInstance, step Step, res StepResult) bool {
	signal := res.Signal
	if signal == "" {
		signal = model.ApprovalSignalName
	}
	timeout := res.Timeout
	if timeout <= 0 {
		timeout = o.cfg.SignalTimeout
	}

	err := o.update(ctx, inst, func(next *model.WorkflowInstance) {
		for k, v := range res.Output {
			next.State[k] = v
		}
		next.RetryCount = 0
		next.LastError = ""
		switch res.Kind {
		case KindSuspend:
			deadline := o.now().UTC().Add(timeout)
			next.NextStep++
			next.Status = model.WorkflowWaitingSignal
			next.PendingSignalName = signal
			next.Deadline = &deadline
			next.EscalatedAt = nil
		case KindComplete:
			next.NextStep = len(def.Steps)
			next.Status = model.WorkflowCompleted
		case KindReject:
			next.NextStep = len(def.Steps)
			next.Status = model.WorkflowRejected
			next.LastError = res.Reason
		default:
			next.NextStep++
		}
	})
	if err != nil {
		o.logUpdateError(inst, "commit step "+step.Name, err)
		return false
	}

	switch res.Kind {
	case KindSuspend:
		o.logger.WithWorkflow(inst.ID, inst.Type).Info("workflow waiting for signal",
			zap.String("step", step.Name),
			zap.String("signal", signal),
			zap.Timep("deadline", inst.Deadline),
		)
		o.notify(ctx, inst, NotifySuspended, step.Name, "waiting for "+signal, map[string]any{
			"deadline": inst.Deadline,
		})
		return false
	case KindComplete:
		o.terminal(ctx, inst, NotifyCompleted, "")
		return false
	case KindReject:
		o.terminal(ctx, inst, NotifyRejected, res.Reason)
		return false
	}
	return true
}

// finish moves a running instance with no steps left to status.
func (o *Orchestrator) finish(ctx context.Context, inst *model.WorkflowInstance, status model.WorkflowStatus, reason string) {
	err := o.update(ctx, inst, func(next *model.WorkflowInstance) {
		next.Status = status
	})
	if err != nil {
		o.logUpdateError(inst, "finish", err)
		return
	}
	o.terminal(ctx, inst, NotifyCompleted, reason)
}

// fail marks the instance failed after its step gave up and raises a
// step_failed escalation.
func (o *Orchestrator) fail(ctx context.Context, inst *model.WorkflowInstance, stepName string, cause error) {
	failure := fmt.Errorf("%w: %s: %v", model.ErrWorkflowStepFailure, stepName, cause)
	err := o.update(ctx, inst, func(next *model.WorkflowInstance) {
		next.Status = model.WorkflowFailed
		next.LastError = failure.Error()
		next.PendingSignalName = ""
		next.Deadline = nil
	})
	if err != nil {
		o.logUpdateError(inst, "fail", err)
		return
	}

	o.logger.WithWorkflow(inst.ID, inst.Type).Error("workflow step failed permanently",
		zap.String("step", stepName),
		zap.Int("retry_count", inst.RetryCount),
		zap.Error(cause),
	)
	metrics.EscalationsTotal.WithLabelValues(inst.Type, NotifyStepFailed).Inc()
	o.notify(ctx, inst, NotifyStepFailed, stepName, cause.Error(), map[string]any{
		"retry_count": inst.RetryCount,
	})
	o.terminal(ctx, inst, NotifyFailed, failure.Error())
}

// SignalResult describes what happened to a signal. Conflict is set, and
// wraps model.ErrSignalConflict, when the signal was recorded as ignored.
type SignalResult struct {
	Signal   model.ApprovalSignal `json:"signal"`
	Status   model.WorkflowStatus `json:"workflow_status,omitempty"`
	Applied  bool                 `json:"applied"`
	Conflict error                `json:"-"`
}

// Signal delivers an approval decision. Every signal is persisted; only the
// first matching signal for each suspension of an instance is applied.
func (o *Orchestrator) Signal(ctx context.Context, sig model.ApprovalSignal) (SignalResult, error) {
	if sig.Decision != model.DecisionApproved && sig.Decision != model.DecisionRejected {
		return SignalResult{}, &model.ValidationError{Field: model.KeyDecision, Reason: "must be approved or rejected"}
	}
	if sig.Name == "" {
		sig.Name = model.ApprovalSignalName
	}
	if sig.DecidedAt.IsZero() {
		sig.DecidedAt = o.now().UTC()
	}
	if sig.ID == "" {
		sig.ID = uuid.Must(uuid.NewV7()).String()
	}

	for attempt := 0; attempt < 3; attempt++ {
		inst, err := o.store.GetWorkflow(ctx, sig.WorkflowID)
		if errors.Is(err, model.ErrNotFound) {
			return o.ignore(ctx, sig, "", model.IgnoredUnknownWorkflow, err)
		}
		if err != nil {
			return SignalResult{}, err
		}
		// NextStep only grows, so it names the suspension being resolved.
		sig.Gate = inst.NextStep
		if reason := ignoreReason(inst, sig); reason != "" {
			return o.ignore(ctx, sig, inst.Status, reason, nil)
		}

		next := cloneInstance(inst)
		next.PendingSignalName = ""
		next.Deadline = nil
		next.EscalatedAt = nil
		next.State["approval"] = map[string]any{
			"decision":   string(sig.Decision),
			"decided_by": sig.DecidedBy,
			"decided_at": sig.DecidedAt.UTC().Format(time.RFC3339),
			"note":       sig.Note,
		}
		if sig.Decision == model.DecisionApproved {
			next.Status = model.WorkflowRunning
		} else {
			next.Status = model.WorkflowRejected
			next.LastError = "rejected by " + sig.DecidedBy
		}

		applied := sig
		applied.Disposition = model.SignalApplied
		err = o.store.RecordSignal(ctx, &applied, next, inst.Version)
		if errors.Is(err, model.ErrVersionConflict) || errors.Is(err, model.ErrSignalConflict) {
			continue
		}
		if err != nil {
			return SignalResult{}, fmt.Errorf("workflow: apply signal to %s: %w", inst.ID, err)
		}

		metrics.SignalsTotal.WithLabelValues(string(sig.Decision), string(model.SignalApplied)).Inc()
		metrics.WorkflowTransitions.WithLabelValues(next.Type, string(next.Status)).Inc()
		o.logger.WithWorkflow(next.ID, next.Type).Info("signal applied",
			zap.String("decision", string(sig.Decision)),
			zap.String("decided_by", sig.DecidedBy),
		)

		if sig.Decision == model.DecisionApproved {
			o.notify(ctx, next, NotifyResumed, "", "approved by "+sig.DecidedBy, nil)
			o.schedule(next.ID)
		} else {
			o.terminal(ctx, next, NotifyRejected, "by "+sig.DecidedBy)
		}
		return SignalResult{Signal: applied, Status: next.Status, Applied: true}, nil
	}
	return o.ignore(ctx, sig, "", model.IgnoredStale, nil)
}

func ignoreReason(inst *model.WorkflowInstance, sig model.ApprovalSignal) string {
	switch {
	case inst.Status == model.WorkflowCancelled:
		return model.IgnoredStale
	case inst.Status.Terminal():
		return model.IgnoredAlreadyResolved
	case inst.Status != model.WorkflowWaitingSignal:
		return model.IgnoredNotWaiting
	case inst.PendingSignalName != "" && sig.Name != inst.PendingSignalName:
		return model.IgnoredSignalMismatch
	}
	return ""
}

func (o *Orchestrator) ignore(ctx context.Context, sig model.ApprovalSignal, status model.WorkflowStatus, reason string, cause error) (SignalResult, error) {
	sig.Disposition = model.SignalIgnored
	sig.Reason = reason
	if err := o.store.RecordSignal(ctx, &sig, nil, 0); err != nil {
		return SignalResult{}, fmt.Errorf("workflow: record signal for %s: %w", sig.WorkflowID, err)
	}
	metrics.SignalsTotal.WithLabelValues(string(sig.Decision), string(model.SignalIgnored)).Inc()
	o.logger.Info("signal ignored",
		zap.String("workflow_id", sig.WorkflowID),
		zap.String("decision", string(sig.Decision)),
		zap.String("reason", reason),
	)

	res := SignalResult{
		Signal:   sig,
		Status:   status,
		Conflict: fmt.Errorf("workflow %s: %w: %s", sig.WorkflowID, model.ErrSignalConflict, reason),
	}
	if cause != nil {
		return res, fmt.Errorf("workflow %s: %w", sig.WorkflowID, cause)
	}
	return res, nil
}

// Cancel moves a non-terminal instance to cancelled. A step that is running
// finishes, but its result is discarded.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) (*model.WorkflowInstance, error) {
	for attempt := 0; attempt < 5; attempt++ {
		inst, err := o.store.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Status == model.WorkflowCancelled {
			return inst, nil
		}
		if inst.Status.Terminal() {
			return inst, fmt.Errorf("workflow %s is %s: %w", id, inst.Status, model.ErrInvalidTransition)
		}

		err = o.update(ctx, inst, func(next *model.WorkflowInstance) {
			next.Status = model.WorkflowCancelled
			next.LastError = "cancelled"
			if reason != "" {
				next.LastError += ": " + reason
			}
			next.PendingSignalName = ""
			next.Deadline = nil
		})
		if errors.Is(err, model.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("workflow: cancel %s: %w", id, err)
		}
		o.terminal(ctx, inst, NotifyCancelled, reason)
		return inst, nil
	}
	return nil, fmt.Errorf("workflow: cancel %s: %w", id, model.ErrVersionConflict)
}

// CheckDeadlines escalates every waiting instance whose deadline has passed:
// one reminder, then the timeout policy, each claimed by CAS so concurrent
// or repeated checks apply them once. It returns how many instances had the
// policy applied.
func (o *Orchestrator) CheckDeadlines(ctx context.Context) (int, error) {
	now := o.now().UTC()
	expired, err := o.store.ListExpiredWaiting(ctx, now, o.cfg.ScanLimit)
	if err != nil {
		return 0, err
	}
	handled := 0
	for _, inst := range expired {
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}
		if o.expire(ctx, inst, now) {
			handled++
		}
	}
	return handled, nil
}

func (o *Orchestrator) expire(ctx context.Context, inst *model.WorkflowInstance, now time.Time) bool {
	log := o.logger.WithWorkflow(inst.ID, inst.Type)

	if inst.EscalatedAt == nil {
		err := o.update(ctx, inst, func(next *model.WorkflowInstance) {
			at := now
			next.EscalatedAt = &at
		})
		if err != nil {
			o.logUpdateError(inst, "claim escalation", err)
			return false
		}
		metrics.EscalationsTotal.WithLabelValues(inst.Type, NotifyReminder).Inc()
		o.notify(ctx, inst, NotifyReminder, "", "signal deadline passed", map[string]any{
			"signal":      inst.PendingSignalName,
			"rearm_count": inst.RearmCount,
		})
	}

	rearm := o.cfg.TimeoutPolicy == PolicyRearm && inst.RearmCount < o.cfg.MaxRearms
	err := o.update(ctx, inst, func(next *model.WorkflowInstance) {
		if rearm {
			deadline := now.Add(o.cfg.RearmAfter)
			next.Deadline = &deadline
			next.EscalatedAt = nil
			next.RearmCount++
			return
		}
		next.Status = model.WorkflowRejected
		if o.cfg.TimeoutPolicy == PolicyFail {
			next.Status = model.WorkflowFailed
		}
		next.LastError = model.ErrTimeout.Error()
		next.PendingSignalName = ""
		next.Deadline = nil
	})
	if err != nil {
		o.logUpdateError(inst, "apply timeout policy", err)
		return false
	}

	if rearm {
		log.Info("signal deadline rearmed",
			zap.Int("rearm_count", inst.RearmCount),
			zap.Timep("deadline", inst.Deadline),
		)
		return true
	}
	log.Warn("signal deadline expired", zap.String("status", string(inst.Status)))
	metrics.EscalationsTotal.WithLabelValues(inst.Type, NotifyTimeout).Inc()
	kind := NotifyRejected
	if inst.Status == model.WorkflowFailed {
		kind = NotifyFailed
	}
	o.notify(ctx, inst, NotifyTimeout, "", model.ErrTimeout.Error(), nil)
	o.terminal(ctx, inst, kind, model.ErrTimeout.Error())
	return true
}

// Recover resumes instances left created or running by a previous process.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	insts, err := o.store.ListWorkflowsByStatus(ctx, 0, model.WorkflowCreated, model.WorkflowRunning)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, inst := range insts {
		if inst.Status == model.WorkflowCreated {
			err := o.update(ctx, inst, func(next *model.WorkflowInstance) {
				next.Status = model.WorkflowRunning
			})
			if err != nil {
				o.logUpdateError(inst, "recover", err)
				continue
			}
		}
		o.schedule(inst.ID)
		resumed++
	}
	if resumed > 0 {
		o.logger.Info("resumed interrupted workflows", zap.Int("count", resumed))
	}
	return resumed, nil
}

// update commits mutate(copy of inst) by CAS on inst.Version and replaces
// inst on success.
func (o *Orchestrator) update(ctx context.Context, inst *model.WorkflowInstance, mutate func(next *model.WorkflowInstance)) error {
	next := cloneInstance(inst)
	mutate(next)
	if next.Status != inst.Status && !model.CanTransition(inst.Status, next.Status) {
		return fmt.Errorf("workflow %s: %s -> %s: %w", inst.ID, inst.Status, next.Status, model.ErrInvalidTransition)
	}
	if err := o.store.UpdateWorkflow(ctx, next, inst.Version); err != nil {
		return err
	}
	if next.Status != inst.Status {
		metrics.WorkflowTransitions.WithLabelValues(next.Type, string(next.Status)).Inc()
	}
	*inst = *next
	return nil
}

func (o *Orchestrator) logUpdateError(inst *model.WorkflowInstance, action string, err error) {
	log := o.logger.WithWorkflow(inst.ID, inst.Type)
	if errors.Is(err, model.ErrVersionConflict) {
		log.Info("workflow changed concurrently, skipping", zap.String("action", action))
		return
	}
	log.Error("workflow update failed", zap.String("action", action), zap.Error(err))
}

func (o *Orchestrator) notify(ctx context.Context, inst *model.WorkflowInstance, kind, step, message string, data map[string]any) {
	n := Notification{
		Kind:         kind,
		WorkflowID:   inst.ID,
		WorkflowType: inst.Type,
		Status:       inst.Status,
		EventID:      inst.InputSnapshot.ID,
		Step:         step,
		Message:      message,
		Data:         data,
		At:           o.now().UTC(),
	}
	if err := o.notifier.Notify(context.WithoutCancel(ctx), n); err != nil {
		o.logger.WithWorkflow(inst.ID, inst.Type).Warn("workflow notification failed",
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
}

// terminal publishes the final notification, records the originating
// event's final outcome and tells the sender when nothing else will.
func (o *Orchestrator) terminal(ctx context.Context, inst *model.WorkflowInstance, kind, reason string) {
	ctx = context.WithoutCancel(ctx)
	o.notify(ctx, inst, kind, "", reason, nil)

	outcome := terminalOutcome(inst, reason)
	if o.outcomes != nil {
		if _, err := o.outcomes.AppendOutcome(ctx, outcome); err != nil {
			o.logger.WithWorkflow(inst.ID, inst.Type).Error("failed to record workflow outcome", zap.Error(err))
		}
	}
	if o.responder != nil && inst.Status != model.WorkflowCompleted {
		resp := adapter.Response{Status: outcome.Status, Text: outcome.Message, WorkflowRef: inst.ID}
		if err := o.responder.Respond(ctx, inst.InputSnapshot, resp); err != nil {
			o.logger.WithWorkflow(inst.ID, inst.Type).Warn("failed to notify sender", zap.Error(err))
		}
	}
}

func terminalOutcome(inst *model.WorkflowInstance, reason string) model.EventOutcome {
	o := model.EventOutcome{
		EventID:     inst.InputSnapshot.ID,
		WorkflowRef: inst.ID,
		Data:        map[string]any{"workflow_status": string(inst.Status), "workflow_type": inst.Type},
	}
	switch inst.Status {
	case model.WorkflowCompleted:
		o.Status = model.OutcomeCompleted
		o.Message = "completed"
		o.Data["result"] = cloneState(inst.State)
	case model.WorkflowRejected:
		o.Status = model.OutcomeCompleted
		o.Message = "rejected"
	case model.WorkflowCancelled:
		o.Status = model.OutcomeFailed
		o.Message = "cancelled"
	default:
		o.Status = model.OutcomeFailed
		o.Message = "failed"
	}
	if reason != "" {
		o.Message += ": " + reason
	}
	return o
}

func cloneState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}

func cloneInstance(inst *model.WorkflowInstance) *model.WorkflowInstance {
	c := *inst
	c.State = cloneState(inst.State)
	if inst.Deadline != nil {
		d := *inst.Deadline
		c.Deadline = &d
	}
	if inst.EscalatedAt != nil {
		e := *inst.EscalatedAt
		c.EscalatedAt = &e
	}
	return &c
}
