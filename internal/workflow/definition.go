// Package workflow runs durable, resumable business processes. Every step
// result is committed to the store before the next step runs, so a process
// can be suspended for days and resumed on any node.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/capitalize-ai/concord/internal/model"
	"github.com/capitalize-ai/concord/pkg/logger"
)

// ResultKind tells the orchestrator what to do after a step.
type ResultKind int

const (
	// KindContinue merges the output into state and advances to the next step.
	KindContinue ResultKind = iota
	// KindSuspend parks the instance until a signal arrives or the deadline passes.
	KindSuspend
	// KindComplete finishes the instance successfully.
	KindComplete
	// KindReject finishes the instance as rejected.
	KindReject
)

func (k ResultKind) String() string {
	switch k {
	case KindContinue:
		return "continue"
	case KindSuspend:
		return "suspend"
	case KindComplete:
		return "complete"
	case KindReject:
		return "reject"
	default:
		return "unknown"
	}
}

// StepResult is returned by a step.
type StepResult struct {
	Kind    ResultKind
	Output  map[string]any
	Signal  string
	Timeout time.Duration
	Reason  string
}

// Continue advances to the next step.
func Continue(output map[string]any) StepResult {
	return StepResult{Kind: KindContinue, Output: output}
}

// Suspend waits for signal. A zero timeout uses the orchestrator default.
func Suspend(signal string, timeout time.Duration) StepResult {
	return StepResult{Kind: KindSuspend, Signal: signal, Timeout: timeout}
}

// Complete ends the workflow successfully.
func Complete(output map[string]any) StepResult {
	return StepResult{Kind: KindComplete, Output: output}
}

// Reject ends the workflow as rejected.
func Reject(reason string) StepResult {
	return StepResult{Kind: KindReject, Reason: reason}
}

// StepContext is what a step sees. State is a copy; changes only persist
// through the returned StepResult.
type StepContext struct {
	WorkflowID   string
	WorkflowType string
	Event        model.CanonicalEvent
	State        map[string]any
	Attempt      int
	Logger       *logger.Logger
}

// String returns a state value as a string.
func (c *StepContext) String(key string) string {
	s, _ := c.State[key].(string)
	return s
}

// Float returns a numeric state value. State round-trips through JSON, so
// integers come back as float64.
func (c *StepContext) Float(key string) float64 {
	switch v := c.State[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// StepFunc executes one step.
type StepFunc func(ctx context.Context, sc *StepContext) (StepResult, error)

// Step is a named unit of work.
type Step struct {
	Name string
	Run  StepFunc
}

// Definition is an ordered list of steps for one workflow type.
type Definition struct {
	Type  string
	Steps []Step
}

// Validate checks that the definition can be executed.
func (d Definition) Validate() error {
	if d.Type == "" {
		return errors.New("workflow: definition type is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s: no steps", d.Type)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.Name == "" || s.Run == nil {
			return fmt.Errorf("workflow %s: step %d needs a name and a func", d.Type, i)
		}
		if seen[s.Name] {
			return fmt.Errorf("workflow %s: duplicate step %q", d.Type, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Registry holds workflow definitions by type.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates a registry. It panics on an invalid definition, which
// is a programming error.
func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{defs: make(map[string]Definition)}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds or replaces a definition.
func (r *Registry) Register(d Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[d.Type] = d
	return nil
}

// Get returns the definition for workflowType.
func (r *Registry) Get(workflowType string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[workflowType]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", model.ErrUnknownWorkflow, workflowType)
	}
	return d, nil
}

// Has reports whether workflowType is registered.
func (r *Registry) Has(workflowType string) bool {
	_, err := r.Get(workflowType)
	return err == nil
}

// Types lists the registered workflow types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
