package dispatcher

import (
	"strings"

	"github.com/capitalize-ai/concord/internal/classifier"
)

// DefaultThreshold is the minimum classifier confidence for a routed label.
const DefaultThreshold = 0.6

// Route reasons.
const (
	ReasonClassified    = "classified"
	ReasonOverride      = "override"
	ReasonLowConfidence = "low_confidence"
	ReasonUnmapped      = "unmapped_label"
	ReasonClassifyError = "classification_failed"
)

// Route is the routing decision for one event.
type Route struct {
	WorkflowType string `json:"workflow_type"`
	Reason       string `json:"reason"`
	Fallback     bool   `json:"fallback"`
}

// Router maps classifier labels to workflow types.
type Router struct {
	routes    map[string]string
	threshold float64
	fallback  string
}

// NewRouter creates a router. threshold <= 0 uses DefaultThreshold.
func NewRouter(routes map[string]string, threshold float64, fallback string) *Router {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	normalized := make(map[string]string, len(routes))
	for label, workflowType := range routes {
		normalized[strings.ToLower(strings.TrimSpace(label))] = workflowType
	}
	return &Router{routes: normalized, threshold: threshold, fallback: fallback}
}

// Fallback returns the workflow type used when no route applies.
func (r *Router) Fallback() string { return r.fallback }

// Threshold returns the confidence threshold.
func (r *Router) Threshold() float64 { return r.threshold }

// Route picks a workflow type for a classifier decision.
func (r *Router) Route(d classifier.Decision) Route {
	if d.Confidence < r.threshold {
		return Route{WorkflowType: r.fallback, Reason: ReasonLowConfidence, Fallback: true}
	}
	workflowType, ok := r.routes[strings.ToLower(strings.TrimSpace(d.Label))]
	if !ok || workflowType == "" {
		return Route{WorkflowType: r.fallback, Reason: ReasonUnmapped, Fallback: true}
	}
	return Route{WorkflowType: workflowType, Reason: ReasonClassified}
}

// Failed is the route taken when classification failed.
func (r *Router) Failed() Route {
	return Route{WorkflowType: r.fallback, Reason: ReasonClassifyError, Fallback: true}
}

// Override routes an event that names its workflow type explicitly.
func (r *Router) Override(workflowType string) Route {
	return Route{WorkflowType: workflowType, Reason: ReasonOverride}
}
