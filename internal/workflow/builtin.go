package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/capitalize-ai/concord/internal/adapter"
	"github.com/capitalize-ai/concord/internal/llm"
	"github.com/capitalize-ai/concord/internal/model"
)

// Built-in workflow types.
const (
	TypeQuoteRequest  = "quote_request"
	TypeManualReview  = "manual_review"
	TypeSupportTicket = "support_ticket"
)

// Invoker is the audited model capability. *llm.Interceptor satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, modelID, system, prompt string) (*llm.CompletionResponse, error)
}

// Deps are the collaborators of the built-in workflows. Every field is
// optional.
type Deps struct {
	Model             Invoker
	ExtractionModel   string
	PriceList         map[string]float64
	Currency          string
	ApprovalThreshold float64
	ApprovalTimeout   time.Duration
	Notifier          Notifier
	Responder         Responder
}

// Builtins returns the quote_request, manual_review and support_ticket
// definitions.
func Builtins(deps Deps) []Definition {
	if deps.Notifier == nil {
		deps.Notifier = NopNotifier{}
	}
	if deps.Currency == "" {
		deps.Currency = "USD"
	}
	prices := make(map[string]float64, len(deps.PriceList))
	for name, price := range deps.PriceList {
		prices[normalizeProduct(name)] = price
	}
	deps.PriceList = prices

	q := &quoteSteps{deps: deps}
	r := &reviewSteps{deps: deps}
	t := &ticketSteps{deps: deps}
	return []Definition{
		{Type: TypeQuoteRequest, Steps: []Step{
			{Name: "extract_quote", Run: q.extract},
			{Name: "approval_gate", Run: q.gate},
			{Name: "send_quote", Run: q.send},
		}},
		{Type: TypeManualReview, Steps: []Step{
			{Name: "open_review", Run: r.open},
			{Name: "await_decision", Run: r.await},
			{Name: "close_review", Run: r.close},
		}},
		{Type: TypeSupportTicket, Steps: []Step{
			{Name: "open_ticket", Run: t.open},
			{Name: "acknowledge", Run: t.acknowledge},
		}},
	}
}

const extractionPrompt = `Extract the requested product and quantity from the customer message.
Reply with JSON only, in the form {"product": "<product name>", "quantity": <integer>}.
Use an empty product and quantity 0 when the message does not say.`

type quoteSteps struct {
	deps Deps
}

type extraction struct {
	Product  string `json:"product"`
	Quantity int    `json:"quantity"`
}

func (q *quoteSteps) extract(ctx context.Context, sc *StepContext) (StepResult, error) {
	var (
		ex     extraction
		method = "pattern"
	)
	if q.deps.Model != nil {
		ctx = llm.WithCaller(ctx, llm.Caller{
			Type:   llm.CallerWorkflow,
			Name:   sc.WorkflowType + ".extract_quote",
			UserID: sc.Event.UserID,
		})
		resp, err := q.deps.Model.Invoke(ctx, q.deps.ExtractionModel, extractionPrompt, sc.Event.Content)
		switch {
		case err != nil:
			sc.Logger.Warn("quote extraction model call failed, using pattern match", zap.Error(err))
		default:
			if parsed, perr := parseExtraction(resp.Content); perr == nil {
				ex, method = parsed, "model"
			} else {
				sc.Logger.Warn("unparseable quote extraction, using pattern match", zap.Error(perr))
			}
		}
	}
	if method == "pattern" {
		ex = matchQuote(sc.Event.Content, q.deps.PriceList)
	}

	product := normalizeProduct(ex.Product)
	unitPrice, known := q.deps.PriceList[product]
	amount := roundCents(unitPrice * float64(ex.Quantity))

	out := map[string]any{
		"product":    product,
		"quantity":   ex.Quantity,
		"unit_price": unitPrice,
		"amount":     amount,
		"currency":   q.deps.Currency,
		"extraction": method,
	}
	switch {
	case product == "" || ex.Quantity <= 0:
		out["needs_approval"] = true
		out["approval_reason"] = "product or quantity not understood"
	case !known:
		out["needs_approval"] = true
		out["approval_reason"] = "product not in price list"
	case amount > q.deps.ApprovalThreshold:
		out["needs_approval"] = true
		out["approval_reason"] = fmt.Sprintf("amount %.2f exceeds approval threshold %.2f", amount, q.deps.ApprovalThreshold)
	default:
		out["needs_approval"] = false
	}
	return Continue(out), nil
}

func (q *quoteSteps) gate(ctx context.Context, sc *StepContext) (StepResult, error) {
	if needs, _ := sc.State["needs_approval"].(bool); !needs {
		return Continue(map[string]any{"approval": "not_required"}), nil
	}
	if err := q.deps.Notifier.Notify(ctx, Notification{
		Kind:         NotifyNotice,
		WorkflowID:   sc.WorkflowID,
		WorkflowType: sc.WorkflowType,
		Status:       model.WorkflowRunning,
		EventID:      sc.Event.ID,
		Step:         "approval_gate",
		Message:      "quote needs approval: " + sc.String("approval_reason"),
		Data: map[string]any{
			"product":  sc.String("product"),
			"quantity": sc.Float("quantity"),
			"amount":   sc.Float("amount"),
			"currency": sc.String("currency"),
		},
		At: time.Now().UTC(),
	}); err != nil {
		return StepResult{}, fmt.Errorf("request approval: %w", err)
	}
	res := Suspend(model.ApprovalSignalName, q.deps.ApprovalTimeout)
	res.Output = map[string]any{"approval_requested_at": time.Now().UTC().Format(time.RFC3339)}
	return res, nil
}

func (q *quoteSteps) send(ctx context.Context, sc *StepContext) (StepResult, error) {
	text := fmt.Sprintf("Quote for %s x %s: %s %s",
		strconv.FormatFloat(sc.Float("quantity"), 'f', -1, 64),
		sc.String("product"),
		strconv.FormatFloat(sc.Float("amount"), 'f', 2, 64),
		sc.String("currency"),
	)
	if q.deps.Responder != nil {
		err := q.deps.Responder.Respond(ctx, sc.Event, adapter.Response{
			Status:      model.OutcomeCompleted,
			Text:        text,
			WorkflowRef: sc.WorkflowID,
			Data: map[string]any{
				"product":  sc.String("product"),
				"quantity": sc.Float("quantity"),
				"amount":   sc.Float("amount"),
				"currency": sc.String("currency"),
			},
		})
		if err != nil {
			return StepResult{}, fmt.Errorf("send quote: %w", err)
		}
	}
	return Complete(map[string]any{"quote": text}), nil
}

type reviewSteps struct {
	deps Deps
}

func (r *reviewSteps) open(ctx context.Context, sc *StepContext) (StepResult, error) {
	err := r.deps.Notifier.Notify(ctx, Notification{
		Kind:         NotifyNotice,
		WorkflowID:   sc.WorkflowID,
		WorkflowType: sc.WorkflowType,
		Status:       model.WorkflowRunning,
		EventID:      sc.Event.ID,
		Step:         "open_review",
		Message:      "manual review requested",
		Data: map[string]any{
			"source":  sc.Event.Source,
			"user_id": sc.Event.UserID,
			"excerpt": excerpt(sc.Event.Content, 280),
			"intent":  sc.String("intent"),
		},
		At: time.Now().UTC(),
	})
	if err != nil {
		return StepResult{}, fmt.Errorf("notify operators: %w", err)
	}
	return Continue(map[string]any{"review_opened_at": time.Now().UTC().Format(time.RFC3339)}), nil
}

func (r *reviewSteps) await(context.Context, *StepContext) (StepResult, error) {
	return Suspend(model.ApprovalSignalName, r.deps.ApprovalTimeout), nil
}

func (r *reviewSteps) close(ctx context.Context, sc *StepContext) (StepResult, error) {
	approval, _ := sc.State["approval"].(map[string]any)
	reviewer, _ := approval["decided_by"].(string)
	if r.deps.Responder != nil {
		err := r.deps.Responder.Respond(ctx, sc.Event, adapter.Response{
			Status:      model.OutcomeCompleted,
			Text:        "Your request has been reviewed and approved.",
			WorkflowRef: sc.WorkflowID,
		})
		if err != nil {
			return StepResult{}, fmt.Errorf("reply to sender: %w", err)
		}
	}
	return Complete(map[string]any{"reviewed_by": reviewer}), nil
}

type ticketSteps struct {
	deps Deps
}

func (t *ticketSteps) open(ctx context.Context, sc *StepContext) (StepResult, error) {
	ticketID := ticketNumber(sc.WorkflowID)
	err := t.deps.Notifier.Notify(ctx, Notification{
		Kind:         NotifyNotice,
		WorkflowID:   sc.WorkflowID,
		WorkflowType: sc.WorkflowType,
		Status:       model.WorkflowRunning,
		EventID:      sc.Event.ID,
		Step:         "open_ticket",
		Message:      "support ticket " + ticketID + " opened",
		Data: map[string]any{
			"ticket_id": ticketID,
			"priority":  string(sc.Event.Priority),
			"excerpt":   excerpt(sc.Event.Content, 280),
		},
		At: time.Now().UTC(),
	})
	if err != nil {
		return StepResult{}, fmt.Errorf("open ticket: %w", err)
	}
	return Continue(map[string]any{"ticket_id": ticketID}), nil
}

func (t *ticketSteps) acknowledge(ctx context.Context, sc *StepContext) (StepResult, error) {
	ticketID := sc.String("ticket_id")
	if t.deps.Responder != nil {
		err := t.deps.Responder.Respond(ctx, sc.Event, adapter.Response{
			Status:      model.OutcomeCompleted,
			Text:        "Thanks, we opened ticket " + ticketID + " and will get back to you.",
			WorkflowRef: sc.WorkflowID,
			Data:        map[string]any{"ticket_id": ticketID},
		})
		if err != nil {
			return StepResult{}, fmt.Errorf("acknowledge: %w", err)
		}
	}
	return Complete(map[string]any{"acknowledged": true}), nil
}

func parseExtraction(content string) (extraction, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return extraction{}, fmt.Errorf("no JSON object in %q", excerpt(content, 80))
	}
	var ex extraction
	if err := json.Unmarshal([]byte(content[start:end+1]), &ex); err != nil {
		return extraction{}, err
	}
	return ex, nil
}

var (
	unitsPattern    = regexp.MustCompile(`(?i)\b(\d{1,3}(?:,\d{3})+|\d+)\s*(?:units?|pcs|pieces|items|x)\b`)
	quantityPattern = regexp.MustCompile(`\b(\d{1,3}(?:,\d{3})+|\d+)\b`)
	productPattern  = regexp.MustCompile(`(?i)\b(?:units?|pcs|pieces|items)\s+of\s+([a-z0-9][a-z0-9 \-]*[a-z0-9])`)
)

// matchQuote finds a quantity and a product without a model: the longest
// price list entry mentioned wins, then "<n> units of <product>".
func matchQuote(content string, prices map[string]float64) extraction {
	var ex extraction
	m := unitsPattern.FindStringSubmatch(content)
	if m == nil {
		m = quantityPattern.FindStringSubmatch(content)
	}
	if m != nil {
		ex.Quantity, _ = strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
	}

	lower := normalizeProduct(content)
	names := make([]string, 0, len(prices))
	for name := range prices {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	for _, name := range names {
		if name != "" && strings.Contains(lower, name) {
			ex.Product = name
			return ex
		}
	}
	if m := productPattern.FindStringSubmatch(content); m != nil {
		ex.Product = m[1]
	}
	return ex
}

func normalizeProduct(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

func ticketNumber(workflowID string) string {
	id := strings.ReplaceAll(workflowID, "-", "")
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return "TKT-" + strings.ToUpper(id)
}

func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "…"
}
