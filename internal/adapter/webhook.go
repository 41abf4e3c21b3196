package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/capitalize-ai/concord/internal/model"
)

type headersKey struct{}

// WithHeaders attaches the transport headers of a raw payload to ctx so the
// webhook adapter can read delivery IDs and hints from them.
func WithHeaders(ctx context.Context, h http.Header) context.Context {
	return context.WithValue(ctx, headersKey{}, h)
}

// HeadersFrom returns the headers attached by WithHeaders.
func HeadersFrom(ctx context.Context) http.Header {
	if h, ok := ctx.Value(headersKey{}).(http.Header); ok {
		return h
	}
	return http.Header{}
}

// Headers copied into event metadata, lowercased.
var forwardedHeaders = []string{
	"X-Webhook-Source",
	"X-Event-Type",
	"X-Delivery-ID",
	"X-Request-ID",
	"User-Agent",
}

// Webhook normalizes arbitrary JSON webhooks. The body becomes structured
// content; routing hints come from well-known body fields or headers.
type Webhook struct{ base }

// NewWebhook creates the generic webhook adapter.
func NewWebhook(opts Options) *Webhook {
	return &Webhook{base: newBase(ChannelWebhook, opts)}
}

// Normalize implements Adapter.
func (w *Webhook) Normalize(ctx context.Context, raw []byte) (model.CanonicalEvent, error) {
	raw = bytes.TrimSpace(raw)
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return model.CanonicalEvent{}, &model.ValidationError{Field: "body", Reason: "webhook body must be JSON"}
	}
	// Arrays and scalars are accepted as content but carry no routing fields.
	body, _ := decoded.(map[string]any)

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return model.CanonicalEvent{}, &model.ValidationError{Field: "body", Reason: err.Error()}
	}

	h := HeadersFrom(ctx)
	e := w.newEvent(model.EventTypeWebhook)
	e.Content = compact.String()
	e.ContentType = model.ContentTypeStructured

	if src := firstNonEmpty(h.Get("X-Webhook-Source"), stringField(body, "source")); src != "" {
		e.Context["webhook_source"] = src
	}
	e.SourceID = firstNonEmpty(h.Get("X-Delivery-ID"), stringField(body, "id"), stringField(body, "delivery_id"))
	e.UserID = firstNonEmpty(stringField(body, "user_id"), stringField(body, "customer_id"), stringField(body, "email"))
	e.ThreadID = stringField(body, "thread_id")
	e.Priority = parsePriority(firstNonEmpty(h.Get("X-Priority"), stringField(body, "priority")))

	if ts := stringField(body, "timestamp"); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			e.Timestamp = t.UTC()
		}
	}
	for _, key := range []string{model.KeyWorkflowType, model.KeyWorkflowRef, model.KeySupersedes} {
		if v := stringField(body, key); v != "" {
			e.Metadata[key] = v
		}
	}
	for _, name := range forwardedHeaders {
		if v := h.Get(name); v != "" {
			e.Metadata[strings.ToLower(name)] = v
		}
	}

	switch {
	case h.Get("Idempotency-Key") != "":
		e.IdempotencyKey = h.Get("Idempotency-Key")
	case stringField(body, "idempotency_key") != "":
		e.IdempotencyKey = stringField(body, "idempotency_key")
	case e.SourceID != "":
		e.IdempotencyKey = w.channel + ":" + e.SourceID
	}
	return e, nil
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		b, _ := json.Marshal(s)
		return string(b)
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
