package adapter

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/capitalize-ai/concord/internal/model"
)

// botUpdate is the update shape delivered by the bot platform relay.
type botUpdate struct {
	UpdateID      int64            `json:"update_id"`
	Message       *botMessage      `json:"message"`
	CallbackQuery *botCallbackData `json:"callback_query"`
}

type botUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type botChat struct {
	ID int64 `json:"id"`
}

type botDocument struct {
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size"`
}

type botMessage struct {
	MessageID int64        `json:"message_id"`
	From      botUser      `json:"from"`
	Chat      botChat      `json:"chat"`
	Date      int64        `json:"date"`
	Text      string       `json:"text"`
	Caption   string       `json:"caption"`
	Document  *botDocument `json:"document"`
	ReplyTo   *botMessage  `json:"reply_to_message"`
}

type botCallbackData struct {
	ID      string      `json:"id"`
	From    botUser     `json:"from"`
	Message *botMessage `json:"message"`
	Data    string      `json:"data"`
}

// Bot normalizes bot platform updates. Plain messages become inbound
// messages, slash messages become commands and inline button callbacks of
// the form "approve:<workflow>" or "reject:<workflow>" become approvals.
type Bot struct{ base }

// NewBot creates the bot adapter.
func NewBot(opts Options) *Bot {
	return &Bot{base: newBase(ChannelBot, opts)}
}

// Normalize implements Adapter.
func (b *Bot) Normalize(_ context.Context, raw []byte) (model.CanonicalEvent, error) {
	var u botUpdate
	if err := decode(b.channel, raw, &u); err != nil {
		return model.CanonicalEvent{}, err
	}

	var (
		e   model.CanonicalEvent
		err error
	)
	switch {
	case u.CallbackQuery != nil:
		e, err = b.fromCallback(u.CallbackQuery)
	case u.Message != nil:
		e = b.fromMessage(u.Message)
	default:
		return model.CanonicalEvent{}, &model.ValidationError{Field: "body", Reason: "update carries neither message nor callback_query"}
	}
	if err != nil {
		return model.CanonicalEvent{}, err
	}
	if u.UpdateID != 0 {
		e.IdempotencyKey = b.channel + ":" + strconv.FormatInt(u.UpdateID, 10)
		e.Metadata["update_id"] = u.UpdateID
	}
	return e, nil
}

func (b *Bot) fromMessage(m *botMessage) model.CanonicalEvent {
	text := m.Text
	if text == "" {
		text = m.Caption
	}

	if !strings.HasPrefix(text, "/") {
		return b.messageEvent(model.EventTypeInboundMessage, m, text)
	}

	// "/quote@concord_bot 100 units" -> command "quote", args "100 units"
	name, args, _ := strings.Cut(strings.TrimPrefix(text, "/"), " ")
	name, _, _ = strings.Cut(name, "@")
	e := b.messageEvent(model.EventTypeCommand, m, text)
	e.Context["command"] = strings.ToLower(name)
	e.Context["args"] = strings.TrimSpace(args)
	return e
}

func (b *Bot) messageEvent(eventType model.EventType, m *botMessage, text string) model.CanonicalEvent {
	e := b.newEvent(eventType)
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	e.SessionID = chatID
	e.SourceID = chatID + ":" + strconv.FormatInt(m.MessageID, 10)
	e.UserID = botUserID(m.From)
	e.Content = text
	e.ContentType = InferContentType(text)
	if m.Date > 0 {
		e.Timestamp = time.Unix(m.Date, 0).UTC()
	}
	if m.ReplyTo != nil {
		e.ThreadID = chatID + ":" + strconv.FormatInt(m.ReplyTo.MessageID, 10)
	}
	if m.Document != nil {
		e.Attachments = append(e.Attachments, model.Attachment{
			Name:        firstNonEmpty(m.Document.FileName, "document"),
			ContentType: m.Document.MimeType,
			URL:         "bot-file:" + m.Document.FileID,
			Size:        m.Document.FileSize,
		})
	}
	if m.From.Username != "" {
		e.Context["username"] = m.From.Username
	}
	return e
}

func (b *Bot) fromCallback(q *botCallbackData) (model.CanonicalEvent, error) {
	action, ref, ok := strings.Cut(strings.TrimSpace(q.Data), ":")
	if !ok || strings.TrimSpace(ref) == "" {
		return model.CanonicalEvent{}, &model.ValidationError{Field: "callback_query.data", Reason: "expected <action>:<workflow_ref>"}
	}

	var decision model.Decision
	switch strings.ToLower(action) {
	case "approve", "approved":
		decision = model.DecisionApproved
	case "reject", "rejected":
		decision = model.DecisionRejected
	default:
		return model.CanonicalEvent{}, &model.ValidationError{Field: "callback_query.data", Reason: "unknown action " + action}
	}

	e := b.newEvent(model.EventTypeApproval)
	e.UserID = botUserID(q.From)
	e.SourceID = q.ID
	if q.Message != nil {
		e.SessionID = strconv.FormatInt(q.Message.Chat.ID, 10)
	}
	e.Content = string(decision)
	e.Context[model.KeyWorkflowRef] = strings.TrimSpace(ref)
	e.Context[model.KeyDecision] = string(decision)
	e.Context[model.KeyDecidedBy] = e.UserID
	return e, nil
}

func botUserID(u botUser) string {
	if u.ID == 0 {
		return u.Username
	}
	return strconv.FormatInt(u.ID, 10)
}
