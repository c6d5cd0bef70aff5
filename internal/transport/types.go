package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

// Update is the platform-neutral inbound event. Exactly one of Message /
// Callback is set, selected by Kind.
type Update struct {
	Kind     UpdateKind `json:"kind"`
	Message  *Message   `json:"message,omitempty"`
	Callback *Callback  `json:"callback,omitempty"`
}

type Message struct {
	ID           int    `json:"id"`
	ChatID       int64  `json:"chat_id"`
	ChatType     string `json:"chat_type"` // "private", "group", "channel"
	FromID       int64  `json:"from_id"`
	FromUsername string `json:"from_username,omitempty"`
	Text         string `json:"text,omitempty"`
	MediaKind    string `json:"media_kind,omitempty"` // "photo", "document", "voice", ... empty for plain text
}

type Callback struct {
	ID        string `json:"id"`
	FromID    int64  `json:"from_id"`
	ChatID    int64  `json:"chat_id"`
	MessageID int    `json:"message_id"`
	Data      string `json:"data"`
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Identity describes the platform account behind a credential.
type Identity struct {
	ID       int64
	Username string
}

// Adapter is the wire-level platform client. One adapter instance is bound to
// one credential. Start pushes inbound updates into out; the owner keeps
// consuming until Stop returns.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	Me(ctx context.Context) (Identity, error)
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}
