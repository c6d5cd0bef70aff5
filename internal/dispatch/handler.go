package dispatch

import (
	"context"
	"strings"

	kit "botfleet/internal/transport"
)

// Handler priorities. Higher priorities are evaluated first; ties are broken
// by registration order (earlier registration wins). That tie-break is a
// documented part of the contract, not an accident.
const (
	PriorityLow     = 25
	PriorityNormal  = 50
	PriorityHigh    = 75
	PriorityCommand = 100
)

// Responder is the outbound facade handed to handler actions. Implemented by
// bot.Instance.
type Responder interface {
	TenantID() string
	SendText(ctx context.Context, chatID int64, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error
	DeleteMessage(ctx context.Context, ref kit.MessageRef) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// Predicate decides whether a handler accepts a message. Predicates must be
// pure with respect to the message: no side effects, no I/O.
type Predicate func(msg *kit.Message) bool

// Action runs the matched handler's work. Actions may suspend and may be
// invoked concurrently for the same tenant; any shared state needs its own
// synchronization. A returned error (or panic) becomes an error notification;
// the event still counts as handled.
type Action func(ctx context.Context, msg *kit.Message, r Responder) error

// Handler is a (predicate, action) pair evaluated against one inbound message.
type Handler struct {
	Name     string
	Priority int
	Disabled bool
	Match    Predicate
	Run      Action
}

type CallbackPredicate func(cb *kit.Callback) bool

type CallbackAction func(ctx context.Context, cb *kit.Callback, r Responder) error

// CallbackHandler is the callback-query counterpart of Handler. Callback
// handlers follow the same priority-then-registration ordering as message
// handlers.
type CallbackHandler struct {
	Name     string
	Priority int
	Disabled bool
	Match    CallbackPredicate
	Run      CallbackAction
}

// ---- Typed constructors ----

// Command matches "/name" (optionally "/name@botuser") at the start of a
// message.
func Command(command string, action Action) Handler {
	command = "/" + strings.TrimPrefix(strings.TrimSpace(command), "/")
	return Handler{
		Name:     "cmd" + command,
		Priority: PriorityCommand,
		Match: func(msg *kit.Message) bool {
			text := strings.TrimSpace(msg.Text)
			if text == "" || text[0] != '/' {
				return false
			}
			head := text
			if i := strings.IndexAny(head, " \t\n"); i >= 0 {
				head = head[:i]
			}
			if i := strings.IndexByte(head, '@'); i >= 0 {
				head = head[:i]
			}
			return head == command
		},
		Run: action,
	}
}

// TextMatch configures a PredicateTextHandler. Empty fields are ignored; all
// set fields must match.
type TextMatch struct {
	Contains   string
	Prefix     string
	Suffix     string
	IgnoreCase bool
}

func Text(name string, m TextMatch, action Action) Handler {
	return Handler{
		Name:     name,
		Priority: PriorityNormal,
		Match: func(msg *kit.Message) bool {
			text := msg.Text
			contains, prefix, suffix := m.Contains, m.Prefix, m.Suffix
			if m.IgnoreCase {
				text = strings.ToLower(text)
				contains = strings.ToLower(contains)
				prefix = strings.ToLower(prefix)
				suffix = strings.ToLower(suffix)
			}
			if text == "" {
				return false
			}
			if contains != "" && !strings.Contains(text, contains) {
				return false
			}
			if prefix != "" && !strings.HasPrefix(text, prefix) {
				return false
			}
			if suffix != "" && !strings.HasSuffix(text, suffix) {
				return false
			}
			return true
		},
		Run: action,
	}
}

// Media matches messages carrying the given media kind ("photo", "document", ...).
func Media(kind string, action Action) Handler {
	return Handler{
		Name:     "media:" + kind,
		Priority: PriorityNormal,
		Match:    func(msg *kit.Message) bool { return msg.MediaKind == kind },
		Run:      action,
	}
}

// CallbackPrefix matches callback queries whose data starts with prefix.
func CallbackPrefix(prefix string, action CallbackAction) CallbackHandler {
	return CallbackHandler{
		Name:     "cb:" + prefix,
		Priority: PriorityNormal,
		Match:    func(cb *kit.Callback) bool { return strings.HasPrefix(cb.Data, prefix) },
		Run:      action,
	}
}

// CallbackExact matches callback queries whose data equals data.
func CallbackExact(data string, action CallbackAction) CallbackHandler {
	return CallbackHandler{
		Name:     "cb=" + data,
		Priority: PriorityHigh,
		Match:    func(cb *kit.Callback) bool { return cb.Data == data },
		Run:      action,
	}
}
