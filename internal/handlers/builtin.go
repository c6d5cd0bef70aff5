// Package handlers carries the stock handler set wired into every tenant
// unless its seed opts out. They double as living examples of the dispatch
// API.
package handlers

import (
	"context"
	"fmt"
	"strings"

	"botfleet/internal/bot"
	"botfleet/internal/dispatch"
	kit "botfleet/internal/transport"
)

// Setup registers the builtin handlers on the instance: /start greeting,
// /help, a low-priority echo fallback and an ack for "noop:" callbacks.
func Setup(inst *bot.Instance) {
	inst.OnCommand("start", Start).
		OnCommand("help", Help).
		OnCallback("noop:", AckCallback)
	inst.Registry().RegisterMessage(Echo())
}

func Start(ctx context.Context, msg *kit.Message, r dispatch.Responder) error {
	name := msg.FromUsername
	if name == "" {
		name = "there"
	}
	_, err := r.SendText(ctx, msg.ChatID, fmt.Sprintf("Hi %s! Send /help to see what I can do.", name), nil)
	return err
}

func Help(ctx context.Context, msg *kit.Message, r dispatch.Responder) error {
	var b strings.Builder
	b.WriteString("Commands:\n")
	b.WriteString("/start - greeting\n")
	b.WriteString("/help - this message\n")
	b.WriteString("Anything else is echoed back.")
	_, err := r.SendText(ctx, msg.ChatID, b.String(), nil)
	return err
}

// Echo repeats non-command text back to the chat. Registered at low priority
// so tenant-specific handlers always win.
func Echo() dispatch.Handler {
	return dispatch.Handler{
		Name:     "echo",
		Priority: dispatch.PriorityLow,
		Match: func(msg *kit.Message) bool {
			return msg.Text != "" && !strings.HasPrefix(msg.Text, "/")
		},
		Run: func(ctx context.Context, msg *kit.Message, r dispatch.Responder) error {
			_, err := r.SendText(ctx, msg.ChatID, msg.Text, nil)
			return err
		},
	}
}

// AckCallback answers a callback query without side effects, dismissing the
// client's progress spinner.
func AckCallback(ctx context.Context, cb *kit.Callback, r dispatch.Responder) error {
	return r.AnswerCallback(ctx, cb.ID, "")
}
