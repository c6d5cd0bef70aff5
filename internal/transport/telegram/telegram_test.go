package telegram

import (
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"
)

func TestSplitTextShortPassthrough(t *testing.T) {
	t.Parallel()
	got := splitText("hello", 10)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitText = %v, want [hello]", got)
	}
}

func TestSplitTextChunksAndReassembles(t *testing.T) {
	t.Parallel()
	src := strings.Repeat("abcdefghij", 30)
	parts := splitText(src, 100)
	if len(parts) < 3 {
		t.Fatalf("parts = %d, want at least 3", len(parts))
	}
	for i, p := range parts {
		if len([]rune(p)) > 100 {
			t.Fatalf("part %d exceeds limit: %d runes", i, len([]rune(p)))
		}
	}
	if strings.Join(parts, "") != src {
		t.Fatal("chunks do not reassemble to the source")
	}
}

func TestSplitTextPrefersNewlineBoundary(t *testing.T) {
	t.Parallel()
	src := strings.Repeat("x", 80) + "\n" + strings.Repeat("y", 80)
	parts := splitText(src, 100)
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(parts))
	}
	// The break lands on the newline, which is dropped from the output.
	if parts[0] != strings.Repeat("x", 80) || parts[1] != strings.Repeat("y", 80) {
		t.Fatalf("unexpected chunks: %q / %q", parts[0], parts[1])
	}
}

func TestChatType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		chat *tele.Chat
		want string
	}{
		{name: "nil", chat: nil, want: ""},
		{name: "private", chat: &tele.Chat{Type: tele.ChatPrivate}, want: "private"},
		{name: "group", chat: &tele.Chat{Type: tele.ChatGroup}, want: "group"},
		{name: "supergroup", chat: &tele.Chat{Type: tele.ChatSuperGroup}, want: "group"},
		{name: "channel", chat: &tele.Chat{Type: tele.ChatChannel}, want: "channel"},
	}
	for _, tt := range tests {
		if got := chatType(tt.chat); got != tt.want {
			t.Fatalf("chatType(%s) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestMessageTextFallsBackToCaption(t *testing.T) {
	t.Parallel()
	if got := messageText(&tele.Message{Text: "plain"}); got != "plain" {
		t.Fatalf("text = %q", got)
	}
	if got := messageText(&tele.Message{Caption: "captioned"}); got != "captioned" {
		t.Fatalf("caption fallback = %q", got)
	}
}
