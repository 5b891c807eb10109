package keyword

import (
	"testing"

	"github.com/BTreeMap/ChatPipe/internal/models"
)

func rule(id, trigger string, mode models.MatchMode, priority int, text string) models.KeywordRule {
	return models.KeywordRule{
		ID:       id,
		Trigger:  trigger,
		Mode:     mode,
		Priority: priority,
		Response: *models.TextReply(text),
	}
}

func TestMatchContainsDefault(t *testing.T) {
	m := NewMatcher([]models.KeywordRule{
		rule("r1", "hello", "", 0, "Hi there!"),
	})

	cases := []struct {
		text string
		want string
	}{
		{"hello", "Hi there!"},
		{"  HELLO  ", "Hi there!"},
		{"well hello friend", "Hi there!"},
		{"goodbye", ""},
		{"", ""},
	}
	for _, c := range cases {
		got := m.Match(c.text)
		if c.want == "" {
			if got != nil {
				t.Errorf("Match(%q) = %+v, want nil", c.text, got)
			}
			continue
		}
		if got == nil || got.Text != c.want {
			t.Errorf("Match(%q) = %+v, want text %q", c.text, got, c.want)
		}
	}
}

func TestMatchExactMode(t *testing.T) {
	m := NewMatcher([]models.KeywordRule{
		rule("r1", "hours", models.MatchModeExact, 0, "Open 9-6."),
	})

	if got := m.Match("hours"); got == nil || got.Text != "Open 9-6." {
		t.Errorf("expected exact match on whole text, got %+v", got)
	}
	if got := m.Match("what are your hours"); got != nil {
		t.Errorf("exact mode must not match a substring, got %+v", got)
	}
	if got := m.Match("  Hours "); got == nil {
		t.Error("exact mode should still normalize case and whitespace")
	}
}

func TestMatchPriorityWins(t *testing.T) {
	m := NewMatcher([]models.KeywordRule{
		rule("low", "order", "", 1, "low priority"),
		rule("high", "order", "", 10, "high priority"),
	})
	if got := m.Match("order status"); got == nil || got.Text != "high priority" {
		t.Errorf("expected highest priority to win, got %+v", got)
	}
}

func TestMatchTieFallsBackToCreationOrder(t *testing.T) {
	m := NewMatcher([]models.KeywordRule{
		rule("first", "help", "", 5, "first created"),
		rule("second", "help", "", 5, "second created"),
	})
	if got := m.Match("help"); got == nil || got.Text != "first created" {
		t.Errorf("expected earliest-created rule to win the tie, got %+v", got)
	}
}

func TestMatchNonTextResponse(t *testing.T) {
	m := NewMatcher([]models.KeywordRule{
		{
			ID:       "menu",
			Trigger:  "menu",
			Response: *models.MediaReply(models.MediaKindDocument, "https://example.com/menu.pdf", "Our menu"),
		},
	})
	got := m.Match("menu please")
	if got == nil || got.Type != models.ReplyTypeMedia || got.URL != "https://example.com/menu.pdf" {
		t.Errorf("expected media reply, got %+v", got)
	}
}
