// Package keyword matches inbound text against static trigger rules.
package keyword

import (
	"log/slog"
	"strings"

	"github.com/BTreeMap/ChatPipe/internal/models"
)

// Normalize lowercases and trims text the way both the matcher and the flow
// trigger check compare it.
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Matcher selects the winning keyword rule for a piece of inbound text.
type Matcher struct {
	rules []models.KeywordRule
}

// NewMatcher builds a matcher over rules in creation order.
func NewMatcher(rules []models.KeywordRule) *Matcher {
	return &Matcher{rules: rules}
}

// Match returns the response of the best-matching rule, or nil when no rule
// matches. Among simultaneous matches the highest Priority wins; ties fall
// back to creation order.
func (m *Matcher) Match(text string) *models.Reply {
	normalized := Normalize(text)
	if normalized == "" {
		return nil
	}

	var best *models.KeywordRule
	for i := range m.rules {
		r := &m.rules[i]
		if !ruleMatches(r, normalized) {
			continue
		}
		if best == nil || r.Priority > best.Priority {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	slog.Debug("keyword matched", "rule", best.ID, "trigger", best.Trigger)
	resp := best.Response
	return &resp
}

func ruleMatches(r *models.KeywordRule, normalized string) bool {
	trigger := Normalize(r.Trigger)
	if trigger == "" {
		return false
	}
	switch r.Mode {
	case models.MatchModeExact:
		return normalized == trigger
	default:
		// Contains is the default mode.
		return strings.Contains(normalized, trigger)
	}
}
