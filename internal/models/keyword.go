package models

import "errors"

// MatchMode selects how a keyword rule's trigger is compared to inbound text.
type MatchMode string

const (
	// MatchModeContains matches when the trigger is a substring of the text.
	MatchModeContains MatchMode = "contains"
	// MatchModeExact matches only the whole normalized text.
	MatchModeExact MatchMode = "exact"
)

// IsValidMatchMode checks if the given match mode is supported.
func IsValidMatchMode(m MatchMode) bool {
	return m == MatchModeContains || m == MatchModeExact
}

// KeywordRule is a static trigger-to-response mapping, independent of
// session state. Higher Priority wins among simultaneous matches; ties fall
// back to creation order.
type KeywordRule struct {
	ID       string    `json:"id"`
	Trigger  string    `json:"trigger"`
	Mode     MatchMode `json:"mode,omitempty"`
	Priority int       `json:"priority,omitempty"`
	Response Reply     `json:"response"`
}

var errEmptyTrigger = errors.New("keyword trigger is required")

// Validate checks the rule invariants.
func (r *KeywordRule) Validate() error {
	if r.Trigger == "" {
		return errEmptyTrigger
	}
	if r.Mode != "" && !IsValidMatchMode(r.Mode) {
		return errors.New("invalid match mode")
	}
	return r.Response.Validate()
}

// AIContextType selects how an AI context entry produces its content.
type AIContextType string

const (
	// AIContextStatic contributes fixed text.
	AIContextStatic AIContextType = "static"
	// AIContextQuery contributes the result of a bounded document-store query.
	AIContextQuery AIContextType = "query"
)

// AIContext is one entry assembled into the AI responder's context block.
type AIContext struct {
	ID       string        `json:"id"`
	Enabled  bool          `json:"enabled"`
	Priority int           `json:"priority,omitempty"`
	Type     AIContextType `json:"type"`
	// Static content for AIContextStatic entries.
	Content string `json:"content,omitempty"`
	// Collection and Fields describe the query for AIContextQuery entries.
	Collection string   `json:"collection,omitempty"`
	Fields     []string `json:"fields,omitempty"`
}
