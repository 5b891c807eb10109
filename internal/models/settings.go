package models

import (
	"errors"
	"time"
)

// AIProvider enumerates supported generative-text providers.
type AIProvider string

const (
	// AIProviderOpenAI uses the OpenAI chat completions API.
	AIProviderOpenAI AIProvider = "openai"
	// AIProviderCustom is a placeholder for a custom endpoint.
	AIProviderCustom AIProvider = "custom"
)

// AIConfig holds generative-text provider configuration.
type AIConfig struct {
	Provider     AIProvider `json:"provider,omitempty"`
	APIKey       string     `json:"api_key,omitempty"`
	Model        string     `json:"model,omitempty"`
	SystemPrompt string     `json:"system_prompt,omitempty"`
	MaxTokens    int        `json:"max_tokens,omitempty"`
	Temperature  float64    `json:"temperature,omitempty"`
}

// BusinessHour is one per-day business-hours entry. Start and End are
// "HH:MM" wall-clock times; disabled days are closed all day.
type BusinessHour struct {
	Day     time.Weekday `json:"day"`
	Enabled bool         `json:"enabled"`
	Start   string       `json:"start,omitempty"`
	End     string       `json:"end,omitempty"`
}

// ChatbotSettings is the singleton installation configuration. It is mutated
// only through the administrative surface and read-mostly at message time.
type ChatbotSettings struct {
	Enabled bool `json:"enabled"`

	// ProcessAllAccounts routes messages for every account; otherwise only
	// Account is eligible.
	ProcessAllAccounts bool   `json:"process_all_accounts"`
	Account            string `json:"account,omitempty"`

	ExcludedNumbers []string `json:"excluded_numbers,omitempty"`

	BusinessHoursOnly bool           `json:"business_hours_only"`
	BusinessHours     []BusinessHour `json:"business_hours,omitempty"`
	OutOfHoursMessage string         `json:"out_of_hours_message,omitempty"`

	EnableAI bool     `json:"enable_ai"`
	AI       AIConfig `json:"ai,omitempty"`

	DefaultResponse string `json:"default_response,omitempty"`

	// SessionTTL is how long an Active session may stay idle before the
	// sweep expires it.
	SessionTTL time.Duration `json:"session_ttl,omitempty"`
}

// Settings validation errors, surfaced to the operator on administrative
// writes and never raised at message-routing time.
var (
	ErrAIProviderRequired    = errors.New("AI provider is required when AI is enabled")
	ErrAIAPIKeyRequired      = errors.New("AI API key is required when AI is enabled")
	ErrBusinessHoursRequired = errors.New("at least one business-hours day is required")
	ErrTemperatureOutOfRange = errors.New("AI temperature must be between 0 and 1")
	ErrBadTimeOfDay          = errors.New("time of day must be in HH:MM format")
)

// Validate checks the settings invariants.
func (s *ChatbotSettings) Validate() error {
	if s.EnableAI {
		if s.AI.Provider == "" {
			return ErrAIProviderRequired
		}
		if s.AI.APIKey == "" {
			return ErrAIAPIKeyRequired
		}
	}
	if s.AI.Temperature < 0 || s.AI.Temperature > 1 {
		return ErrTemperatureOutOfRange
	}
	if s.BusinessHoursOnly {
		if len(s.BusinessHours) == 0 {
			return ErrBusinessHoursRequired
		}
		for _, bh := range s.BusinessHours {
			if !bh.Enabled {
				continue
			}
			if _, err := time.Parse("15:04", bh.Start); err != nil {
				return ErrBadTimeOfDay
			}
			if _, err := time.Parse("15:04", bh.End); err != nil {
				return ErrBadTimeOfDay
			}
		}
	}
	return nil
}

// IsExcluded reports whether the phone number is in the excluded set.
func (s *ChatbotSettings) IsExcluded(phone string) bool {
	for _, n := range s.ExcludedNumbers {
		if n == phone {
			return true
		}
	}
	return false
}

// AccountEligible reports whether messages for the account should be routed.
func (s *ChatbotSettings) AccountEligible(account string) bool {
	if s.ProcessAllAccounts {
		return true
	}
	return account == s.Account
}

// WithinBusinessHours reports whether now falls inside an enabled day's
// window. When business hours are not enforced it always returns true.
func (s *ChatbotSettings) WithinBusinessHours(now time.Time) bool {
	if !s.BusinessHoursOnly {
		return true
	}
	for _, bh := range s.BusinessHours {
		if !bh.Enabled || bh.Day != now.Weekday() {
			continue
		}
		start, err := time.Parse("15:04", bh.Start)
		if err != nil {
			continue
		}
		end, err := time.Parse("15:04", bh.End)
		if err != nil {
			continue
		}
		minutes := now.Hour()*60 + now.Minute()
		if minutes >= start.Hour()*60+start.Minute() && minutes <= end.Hour()*60+end.Minute() {
			return true
		}
	}
	return false
}

// DefaultBusinessHours returns a weekday 09:00-18:00 schedule with weekends
// closed, matching the administrative "populate defaults" helper.
func DefaultBusinessHours() []BusinessHour {
	hours := make([]BusinessHour, 0, 7)
	for day := time.Sunday; day <= time.Saturday; day++ {
		weekday := day != time.Saturday && day != time.Sunday
		bh := BusinessHour{Day: day, Enabled: weekday}
		if weekday {
			bh.Start = "09:00"
			bh.End = "18:00"
		}
		hours = append(hours, bh)
	}
	return hours
}
