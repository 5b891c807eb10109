// Package models defines the core data structures for ChatPipe.
//
// It includes types for inbound messages, outbound replies, sessions, flows,
// keyword rules, and chatbot settings, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// Direction indicates whether a message was received or sent by the platform.
type Direction string

const (
	// DirectionIncoming marks a message received from a user.
	DirectionIncoming Direction = "incoming"
	// DirectionOutgoing marks a message sent by the platform.
	DirectionOutgoing Direction = "outgoing"
)

// ContentType describes the payload kind of an inbound message.
type ContentType string

const (
	// ContentTypeText is a plain text message.
	ContentTypeText ContentType = "text"
	// ContentTypeButton is a button-reply message; Text carries the button payload.
	ContentTypeButton ContentType = "button"
	// ContentTypeStructured is a structured-form reply carrying a field map.
	ContentTypeStructured ContentType = "structured"
)

// IsRoutableContentType reports whether the chatbot processes this content type.
func IsRoutableContentType(ct ContentType) bool {
	switch ct {
	case ContentTypeText, ContentTypeButton, ContentTypeStructured:
		return true
	default:
		return false
	}
}

// StructuredReply is the transient field map produced by a structured-form
// response. It is consumed once by the step that requested it.
type StructuredReply map[string]string

// Message represents one chat message record, inbound or outbound.
type Message struct {
	ID          string          `json:"id"`
	From        string          `json:"from"`
	To          string          `json:"to,omitempty"`
	Text        string          `json:"text"`
	ContentType ContentType     `json:"content_type"`
	Account     string          `json:"account"`
	Direction   Direction       `json:"direction"`
	Structured  StructuredReply `json:"structured,omitempty"`
	// SkipRouting tags records created by the router itself so the inbound
	// event hook does not re-route the bot's own messages.
	SkipRouting bool      `json:"skip_routing,omitempty"`
	Time        time.Time `json:"time"`
}

// ReplyType discriminates the outbound reply variants.
type ReplyType string

const (
	// ReplyTypeText is a plain text reply.
	ReplyTypeText ReplyType = "text"
	// ReplyTypeTemplate references a pre-approved message template.
	ReplyTypeTemplate ReplyType = "template"
	// ReplyTypeMedia carries a media attachment with an optional caption.
	ReplyTypeMedia ReplyType = "media"
	// ReplyTypeScript delegates reply production to a script executor.
	ReplyTypeScript ReplyType = "script"
	// ReplyTypeFlowTrigger starts a conversation flow.
	ReplyTypeFlowTrigger ReplyType = "flow_trigger"
)

// MediaKind enumerates supported media attachment kinds.
type MediaKind string

const (
	MediaKindImage    MediaKind = "image"
	MediaKindVideo    MediaKind = "video"
	MediaKindAudio    MediaKind = "audio"
	MediaKindDocument MediaKind = "document"
)

// Reply is a tagged union over the outbound reply variants. Only the fields
// relevant to Type are populated; the constructors below enforce that.
type Reply struct {
	Type ReplyType `json:"type"`

	// Text variant
	Text string `json:"text,omitempty"`

	// Template variant
	Template       string   `json:"template,omitempty"`
	TemplateParams []string `json:"template_params,omitempty"`

	// Media variant
	Media   MediaKind `json:"media,omitempty"`
	URL     string    `json:"url,omitempty"`
	Caption string    `json:"caption,omitempty"`

	// Script variant
	ScriptRef string `json:"script_ref,omitempty"`

	// FlowTrigger variant
	FlowID string `json:"flow_id,omitempty"`
}

// TextReply builds a plain text reply. Returns nil for empty text so callers
// can fall through to the next strategy.
func TextReply(text string) *Reply {
	if text == "" {
		return nil
	}
	return &Reply{Type: ReplyTypeText, Text: text}
}

// TemplateReply builds a template reply.
func TemplateReply(name string, params []string) *Reply {
	return &Reply{Type: ReplyTypeTemplate, Template: name, TemplateParams: params}
}

// MediaReply builds a media reply.
func MediaReply(kind MediaKind, url, caption string) *Reply {
	return &Reply{Type: ReplyTypeMedia, Media: kind, URL: url, Caption: caption}
}

// Validation constants shared by the reply and flow types.
const (
	// MaxReplyTextLength bounds outbound text bodies.
	MaxReplyTextLength = 4096
	// MaxStepPromptLength bounds step prompt bodies.
	MaxStepPromptLength = 4096
	// MaxContextRecords bounds document-store queries used for AI context.
	MaxContextRecords = 50
	// MaxHistoryTurns bounds the conversation history passed to the AI responder.
	MaxHistoryTurns = 10
)

// Error variables for better error handling and testability.
var (
	ErrEmptyRecipient     = errors.New("recipient cannot be empty")
	ErrInvalidReplyType   = errors.New("invalid reply type")
	ErrEmptyReplyText     = errors.New("text is required for text replies")
	ErrReplyTextTooLong   = errors.New("reply text exceeds maximum length")
	ErrEmptyTemplateName  = errors.New("template name is required for template replies")
	ErrInvalidMediaKind   = errors.New("invalid media kind")
	ErrEmptyMediaURL      = errors.New("media URL is required for media replies")
	ErrEmptyScriptRef     = errors.New("script reference is required for script replies")
	ErrEmptyFlowID        = errors.New("flow id is required for flow trigger replies")
	ErrSessionConflict    = errors.New("session was modified concurrently")
	ErrFlowNotFound       = errors.New("flow not found")
	ErrFlowHasNoSteps     = errors.New("flow has no steps")
	ErrStepNotFound       = errors.New("step not found in flow")
	ErrDuplicateStepNames = errors.New("step names must be unique within a flow")
)

// IsValidReplyType checks if the given reply type is supported.
func IsValidReplyType(rt ReplyType) bool {
	switch rt {
	case ReplyTypeText, ReplyTypeTemplate, ReplyTypeMedia, ReplyTypeScript, ReplyTypeFlowTrigger:
		return true
	default:
		return false
	}
}

// IsValidMediaKind checks if the given media kind is supported.
func IsValidMediaKind(mk MediaKind) bool {
	switch mk {
	case MediaKindImage, MediaKindVideo, MediaKindAudio, MediaKindDocument:
		return true
	default:
		return false
	}
}

// Validate performs variant-specific validation on a Reply.
func (r *Reply) Validate() error {
	if !IsValidReplyType(r.Type) {
		return ErrInvalidReplyType
	}
	switch r.Type {
	case ReplyTypeText:
		if r.Text == "" {
			return ErrEmptyReplyText
		}
		if len(r.Text) > MaxReplyTextLength {
			return ErrReplyTextTooLong
		}
	case ReplyTypeTemplate:
		if r.Template == "" {
			return ErrEmptyTemplateName
		}
	case ReplyTypeMedia:
		if !IsValidMediaKind(r.Media) {
			return ErrInvalidMediaKind
		}
		if r.URL == "" {
			return ErrEmptyMediaURL
		}
	case ReplyTypeScript:
		if r.ScriptRef == "" {
			return ErrEmptyScriptRef
		}
	case ReplyTypeFlowTrigger:
		if r.FlowID == "" {
			return ErrEmptyFlowID
		}
	}
	return nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
