// Package messaging defines the pluggable message delivery abstraction and
// its WhatsApp and Twilio implementations.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/models"
)

// Constants for service configuration
const (
	// DefaultChannelBufferSize defines the buffer size for inbound message channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the timeout for non-blocking channel emits.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when a send is attempted after Stop.
var ErrServiceStopped = errors.New("messaging service is stopped")

// phoneNumberRegex strips everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction. Implementations
// deliver outbound replies and surface inbound messages on a channel the
// router consumes.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier per the transport's rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendReply delivers one outbound reply to a recipient.
	SendReply(ctx context.Context, to string, reply *models.Reply) error

	// Start begins any background processing (e.g. event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Messages returns a channel of inbound messages.
	Messages() <-chan models.Message
}

// canonicalizePhone removes all non-numeric characters and validates the
// result has at least 6 digits.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}

// renderReplyText flattens a reply into a plain text body for transports
// that only carry text. Script and flow-trigger replies have no direct text
// rendering and are rejected.
func renderReplyText(reply *models.Reply) (string, error) {
	if reply == nil {
		return "", models.ErrInvalidReplyType
	}
	if err := reply.Validate(); err != nil {
		return "", err
	}
	switch reply.Type {
	case models.ReplyTypeText:
		return reply.Text, nil
	case models.ReplyTypeTemplate:
		body := reply.Template
		for i, param := range reply.TemplateParams {
			body = strings.ReplaceAll(body, fmt.Sprintf("{%d}", i+1), param)
		}
		return body, nil
	case models.ReplyTypeMedia:
		if reply.Caption != "" {
			return reply.Caption + "\n" + reply.URL, nil
		}
		return reply.URL, nil
	default:
		return "", fmt.Errorf("reply type %s cannot be delivered directly: %w", reply.Type, models.ErrInvalidReplyType)
	}
}
