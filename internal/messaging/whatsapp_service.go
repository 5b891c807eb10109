package messaging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/BTreeMap/ChatPipe/internal/whatsapp"
	"github.com/google/uuid"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service using the whatsmeow-based client.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // full client for event handling, nil for mocks
	account  string
	messages chan models.Message
	done     chan struct{}
	mu       sync.RWMutex
	stopped  bool
}

// NewWhatsAppService creates a WhatsAppService wrapping the given sender.
// Inbound events are attributed to the given account label.
func NewWhatsAppService(client whatsapp.Sender, account string) *WhatsAppService {
	service := &WhatsAppService{
		client:   client,
		account:  account,
		messages: make(chan models.Message, DefaultChannelBufferSize),
		done:     make(chan struct{}),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return service
}

func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start begins background event processing when a full client is available.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	if s.waClient != nil {
		go s.handleEvents(ctx)
		slog.Debug("WhatsAppService event handler started")
	}
	return nil
}

// Stop stops background processing. The inbound channel is closed after a
// grace period; the whatsmeow event handler stays registered, so emits after
// Stop are dropped instead of racing the close.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	slog.Info("WhatsAppService Stop invoked")
	s.stopped = true
	close(s.done)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.messages)
	}()
	return nil
}

// SendReply delivers one reply as a WhatsApp message.
func (s *WhatsAppService) SendReply(ctx context.Context, to string, reply *models.Reply) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendReply validation error", "error", err, "to", to)
		return err
	}
	body, err := renderReplyText(reply)
	if err != nil {
		slog.Error("WhatsAppService SendReply render error", "error", err, "to", canonical)
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService SendReply error", "error", err, "to", canonical)
		return err
	}
	slog.Info("WhatsAppService reply sent", "to", canonical, "type", reply.Type)
	return nil
}

// Messages returns the inbound message channel.
func (s *WhatsAppService) Messages() <-chan models.Message {
	return s.messages
}

// handleEvents registers a whatsmeow event handler and forwards inbound
// text and button messages until the context is cancelled.
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if v, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(v)
		}
	})
	slog.Debug("WhatsAppService event handler registered")

	<-ctx.Done()
	slog.Debug("WhatsAppService handleEvents stopping due to context cancellation")
}

// handleIncomingMessage converts a whatsmeow message event into an inbound
// Message for the router.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil {
		return
	}

	var text string
	contentType := models.ContentTypeText
	switch {
	case evt.Message.Conversation != nil:
		text = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		text = *evt.Message.ExtendedTextMessage.Text
	case evt.Message.ButtonsResponseMessage != nil && evt.Message.ButtonsResponseMessage.SelectedButtonID != nil:
		text = *evt.Message.ButtonsResponseMessage.SelectedButtonID
		contentType = models.ContentTypeButton
	case evt.Message.ListResponseMessage != nil && evt.Message.ListResponseMessage.SingleSelectReply != nil &&
		evt.Message.ListResponseMessage.SingleSelectReply.SelectedRowID != nil:
		text = *evt.Message.ListResponseMessage.SingleSelectReply.SelectedRowID
		contentType = models.ContentTypeButton
	default:
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	from := evt.Info.Sender.User
	if !strings.HasPrefix(from, "+") {
		from = "+" + from
	}

	msg := models.Message{
		ID:          uuid.NewString(),
		From:        from,
		Text:        text,
		ContentType: contentType,
		Account:     s.account,
		Direction:   models.DirectionIncoming,
		Time:        evt.Info.Timestamp,
	}

	s.emit(msg)
}

// emit pushes a message onto the inbound channel without blocking forever.
// After Stop the message is dropped; a late whatsmeow event must never send
// on the closed channel.
func (s *WhatsAppService) emit(msg models.Message) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("WhatsAppService dropping inbound message (service stopped)", "from", msg.From)
		return
	}

	select {
	case s.messages <- msg:
		slog.Info("WhatsAppService inbound message forwarded", "from", msg.From, "contentType", msg.ContentType)
	case <-s.done:
		slog.Warn("WhatsAppService dropping inbound message (service stopped)", "from", msg.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService messages channel blocked, dropping message", "from", msg.From)
	}
}
