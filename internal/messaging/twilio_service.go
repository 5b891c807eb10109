package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/models"
	"github.com/BTreeMap/ChatPipe/internal/twiliowhatsapp"
	"github.com/google/uuid"
)

// TwilioService implements Service using the Twilio REST API. Inbound
// messages arrive over the webhook handler instead of a live connection.
type TwilioService struct {
	client   twiliowhatsapp.Sender
	account  string
	messages chan models.Message
	done     chan struct{}
	mu       sync.RWMutex
	stopped  bool
}

// NewTwilioService creates a TwilioService over the given sender.
func NewTwilioService(client twiliowhatsapp.Sender, account string) *TwilioService {
	return &TwilioService{
		client:   client,
		account:  account,
		messages: make(chan models.Message, DefaultChannelBufferSize),
		done:     make(chan struct{}),
	}
}

func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start is a no-op; Twilio has no live client to poll.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.messages)
	}()
	return nil
}

// SendReply delivers one reply via the Twilio API.
func (s *TwilioService) SendReply(ctx context.Context, to string, reply *models.Reply) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendReply validation error", "error", err, "to", to)
		return err
	}
	body, err := renderReplyText(reply)
	if err != nil {
		slog.Error("TwilioService SendReply render error", "error", err, "to", canonical)
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		return err
	}
	slog.Info("TwilioService reply sent", "to", canonical, "type", reply.Type)
	return nil
}

// Messages returns the inbound message channel, fed by the webhook handler.
func (s *TwilioService) Messages() <-chan models.Message {
	return s.messages
}

// WebhookHandler handles inbound Twilio webhook requests, converting them
// into inbound messages for the router.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from_set", from != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	msg := models.Message{
		ID:          uuid.NewString(),
		From:        from,
		Text:        body,
		ContentType: models.ContentTypeText,
		Account:     s.account,
		Direction:   models.DirectionIncoming,
		Time:        time.Now(),
	}
	s.emit(msg)

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// emit pushes a message onto the inbound channel without blocking forever.
func (s *TwilioService) emit(msg models.Message) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService dropping inbound message (service stopped)", "from", msg.From)
		return
	}

	select {
	case s.messages <- msg:
		slog.Debug("TwilioService emitted inbound message", "from", msg.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService messages channel blocked, dropping message", "from", msg.From)
	}
}
