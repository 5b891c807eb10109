package messaging

import (
	"context"
	"sync"

	"github.com/BTreeMap/ChatPipe/internal/models"
)

// SentReply records one delivery made through the mock service.
type SentReply struct {
	To    string
	Reply models.Reply
}

// MockService implements Service for tests, recording sent replies and
// exposing an injectable inbound channel.
type MockService struct {
	mu       sync.Mutex
	sent     []SentReply
	messages chan models.Message
	SendErr  error
}

// NewMockService creates a mock messaging service.
func NewMockService() *MockService {
	return &MockService{messages: make(chan models.Message, DefaultChannelBufferSize)}
}

func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

func (m *MockService) SendReply(_ context.Context, to string, reply *models.Reply) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentReply{To: to, Reply: *reply})
	return nil
}

func (m *MockService) Start(context.Context) error { return nil }

func (m *MockService) Stop() error {
	close(m.messages)
	return nil
}

func (m *MockService) Messages() <-chan models.Message {
	return m.messages
}

// Inject feeds one inbound message into the channel.
func (m *MockService) Inject(msg models.Message) {
	m.messages <- msg
}

// Sent returns a copy of the recorded deliveries.
func (m *MockService) Sent() []SentReply {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentReply, len(m.sent))
	copy(out, m.sent)
	return out
}
