package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ongoingai/agentconsole/internal/auth"
	"github.com/ongoingai/agentconsole/internal/backend"
)

var (
	// ErrAborted means the caller cancelled a send. It is never shown to users.
	ErrAborted      = errors.New("chat send aborted")
	ErrEmptyMessage = errors.New("message is empty")
	ErrBusy         = errors.New("a reply is already in progress")
)

// Message is one exchange: the user's text and, once it arrives, the answer.
type Message struct {
	ID        uuid.UUID `json:"id"`
	Message   string    `json:"message"`
	Answer    *string   `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
}

func (m Message) Answered() bool {
	return m.Answer != nil
}

// Backend is the subset of the backend client a conversation needs.
type Backend interface {
	SendMessage(ctx context.Context, creds auth.Credentials, request backend.ChatRequest) (*backend.ChatReply, error)
	StreamMessage(ctx context.Context, creds auth.Credentials, request backend.ChatRequest, onDelta func(string)) (*backend.ChatReply, error)
}

type Options struct {
	// OnDelta receives streamed answer fragments as they arrive.
	OnDelta func(messageID uuid.UUID, delta string)
}

// Conversation holds the exchanges of one chat session. One send may be in
// flight at a time.
type Conversation struct {
	client  Backend
	creds   auth.Credentials
	options Options
	now     func() time.Time

	mu             sync.Mutex
	messages       []Message
	conversationID string
	pending        bool
}

func NewConversation(client Backend, creds auth.Credentials, options Options) *Conversation {
	return &Conversation{
		client:  client,
		creds:   creds,
		options: options,
		now:     time.Now,
	}
}

// ID returns the backend conversation id learned from the first reply.
func (c *Conversation) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Send appends a message, waits for the reply and fills in its answer. With
// stream set the reply is read incrementally and fragments go to OnDelta.
// Cancelling ctx removes the unanswered message and returns ErrAborted.
// Other failures keep the message so it can be retried or shown.
func (c *Conversation) Send(ctx context.Context, text string, stream bool) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}

	c.mu.Lock()
	if c.pending {
		c.mu.Unlock()
		return Message{}, ErrBusy
	}
	msg := Message{ID: uuid.New(), Message: text, CreatedAt: c.now().UTC()}
	c.messages = append(c.messages, msg)
	c.pending = true
	request := backend.ChatRequest{Message: text, ConversationID: c.conversationID}
	c.mu.Unlock()

	reply, err := c.exchange(ctx, msg.ID, request, stream)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = false
	if err != nil {
		if backend.IsAbort(err) || ctx.Err() != nil {
			c.removeLocked(msg.ID)
			return Message{}, fmt.Errorf("%w: %v", ErrAborted, err)
		}
		return msg, err
	}

	if reply.ConversationID != "" {
		c.conversationID = reply.ConversationID
	}
	answer := reply.Answer
	for i := range c.messages {
		if c.messages[i].ID == msg.ID {
			c.messages[i].Answer = &answer
			msg = c.messages[i]
			break
		}
	}
	return msg, nil
}

func (c *Conversation) exchange(ctx context.Context, id uuid.UUID, request backend.ChatRequest, stream bool) (*backend.ChatReply, error) {
	if !stream {
		return c.client.SendMessage(ctx, c.creds, request)
	}
	return c.client.StreamMessage(ctx, c.creds, request, func(delta string) {
		if c.options.OnDelta != nil {
			c.options.OnDelta(id, delta)
		}
	})
}

func (c *Conversation) removeLocked(id uuid.UUID) {
	for i := range c.messages {
		if c.messages[i].ID == id && c.messages[i].Answer == nil {
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			return
		}
	}
}

// Reset drops every message and forgets the backend conversation id.
func (c *Conversation) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
	c.conversationID = ""
}

// Messages returns a copy of the exchanges in send order.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	for i, msg := range c.messages {
		out[i] = msg
		if msg.Answer != nil {
			answer := *msg.Answer
			out[i].Answer = &answer
		}
	}
	return out
}
