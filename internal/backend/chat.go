package backend

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ongoingai/agentconsole/internal/auth"
	"github.com/ongoingai/agentconsole/internal/sse"
)

type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type ChatReply struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id,omitempty"`
	TraceID        string `json:"trace_id,omitempty"`
}

func (c *Client) SendMessage(ctx context.Context, creds auth.Credentials, request ChatRequest) (*ChatReply, error) {
	var reply ChatReply
	if err := c.do(ctx, creds, http.MethodPost, PathChat, request, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// StreamMessage sends request to the streaming endpoint and decodes the data
// lines as they arrive, calling onDelta for each payload. On cancellation the
// returned reply holds the partial answer alongside the context error.
func (c *Client) StreamMessage(ctx context.Context, creds auth.Credentials, request ChatRequest, onDelta func(string)) (*ChatReply, error) {
	if !creds.Valid() {
		return nil, auth.ErrMissingCredentials
	}
	req, err := c.newRequest(ctx, creds.Token, request)
	if err != nil {
		return nil, err
	}
	resp, err := req.
		SetHeader("Accept", "text/event-stream").
		SetDoNotParseResponse(true).
		Post(PathChatStream)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("POST %s: %w", PathChatStream, ctxErr)
		}
		return nil, fmt.Errorf("POST %s: %w", PathChatStream, err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.IsError() {
		return nil, &StatusError{StatusCode: resp.StatusCode(), Body: readErrorBody(body)}
	}

	answer, err := sse.ReadAll(ctx, body, onDelta)
	reply := &ChatReply{
		Answer:         answer,
		ConversationID: firstNonEmpty(resp.Header().Get(ConversationIDHeader), request.ConversationID),
		TraceID:        strings.TrimSpace(resp.Header().Get("X-Trace-ID")),
	}
	if err != nil {
		return reply, fmt.Errorf("read %s: %w", PathChatStream, err)
	}
	return reply, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value != "" {
			return value
		}
	}
	return ""
}
