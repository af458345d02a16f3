package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ongoingai/agentconsole/internal/auth"
)

var ErrEmptyID = errors.New("id is required")

type ConversationSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ConversationMessage struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Answer    *string   `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
}

type Conversation struct {
	ConversationSummary
	Messages []ConversationMessage `json:"messages"`
}

type ListOptions struct {
	Archived bool
	Limit    int
	Offset   int
}

func (o ListOptions) query() string {
	values := url.Values{}
	if o.Archived {
		values.Set("archived", "true")
	}
	if o.Limit > 0 {
		values.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		values.Set("offset", strconv.Itoa(o.Offset))
	}
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
}

type ConversationPage struct {
	Items []ConversationSummary `json:"items"`
	Total int                   `json:"total"`
}

func (c *Client) ListConversations(ctx context.Context, creds auth.Credentials, options ListOptions) (*ConversationPage, error) {
	var page ConversationPage
	if err := c.do(ctx, creds, http.MethodGet, PathConversations+options.query(), nil, &page); err != nil {
		return nil, err
	}
	if page.Items == nil {
		page.Items = []ConversationSummary{}
	}
	return &page, nil
}

func (c *Client) GetConversation(ctx context.Context, creds auth.Credentials, id string) (*Conversation, error) {
	path, err := conversationPath(id, "")
	if err != nil {
		return nil, err
	}
	var conversation Conversation
	if err := c.do(ctx, creds, http.MethodGet, path, nil, &conversation); err != nil {
		return nil, err
	}
	return &conversation, nil
}

func (c *Client) ArchiveConversation(ctx context.Context, creds auth.Credentials, id string) error {
	path, err := conversationPath(id, "archive")
	if err != nil {
		return err
	}
	return c.do(ctx, creds, http.MethodPost, path, nil, nil)
}

func (c *Client) RestoreConversation(ctx context.Context, creds auth.Credentials, id string) error {
	path, err := conversationPath(id, "restore")
	if err != nil {
		return err
	}
	return c.do(ctx, creds, http.MethodPost, path, nil, nil)
}

// DeleteConversation soft-deletes a conversation on the backend.
func (c *Client) DeleteConversation(ctx context.Context, creds auth.Credentials, id string) error {
	path, err := conversationPath(id, "")
	if err != nil {
		return err
	}
	return c.do(ctx, creds, http.MethodDelete, path, nil, nil)
}

// Settings are opaque to the console and passed through as JSON.
type Settings map[string]any

func (c *Client) GetSettings(ctx context.Context, creds auth.Credentials) (Settings, error) {
	settings := Settings{}
	if err := c.do(ctx, creds, http.MethodGet, PathSettings, nil, &settings); err != nil {
		return nil, err
	}
	return settings, nil
}

func (c *Client) UpdateSettings(ctx context.Context, creds auth.Credentials, settings Settings) (Settings, error) {
	updated := Settings{}
	if err := c.do(ctx, creds, http.MethodPut, PathSettings, settings, &updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// QueryTelemetry forwards a raw telemetry query and returns the raw result.
func (c *Client) QueryTelemetry(ctx context.Context, creds auth.Credentials, query json.RawMessage) (json.RawMessage, error) {
	if len(query) == 0 {
		query = json.RawMessage("{}")
	}
	var result json.RawMessage
	if err := c.do(ctx, creds, http.MethodPost, PathTelemetry, query, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func conversationPath(id, action string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrEmptyID
	}
	path := PathConversations + "/" + url.PathEscape(id)
	if action != "" {
		path += "/" + action
	}
	return path, nil
}
