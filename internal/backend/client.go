package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ongoingai/agentconsole/internal/auth"
	"github.com/ongoingai/agentconsole/internal/correlation"
	"github.com/ongoingai/agentconsole/internal/signing"
	"github.com/ongoingai/agentconsole/internal/version"
)

// Backend paths, relative to the configured base URL.
const (
	PathLogin         = "/auth/login"
	PathChat          = "/chat"
	PathChatStream    = "/chat/stream"
	PathConversations = "/conversations"
	PathSettings      = "/settings"
	PathTelemetry     = "/telemetry/query"
	PathTraces        = "/traces"
	PathRuns          = "/runs"

	// ConversationIDHeader carries the conversation id on streamed replies.
	ConversationIDHeader = "X-Conversation-ID"
)

type Options struct {
	BaseURL string
	Timeout time.Duration
	Signer  *signing.Signer
	// HTTPClient lets callers supply an instrumented transport.
	HTTPClient *http.Client
}

// Client talks to the assistant backend. Every authenticated call takes the
// caller's credentials explicitly.
type Client struct {
	http   *resty.Client
	signer *signing.Signer
}

func New(options Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(options.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("backend base url is required")
	}
	if options.Signer == nil {
		return nil, errors.New("backend signer is required")
	}

	var client *resty.Client
	if options.HTTPClient != nil {
		client = resty.NewWithClient(options.HTTPClient)
	} else {
		client = resty.New()
	}
	client.SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", version.UserAgent())
	if options.Timeout > 0 {
		client.SetTimeout(options.Timeout)
	}

	return &Client{http: client, signer: options.Signer}, nil
}

// newRequest builds a signed request. body is encoded once so the bytes that
// are signed are the bytes that are sent.
func (c *Client) newRequest(ctx context.Context, token string, body any) (*resty.Request, error) {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		payload = encoded
	}

	signature, err := c.signer.SignRequest(payload, token)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeader(c.signer.Header(), signature)
	if token != "" {
		req.SetHeader("Authorization", "Bearer "+token)
	}
	if id, ok := correlation.FromContext(ctx); ok {
		req.SetHeader(correlation.HeaderName, id)
	}
	if payload != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(payload)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, creds auth.Credentials, method, path string, body, result any) error {
	if !creds.Valid() {
		return auth.ErrMissingCredentials
	}
	return c.execute(ctx, creds.Token, method, path, body, result)
}

func (c *Client) execute(ctx context.Context, token, method, path string, body, result any) error {
	req, err := c.newRequest(ctx, token, body)
	if err != nil {
		return err
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s %s: %w", method, path, ctxErr)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return &StatusError{StatusCode: resp.StatusCode(), Body: strings.TrimSpace(resp.String())}
	}
	if result == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), result); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	Token       string `json:"token"`
}

// Login exchanges username and password for a backend token.
func (c *Client) Login(ctx context.Context, username, password string) (auth.Credentials, error) {
	var out loginResponse
	if err := c.execute(ctx, "", http.MethodPost, PathLogin, loginRequest{Username: username, Password: password}, &out); err != nil {
		return auth.Credentials{}, err
	}
	token := strings.TrimSpace(out.AccessToken)
	if token == "" {
		token = strings.TrimSpace(out.Token)
	}
	if token == "" {
		return auth.Credentials{}, errors.New("backend login response has no token")
	}
	return auth.Credentials{Token: token, Method: auth.MethodCredentials, Subject: username}, nil
}
