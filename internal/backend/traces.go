package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ongoingai/agentconsole/internal/auth"
	"github.com/ongoingai/agentconsole/internal/runtree"
)

// GetTrace fetches the run tree recorded for traceID.
func (c *Client) GetTrace(ctx context.Context, creds auth.Credentials, traceID string) ([]*runtree.Node, error) {
	return c.getTree(ctx, creds, PathTraces, traceID)
}

// GetRun fetches a single run and its descendants.
func (c *Client) GetRun(ctx context.Context, creds auth.Credentials, runID string) ([]*runtree.Node, error) {
	return c.getTree(ctx, creds, PathRuns, runID)
}

func (c *Client) getTree(ctx context.Context, creds auth.Credentials, base, id string) ([]*runtree.Node, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrEmptyID
	}
	var raw json.RawMessage
	if err := c.do(ctx, creds, http.MethodGet, base+"/"+url.PathEscape(id), nil, &raw); err != nil {
		return nil, err
	}
	nodes, err := runtree.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode run tree %s: %w", id, err)
	}
	return nodes, nil
}
