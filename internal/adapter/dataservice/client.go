// Package dataservice implements dataservice.Backend over the domain data
// services' HTTP contract.
package dataservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	qgotel "github.com/Strob0t/querygate/internal/adapter/otel"
	"github.com/Strob0t/querygate/internal/domain/action"
	"github.com/Strob0t/querygate/internal/domain/authz"
	"github.com/Strob0t/querygate/internal/domain/backend"
)

// AuthContextHeader carries the serialized authz.Context the service uses
// for row-level policies.
const AuthContextHeader = "X-Auth-Context"

// maxBody bounds a single response.
const maxBody = 8 << 20

// Client talks to one data service.
type Client struct {
	id         string
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the service at baseURL. Deadlines come from
// the caller's context; the client sets none of its own.
func NewClient(id, baseURL, token string) *Client {
	return &Client{
		id:         id,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: qgotel.InstrumentClient(&http.Client{}),
	}
}

func (c *Client) ID() string { return c.id }

// Query posts q to {base}/query. It asks for one row more than q.Limit;
// when that extra row comes back the result is trimmed to q.Limit and
// flagged truncated.
func (c *Client) Query(ctx context.Context, ac authz.Context, q backend.Query) (backend.Result, error) {
	wire := q
	if q.Limit > 0 {
		wire.Limit = q.Limit + 1
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return backend.Result{}, fmt.Errorf("marshal query: %w", err)
	}
	res, err := c.post(ctx, ac, c.baseURL+"/query", body)
	if err != nil {
		return backend.Result{}, fmt.Errorf("%s query: %w", c.id, err)
	}
	if q.Limit > 0 && len(res.Data) > q.Limit {
		warning := res.Metadata.Warning
		res = backend.ApplyLimit(res.Data, q.Limit)
		if warning != "" {
			res.Metadata.Warning = warning
		}
	}
	return res, nil
}

// Execute posts the tool call's params to {base}/actions/{tool}.
func (c *Client) Execute(ctx context.Context, ac authz.Context, call action.ToolCall) (backend.Result, error) {
	params := call.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	res, err := c.post(ctx, ac, c.baseURL+"/actions/"+url.PathEscape(call.Tool), params)
	if err != nil {
		return backend.Result{}, fmt.Errorf("%s %s: %w", c.id, call.Tool, err)
	}
	return res, nil
}

func (c *Client) post(ctx context.Context, ac authz.Context, reqURL string, body []byte) (backend.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return backend.Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(AuthContextHeader, ac.Header())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return backend.Result{}, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return backend.Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return backend.Result{}, fmt.Errorf("data service %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var res backend.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return backend.Result{}, fmt.Errorf("parse response: %w", err)
	}
	return res, nil
}
