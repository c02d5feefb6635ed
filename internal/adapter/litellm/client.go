// Package litellm streams chat completions from a LiteLLM proxy (OpenAI-compatible API).
package litellm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	qgotel "github.com/Strob0t/querygate/internal/adapter/otel"
	"github.com/Strob0t/querygate/internal/domain/action"
	"github.com/Strob0t/querygate/internal/port/llm"
	"github.com/Strob0t/querygate/internal/resilience"
)

const systemPrompt = "You answer questions about company data. Results from the data services " +
	"are shown to the user separately; call a tool only when the user asks for a change or lookup it covers."

// maxLine bounds a single SSE data line.
const maxLine = 1 << 20

// Client streams completions from the LiteLLM proxy.
type Client struct {
	baseURL    string
	masterKey  string
	model      string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a streaming client. No overall request timeout is set:
// gaps between tokens are unbounded and end only with the caller's context.
func NewClient(baseURL, masterKey, model string) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = 30 * time.Second
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		masterKey:  masterKey,
		model:      model,
		httpClient: qgotel.InstrumentClient(&http.Client{Transport: transport}),
	}
}

// SetBreaker attaches a circuit breaker guarding stream setup.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type toolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// emptyParameters is advertised for tools that take no arguments.
var emptyParameters = json.RawMessage(`{"type":"object","properties":{}}`)

type toolDef struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Tools    []toolDef     `json:"tools,omitempty"`
	Stream   bool          `json:"stream"`
	User     string        `json:"user,omitempty"`
}

type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chunkResponse struct {
	Choices []struct {
		Delta struct {
			Content   string          `json:"content"`
			ToolCalls []toolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) buildRequest(req llm.Request) chatRequest {
	cr := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: req.Query},
		},
		Stream: true,
		User:   req.UserID,
	}
	for _, t := range req.Tools {
		params := t.Parameters
		if len(params) == 0 {
			params = emptyParameters
		}
		cr.Tools = append(cr.Tools, toolDef{
			Type: "function",
			Function: toolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return cr
}

// Stream starts a completion. Setup failures (breaker open, connection
// errors, non-2xx) are returned directly; failures mid-stream arrive as a
// final Chunk with Err set.
func (c *Client) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	report := func(resilience.Result) {}
	if c.breaker != nil {
		done, err := c.breaker.Allow()
		if err != nil {
			return nil, fmt.Errorf("litellm: %w", err)
		}
		report = done
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		report(resilience.Ignored)
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.masterKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.masterKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			report(resilience.Ignored)
		} else {
			report(resilience.Failure)
		}
		return nil, fmt.Errorf("http request: %w", err)
	}

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			report(resilience.Failure)
		} else {
			report(resilience.Success)
		}
		return nil, fmt.Errorf("litellm API error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	report(resilience.Success)

	out := make(chan llm.Chunk)
	go read(ctx, resp.Body, out)
	return out, nil
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// read parses the SSE body into chunks. Tool call fragments are assembled
// by index and emitted whole when the choice finishes.
func read(ctx context.Context, body io.ReadCloser, out chan<- llm.Chunk) {
	defer close(out)
	defer func() { _ = body.Close() }()

	send := func(ch llm.Chunk) bool {
		select {
		case out <- ch:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		calls = make(map[int]*pendingCall)
		order []int
	)
	flush := func() bool {
		for _, idx := range order {
			pc := calls[idx]
			args := strings.TrimSpace(pc.args.String())
			if args == "" {
				args = "{}"
			}
			if !json.Valid([]byte(args)) {
				send(llm.Chunk{Err: fmt.Errorf("tool %s: malformed arguments", pc.name)})
				return false
			}
			call := &action.ToolCall{ID: pc.id, Tool: pc.name, Params: json.RawMessage(args)}
			if !send(llm.Chunk{ToolCall: call}) {
				return false
			}
		}
		clear(calls)
		order = order[:0]
		return true
	}

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			flush()
			return
		}

		var ev chunkResponse
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			send(llm.Chunk{Err: fmt.Errorf("decode stream chunk: %w", err)})
			return
		}
		if ev.Error != nil {
			send(llm.Chunk{Err: fmt.Errorf("litellm stream error: %s", ev.Error.Message)})
			return
		}

		for _, choice := range ev.Choices {
			if choice.Delta.Content != "" && !send(llm.Chunk{Text: choice.Delta.Content}) {
				return
			}
			for _, tc := range choice.Delta.ToolCalls {
				pc, ok := calls[tc.Index]
				if !ok {
					pc = &pendingCall{}
					calls[tc.Index] = pc
					order = append(order, tc.Index)
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.args.WriteString(tc.Function.Arguments)
			}
			if choice.FinishReason != "" && !flush() {
				return
			}
		}
	}

	if ctx.Err() != nil {
		return
	}
	err := sc.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	if errors.Is(err, bufio.ErrTooLong) {
		err = fmt.Errorf("stream line exceeds %d bytes: %w", maxLine, err)
	}
	send(llm.Chunk{Err: fmt.Errorf("stream ended before [DONE]: %w", err)})
}
