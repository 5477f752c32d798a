package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
	"github.com/Mindburn-Labs/agentwallet/pkg/util/resiliency"
)

// DefaultBaseURL is the OpenAI API root.
const DefaultBaseURL = "https://api.openai.com/v1"

const maxReplyBytes = 4 << 20

// OpenAI completes requests against an OpenAI-compatible endpoint.
type OpenAI struct {
	key      string
	model    string
	endpoint string
	http     *resiliency.Client
}

// NewOpenAI talks to baseURL (DefaultBaseURL when empty).
func NewOpenAI(key, model, baseURL string) *OpenAI {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &OpenAI{
		key:      key,
		model:    model,
		endpoint: strings.TrimRight(baseURL, "/") + "/chat/completions",
		http: resiliency.NewClient(&http.Client{Timeout: 60 * time.Second},
			resiliency.NewCircuitBreaker("openai", 3, time.Minute)),
	}
}

var _ Completer = (*OpenAI)(nil)

type completionBody struct {
	Model       string         `json:"model"`
	Messages    []Turn         `json:"messages"`
	Temperature float64        `json:"temperature"`
	Seed        int64          `json:"seed,omitempty"`
	Format      map[string]any `json:"response_format,omitempty"`
}

type completionReply struct {
	Choices []struct {
		Message Turn `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *OpenAI) Complete(ctx context.Context, r Request) (string, error) {
	const op = "llm.complete"
	if c.key == "" {
		return "", errs.MissingCredential(op, "openaiApiKey")
	}

	body := completionBody{Model: c.model, Messages: r.Turns, Temperature: r.Temperature, Seed: r.Seed}
	if body.Messages == nil {
		body.Messages = []Turn{}
	}
	if r.JSONObject {
		body.Format = map[string]any{"type": "json_object"}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("llm: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errs.Remote(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return "", errs.Remote(op, fmt.Errorf("llm: read reply: %w", err))
	}
	var reply completionReply
	parseErr := json.Unmarshal(raw, &reply)

	switch {
	case resp.StatusCode != http.StatusOK:
		reason := http.StatusText(resp.StatusCode)
		if parseErr == nil && reply.Error != nil {
			reason = reply.Error.Message
		}
		return "", errs.Remote(op, fmt.Errorf("llm: status %d: %s", resp.StatusCode, reason))
	case parseErr != nil:
		return "", errs.Remote(op, fmt.Errorf("llm: decode reply: %w", parseErr))
	case len(reply.Choices) == 0:
		return "", errs.Remote(op, fmt.Errorf("llm: reply has no choices"))
	}
	return reply.Choices[0].Message.Text, nil
}
