package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
	"github.com/Mindburn-Labs/agentwallet/pkg/observability"
	"github.com/Mindburn-Labs/agentwallet/pkg/util/resiliency"
)

// HTTPClient speaks the execution network's JSON protocol. Requests are
// sent once; a failed handshake starts over with a fresh challenge.
type HTTPClient struct {
	baseURL string
	client  *resiliency.Client
}

var _ Network = (*HTTPClient)(nil)

// NewHTTPClient targets baseURL. client may be nil.
func NewHTTPClient(baseURL string, client *resiliency.Client) *HTTPClient {
	if client == nil {
		client = resiliency.NewClient(nil, resiliency.NewCircuitBreaker("execution-network", 5, 30*time.Second))
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (c *HTTPClient) post(ctx context.Context, op, path, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("network: encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("network: build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errs.Remote(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errs.Remote(op, fmt.Errorf("read %s: %w", path, err))
	}
	if resp.StatusCode >= 300 {
		p := &Problem{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode), Detail: strings.TrimSpace(string(data))}
		_ = json.Unmarshal(data, p)
		return errs.Remote(op, p).WithDetail("status", strconv.Itoa(resp.StatusCode))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errs.Remote(op, fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}

// handshake fetches a challenge, has sign answer it and redeems the answer.
func (c *HTTPClient) handshake(ctx context.Context, op, path string, req any, sign SignCallback, out any) error {
	var challenge Challenge
	if err := c.post(ctx, op, path+"/challenge", "", req, &challenge); err != nil {
		return err
	}
	sig, err := sign(ctx, challenge)
	if err != nil {
		return errs.E(errs.KindRemoteProtocol, op, "signing callback failed", err)
	}
	return c.post(ctx, op, path, "", answer{ChallengeID: challenge.ID, Signature: sig}, out)
}

func (c *HTTPClient) CreateCapacityDelegation(ctx context.Context, req DelegationRequest, sign SignCallback) (d *CapacityDelegation, err error) {
	const op = "network.capacity_delegation"
	ctx, done := observability.Track(ctx, op, attribute.String("credit", req.CreditID))
	defer func() { done(err) }()

	d = &CapacityDelegation{}
	if err := c.handshake(ctx, op, "/v1/capacity-delegations", req, sign, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (c *HTTPClient) GetSessionCredential(ctx context.Context, req SessionRequest, sign SignCallback) (cred *SessionCredential, err error) {
	const op = "network.session"
	ctx, done := observability.Track(ctx, op, attribute.String("address", req.Address.Hex()))
	defer func() { done(err) }()

	cred = &SessionCredential{}
	if err := c.handshake(ctx, op, "/v1/sessions", req, sign, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

func (c *HTTPClient) ExecuteTool(ctx context.Context, cred *SessionCredential, req ExecuteRequest) (res *ExecuteResult, err error) {
	const op = "network.execute"
	ctx, done := observability.Track(ctx, op, attribute.String("tool", req.ToolCID))
	defer func() { done(err) }()

	if cred == nil || cred.Token == "" {
		return nil, errs.Validation(op, "session credential required")
	}
	res = &ExecuteResult{}
	if err := c.post(ctx, op, "/v1/execute", cred.Token, req, res); err != nil {
		return nil, err
	}
	return res, nil
}
