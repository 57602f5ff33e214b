package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentmesh/pkg/metrics"
)

// Default transport timeouts.
const (
	DefaultConnectTimeout = 2 * time.Second
	DefaultRequestTimeout = 60 * time.Second
)

// OutboundClient pools HTTP clients per endpoint and issues JSON-RPC calls
// against peer inbound servers.
type OutboundClient struct {
	agentID        string
	recorder       metrics.Recorder
	connectTimeout time.Duration
	requestTimeout time.Duration

	mu      sync.Mutex
	clients map[string]*http.Client // endpoint -> pooled client
}

// NewOutboundClient creates an outbound client. agentID labels metrics;
// recorder may be metrics.Nop().
func NewOutboundClient(agentID string, recorder metrics.Recorder) *OutboundClient {
	return &OutboundClient{
		agentID:        agentID,
		recorder:       recorder,
		connectTimeout: DefaultConnectTimeout,
		requestTimeout: DefaultRequestTimeout,
		clients:        make(map[string]*http.Client),
	}
}

func (c *OutboundClient) clientFor(endpoint string) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[endpoint]; ok {
		return cl
	}
	cl := &http.Client{
		Timeout: c.requestTimeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 4,
		},
	}
	c.clients[endpoint] = cl
	return cl
}

// ReceiveMessage calls receive_message on the peer at endpoint, returning
// its string reply. On transport failure it returns a structured error
// suitable for handing back to the model as a tool result.
func (c *OutboundClient) ReceiveMessage(ctx context.Context, peerName, endpoint, from, message, correlationID string) (string, error) {
	params, err := json.Marshal(ReceiveMessageParams{From: from, Message: message, CorrelationID: correlationID})
	if err != nil {
		return "", fmt.Errorf("peer: marshal params: %w", err)
	}

	start := time.Now()
	text, err := c.call(ctx, endpoint, MethodReceiveMessage, params)
	c.recorder.ObservePeerCall(c.agentID, peerName, err == nil, time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("peer: receive_message to %s: %w", peerName, err)
	}
	return text, nil
}

// Invoke issues an arbitrary JSON-RPC method against endpoint, returning the
// raw result. The runtime uses this for external tool endpoints declared in
// an agent descriptor, which are dispatched the same way as peer calls.
func (c *OutboundClient) Invoke(ctx context.Context, endpoint, method string, params any) (json.RawMessage, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("peer: marshal params: %w", err)
	}
	return c.callRaw(ctx, endpoint, method, data)
}

// Status calls status on the peer at endpoint.
func (c *OutboundClient) Status(ctx context.Context, endpoint string) (StatusResult, error) {
	raw, err := c.callRaw(ctx, endpoint, MethodStatus, nil)
	if err != nil {
		return StatusResult{}, err
	}
	var result StatusResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return StatusResult{}, fmt.Errorf("peer: unmarshal status: %w", err)
	}
	return result, nil
}

func (c *OutboundClient) call(ctx context.Context, endpoint, method string, params json.RawMessage) (string, error) {
	raw, err := c.callRaw(ctx, endpoint, method, params)
	if err != nil {
		return "", err
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", fmt.Errorf("peer: unmarshal result: %w", err)
	}
	return text, nil
}

func (c *OutboundClient) callRaw(ctx context.Context, endpoint, method string, params json.RawMessage) (json.RawMessage, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout+c.requestTimeout)
	defer cancel()

	reqBody := Request{Method: method, Params: params, ID: uuid.NewString()}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("peer: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(dialCtx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("peer: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.clientFor(endpoint).Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("peer: transport error: %w", err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("peer: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}
