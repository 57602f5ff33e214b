// Package peer implements the inbound/outbound halves of the peer-transport
// fabric agents use to call each other: an HTTP server exposing
// JSON-RPC-shaped operations and a pooled outbound client.
package peer

import "encoding/json"

// Request is the JSON-RPC-shaped request body POSTed to a peer's inbound
// endpoint: {method, params, id}.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     string          `json:"id"`
}

// Response is the reply: {result | error, id}.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
	ID     string          `json:"id"`
}

// RPCError carries a structured transport-layer error, honoring the
// Transport failure kind.
type RPCError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// Method names the inbound surface exposes.
const (
	MethodReceiveMessage = "receive_message"
	MethodChatWithUser   = "chat_with_user"
	MethodStatus         = "status"
)

// ReceiveMessageParams is the params payload for receive_message.
type ReceiveMessageParams struct {
	From          string `json:"from"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id"`
}

// ChatWithUserParams is the params payload for chat_with_user.
type ChatWithUserParams struct {
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id"`
}

// StatusResult is the result payload for status.
type StatusResult struct {
	Name   string   `json:"name"`
	Peers  []string `json:"peers"`
	Uptime float64  `json:"uptime"`
}
