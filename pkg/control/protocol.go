// Package control implements the per-agent local control socket: a
// newline-delimited JSON request/reply protocol plus a long-lived event
// stream.
//
// The codec is deliberately simple: marshal one JSON object, append '\n',
// write; read one line, unmarshal.
package control

import "encoding/json"

// Request is the envelope every control-socket request arrives in.
// Unrecognized fields are ignored and a "_meta" field is permitted.
type Request struct {
	Cmd           string          `json:"cmd"`
	Peer          string          `json:"peer,omitempty"`
	Endpoint      string          `json:"endpoint,omitempty"`
	Format        string          `json:"format,omitempty"`
	SinceSeq      *int64          `json:"since_seq,omitempty"`
	Message       string          `json:"message,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Meta          json.RawMessage `json:"_meta,omitempty"`
}

// Response is the envelope every control-socket response arrives in. The
// peers payload is command-shaped: health carries a plain array of peer
// names, list_connections carries the name -> endpoint object. Decode it
// with PeerNames or Connections accordingly.
type Response struct {
	Status   string          `json:"status,omitempty"`
	Error    string          `json:"error,omitempty"`
	PeerPort int             `json:"peer_port,omitempty"`
	Peers    json.RawMessage `json:"peers,omitempty"`
	UptimeS  float64         `json:"uptime_s,omitempty"`
	Response string          `json:"response,omitempty"`
	Metrics  json.RawMessage `json:"metrics,omitempty"`
}

// PeerNames decodes the peers payload of a health response.
func (r *Response) PeerNames() ([]string, error) {
	if len(r.Peers) == 0 {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal(r.Peers, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// Connections decodes the peers payload of a list_connections response.
func (r *Response) Connections() (map[string]string, error) {
	if len(r.Peers) == 0 {
		return nil, nil
	}
	var peers map[string]string
	if err := json.Unmarshal(r.Peers, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

// Command names, the exhaustive set the server dispatches on.
const (
	CmdHealth          = "health"
	CmdConnect         = "connect"
	CmdDisconnect      = "disconnect"
	CmdListConnections = "list_connections"
	CmdMetrics         = "metrics"
	CmdSubscribeEvents = "subscribe_events"
	CmdChat            = "chat"
	CmdShutdown        = "shutdown"
)

// Health status values reported by the `health` command.
const (
	HealthReady    = "ready"
	HealthStarting = "starting"
)
