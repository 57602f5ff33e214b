package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"agentmesh/pkg/eventbus"
	"agentmesh/pkg/logx"
)

// Handler is what the control server delegates every command to; the agent
// runtime implements it. Keeping this as a narrow interface (rather than
// importing pkg/runtime directly) avoids a control<->runtime import cycle,
// since pkg/runtime itself imports pkg/control.
type Handler interface {
	Health(ctx context.Context) (ready bool, peerPort int, peers []string, uptimeSeconds float64)
	Connect(ctx context.Context, peer, endpoint string) error
	Disconnect(ctx context.Context, peer string) error
	ListConnections(ctx context.Context) map[string]string
	MetricsJSON(ctx context.Context) (json.RawMessage, error)
	MetricsPrometheus(ctx context.Context) ([]byte, error)
	Subscribe(ctx context.Context, sinceSeq int64) (<-chan eventbus.Event, func())
	Chat(ctx context.Context, message, correlationID string, onEvent func(eventbus.Event)) (string, error)
	Shutdown(ctx context.Context)
}

// Server is the per-agent control-socket listener. One accepted connection
// serves one request/response pair, except subscribe_events, which streams
// until the client disconnects, and chat, which streams the turn's events
// before its final response.
type Server struct {
	socketPath string
	handler    Handler
	logger     *logx.Logger
	listener   net.Listener
}

// NewServer creates a control server bound to socketPath, which must not yet
// exist (callers are expected to have probed and removed any stale socket
// file first; see ClaimSocket).
func NewServer(socketPath string, handler Handler, logger *logx.Logger) *Server {
	return &Server{socketPath: socketPath, handler: handler, logger: logger}
}

// Listen binds the Unix-domain socket with owner-only permissions.
func (s *Server) Listen() error {
	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		l.Close()
		return fmt.Errorf("control: chmod %s: %w", s.socketPath, err)
	}
	s.listener = l
	return nil
}

// Serve accepts connections until ctx is canceled or the listener is
// closed. Each connection is handled in its own goroutine so subscribe_events
// never blocks other commands.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("control: accept: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting and removes the socket file.
func (s *Server) Close() error {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return os.Remove(s.socketPath)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	defer writer.Flush()

	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeResponse(writer, Response{Status: "error", Error: "malformed_json"})
		return
	}

	s.dispatch(ctx, &req, writer)
}

func (s *Server) dispatch(ctx context.Context, req *Request, writer *bufio.Writer) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("control handler panic for cmd %q: %v", req.Cmd, rec)
			s.writeResponse(writer, Response{Status: "error", Error: "internal_error"})
		}
	}()

	switch req.Cmd {
	case CmdHealth:
		ready, peerPort, peers, uptime := s.handler.Health(ctx)
		status := HealthStarting
		if ready {
			status = HealthReady
		}
		if peers == nil {
			peers = []string{}
		}
		names, err := json.Marshal(peers)
		if err != nil {
			s.writeResponse(writer, Response{Status: "error", Error: "internal_error"})
			return
		}
		s.writeResponse(writer, Response{Status: status, PeerPort: peerPort, Peers: names, UptimeS: uptime})

	case CmdConnect:
		if err := s.handler.Connect(ctx, req.Peer, req.Endpoint); err != nil {
			s.writeResponse(writer, Response{Status: "error", Error: err.Error()})
			return
		}
		s.writeResponse(writer, Response{Status: "connected"})

	case CmdDisconnect:
		if err := s.handler.Disconnect(ctx, req.Peer); err != nil {
			s.writeResponse(writer, Response{Status: "error", Error: err.Error()})
			return
		}
		s.writeResponse(writer, Response{Status: "disconnected"})

	case CmdListConnections:
		peers := s.handler.ListConnections(ctx)
		if peers == nil {
			peers = map[string]string{}
		}
		data, err := json.Marshal(peers)
		if err != nil {
			s.writeResponse(writer, Response{Status: "error", Error: "internal_error"})
			return
		}
		s.writeResponse(writer, Response{Status: "ok", Peers: data})

	case CmdMetrics:
		if req.Format == "prometheus" {
			data, err := s.handler.MetricsPrometheus(ctx)
			if err != nil {
				s.writeResponse(writer, Response{Status: "error", Error: err.Error()})
				return
			}
			s.writeResponse(writer, Response{Status: "ok", Metrics: json.RawMessage(strconvQuote(string(data)))})
			return
		}
		data, err := s.handler.MetricsJSON(ctx)
		if err != nil {
			s.writeResponse(writer, Response{Status: "error", Error: err.Error()})
			return
		}
		s.writeResponse(writer, Response{Status: "ok", Metrics: data})

	case CmdSubscribeEvents:
		since := int64(-1)
		if req.SinceSeq != nil {
			since = *req.SinceSeq
		}
		ch, cancel := s.handler.Subscribe(ctx, since)
		defer cancel()
		for ev := range ch {
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			data = append(data, '\n')
			if _, err := writer.Write(data); err != nil {
				return
			}
			if err := writer.Flush(); err != nil {
				return
			}
		}

	case CmdChat:
		resp, err := s.handler.Chat(ctx, req.Message, req.CorrelationID, func(ev eventbus.Event) {
			data, merr := json.Marshal(ev)
			if merr != nil {
				return
			}
			data = append(data, '\n')
			_, _ = writer.Write(data)
			_ = writer.Flush()
		})
		if err != nil {
			s.writeResponse(writer, Response{Status: "error", Error: err.Error()})
			return
		}
		s.writeResponse(writer, Response{Status: "ok", Response: resp})

	case CmdShutdown:
		s.writeResponse(writer, Response{Status: "shutting_down"})
		s.handler.Shutdown(ctx)

	default:
		s.writeResponse(writer, Response{Status: "error", Error: "unknown_command"})
	}
}

func (s *Server) writeResponse(w *bufio.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = w.Write(data)
	_ = w.Flush()
}

// strconvQuote wraps raw prometheus exposition text as a JSON string value
// so it fits Response.Metrics' json.RawMessage field uniformly with the
// json-format path.
func strconvQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
