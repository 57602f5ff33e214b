package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"agentmesh/pkg/logx"
)

// Dispatcher is what the inbound server delegates each method to; the agent
// runtime implements it.
type Dispatcher interface {
	ReceiveMessage(ctx context.Context, from, message, correlationID string) (string, error)
	ChatWithUser(ctx context.Context, message, correlationID string) (string, error)
	Status(ctx context.Context) StatusResult
}

// InboundServer is the HTTP server bound to an agent's peer port, exposing
// the JSON-RPC-shaped peer operations at the configured path (default
// /mcp).
type InboundServer struct {
	dispatcher Dispatcher
	logger     *logx.Logger
	path       string
	server     *http.Server
	listener   net.Listener

	mu    sync.Mutex
	locks map[string]*sync.Mutex // correlation id -> serialization lock
}

// NewInboundServer creates an inbound server that will listen on addr
// (e.g. ":9001") and serve path (default "/mcp" if empty).
func NewInboundServer(addr, path string, dispatcher Dispatcher, logger *logx.Logger) *InboundServer {
	if path == "" {
		path = "/mcp"
	}
	s := &InboundServer{
		dispatcher: dispatcher,
		logger:     logger,
		path:       path,
		locks:      make(map[string]*sync.Mutex),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, s.handle)
	s.server = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Listen binds the peer port. Callers (pkg/runtime) call Listen before
// reporting ready over the control socket, then Serve in a goroutine; the
// split guarantees the inbound server is listening before health ever
// reports ready.
func (s *InboundServer) Listen() error {
	l, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("peer: listen %s: %w", s.server.Addr, err)
	}
	s.listener = l
	return nil
}

// Addr returns the bound listener address; valid only after Listen. Useful
// when the configured port is 0 and the OS picked one.
func (s *InboundServer) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Serve blocks accepting connections on the already-bound listener until
// the server is shut down.
func (s *InboundServer) Serve() error {
	err := s.server.Serve(s.listener)
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("peer: serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting new connections and waits up to the given
// deadline for in-flight requests to complete, honoring the shutdown
// cancellation semantics.
func (s *InboundServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *InboundServer) lockFor(correlationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[correlationID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[correlationID] = l
	}
	return l
}

func (s *InboundServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, Response{Error: &RPCError{Message: "malformed request"}})
		return
	}

	resp := s.dispatch(r.Context(), req)
	writeJSON(w, resp)
}

func (s *InboundServer) dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case MethodReceiveMessage:
		var params ReceiveMessageParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, "malformed params")
		}
		lock := s.lockFor(params.CorrelationID)
		lock.Lock()
		defer lock.Unlock()

		text, err := s.dispatcher.ReceiveMessage(ctx, params.From, params.Message, params.CorrelationID)
		if err != nil {
			return errorResponse(req.ID, err.Error())
		}
		return resultResponse(req.ID, text)

	case MethodChatWithUser:
		var params ChatWithUserParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, "malformed params")
		}
		lock := s.lockFor(params.CorrelationID)
		lock.Lock()
		defer lock.Unlock()

		text, err := s.dispatcher.ChatWithUser(ctx, params.Message, params.CorrelationID)
		if err != nil {
			return errorResponse(req.ID, err.Error())
		}
		return resultResponse(req.ID, text)

	case MethodStatus:
		status := s.dispatcher.Status(ctx)
		data, _ := json.Marshal(status)
		return Response{Result: data, ID: req.ID}

	default:
		return errorResponse(req.ID, "unknown_method")
	}
}

func resultResponse(id, text string) Response {
	data, _ := json.Marshal(text)
	return Response{Result: data, ID: id}
}

func errorResponse(id, message string) Response {
	return Response{Error: &RPCError{Message: message}, ID: id}
}

func writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
