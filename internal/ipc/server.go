package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/mcpscope/mcpscope/internal/eventbus"
)

const maxRequestLine = 1 << 20

// Server answers bridge control requests on a local Unix socket. Query
// methods go through dispatch; subscribe holds its connection and streams
// bus events until the peer goes away.
type Server struct {
	path     string
	provider StateProvider
	bus      *eventbus.Bus
	logger   *slog.Logger

	ln     net.Listener
	closed chan struct{}

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer creates an IPC server.
func NewServer(socketPath string, provider StateProvider, bus *eventbus.Bus, logger *slog.Logger) *Server {
	return &Server{
		path:     socketPath,
		provider: provider,
		bus:      bus,
		logger:   logger.With("component", "ipc-server"),
		closed:   make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Start claims the socket path and begins accepting. Non-blocking. A stale
// socket from a previous run is replaced; permissions restrict the socket
// to the owning user.
func (s *Server) Start() error {
	_ = os.Remove(s.path)

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	s.ln = ln
	_ = os.Chmod(s.path, 0600)

	go s.accept()
	s.logger.Info("control socket listening", "path", s.path)
	return nil
}

// Close stops accepting, drops every client, and removes the socket.
func (s *Server) Close() error {
	close(s.closed)

	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}

	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()

	_ = os.Remove(s.path)
	return err
}

func (s *Server) accept() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				s.logger.Warn("accept error", "error", err)
				continue
			}
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go s.serve(conn)
	}
}

// serve runs one client's request loop. Each line is one request; each
// request gets exactly one result or error line, except subscribe, which
// takes over the connection for event streaming.
func (s *Server) serve(conn net.Conn) {
	defer s.drop(conn)

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), maxRequestLine)

	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			s.replyError(conn, "", "invalid request")
			continue
		}

		if req.Method == "subscribe" {
			s.streamEvents(conn, req)
			continue
		}

		result, err := s.dispatch(req)
		if err != nil {
			s.replyError(conn, req.ID, err.Error())
			continue
		}
		s.replyResult(conn, req.ID, result)
	}
}

func (s *Server) drop(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

// dispatch routes one query method to the state provider.
func (s *Server) dispatch(req Request) (any, error) {
	switch req.Method {
	case "status":
		return s.provider.Status(), nil

	case "sessions":
		return SessionsResult{Sessions: s.provider.Sessions()}, nil

	case "terminate":
		var params TerminateParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, fmt.Errorf("bad terminate params: %w", err)
			}
		}
		if params.SessionID == "" {
			return nil, errors.New("session_id is required")
		}
		return TerminateResult{Terminated: s.provider.Terminate(params.SessionID)}, nil

	default:
		return nil, fmt.Errorf("unknown method: %s", req.Method)
	}
}

// streamEvents confirms the subscription, then forwards matching bus events
// until the write fails or the server closes.
func (s *Server) streamEvents(conn net.Conn, req Request) {
	var params SubscribeParams
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}

	ch := s.bus.Subscribe(params.Events...)
	defer s.bus.Unsubscribe(ch)

	s.replyResult(conn, req.ID, map[string]string{"status": "subscribed"})

	for {
		select {
		case <-s.closed:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			wire := Event{
				Type:      evt.Type,
				Timestamp: evt.Timestamp,
				SessionID: evt.SessionID,
				Data:      evt.Data,
			}
			if err := s.writeLine(conn, Response{Type: "event", Data: encode(wire)}); err != nil {
				return
			}
		}
	}
}

func (s *Server) replyResult(conn net.Conn, id string, v any) {
	_ = s.writeLine(conn, Response{ID: id, Type: "result", Data: encode(v)})
}

func (s *Server) replyError(conn net.Conn, id, msg string) {
	_ = s.writeLine(conn, Response{ID: id, Type: "error", Data: encode(map[string]string{"error": msg})})
}

func (s *Server) writeLine(conn net.Conn, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err = conn.Write(append(data, '\n')); err != nil {
		if !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("write error", "error", err)
		}
		return err
	}
	return nil
}

func encode(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
