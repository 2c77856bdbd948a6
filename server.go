package svinit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/axondata/go-svinit/internal/codec"
)

const (
	// serverReadTimeout is how long the server waits for a request after
	// a client connects
	serverReadTimeout = 30 * time.Second
	// serverWriteTimeout bounds writing the response
	serverWriteTimeout = 10 * time.Second
	// maxRequestSize caps a single encoded request
	maxRequestSize = 1 << 20
)

// HandlerFunc processes one control request. The returned value is encoded
// into the response data even when err is non-nil.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Server serves the control protocol on a Unix socket. Each connection
// carries exactly one request and one response.
type Server struct {
	socketPath string
	handlers   map[string]HandlerFunc
	logger     *zap.Logger
	metrics    *Metrics

	active sync.WaitGroup
}

// NewServer returns a server that will listen on socketPath
func NewServer(socketPath string, logger *zap.Logger, metrics *Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		socketPath: socketPath,
		handlers:   make(map[string]HandlerFunc),
		logger:     logger,
		metrics:    metrics,
	}
}

// Handle registers h for action. Registering an action twice panics.
func (s *Server) Handle(action string, h HandlerFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("svinit.Server: duplicate handler for action %q", action))
	}
	s.handlers[action] = h
}

// Serve accepts connections until ctx is cancelled, then waits for in-flight
// requests. A stale socket file is replaced and the socket is removed on
// return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), DirMode); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = listener.Close()
	})
	defer stop()

	s.logger.Info("control socket listening", zap.String("path", s.socketPath))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", zap.Error(err))
			continue
		}

		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.active.Wait()
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(serverReadTimeout))

	var req Request
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.write(conn, nil, &RequestError{Message: err.Error()})
		return
	}
	// Responses to long operations can take a while; only the write is bounded
	_ = conn.SetReadDeadline(time.Time{})

	if req.Action == "" {
		s.write(conn, nil, &RequestError{Message: "missing action"})
		return
	}
	handler, exists := s.handlers[req.Action]
	if !exists {
		s.write(conn, nil, &RequestError{Action: req.Action, Message: "unknown action"})
		return
	}

	result, err := handler(ctx, &req)
	s.metrics.observeRequest(req.Action, err)
	if err != nil {
		s.logger.Debug("request failed",
			zap.String("action", req.Action),
			zap.String("service", req.Service),
			zap.Error(err))
	}
	s.write(conn, result, err)
}

func (s *Server) write(conn net.Conn, result any, err error) {
	_ = conn.SetWriteDeadline(time.Now().Add(serverWriteTimeout))

	resp := Response{OK: err == nil, Error: toWireError(err)}
	if result != nil {
		data, mErr := codec.Marshal(result)
		if mErr != nil {
			resp = Response{Error: toWireError(fmt.Errorf("marshaling response: %w", mErr))}
		} else {
			resp.Data = data
		}
	}
	if wErr := codec.NewEncoder(conn).Encode(resp); wErr != nil {
		s.logger.Debug("writing response", zap.Error(wErr))
	}
}
