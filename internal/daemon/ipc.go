package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"tabasco/internal/command"
	"tabasco/internal/logging"
	"tabasco/internal/middleware"
)

// readTimeout bounds how long a client may take to send its request.
const readTimeout = 10 * time.Second

// Server answers one JSON request per connection on a unix socket.
type Server struct {
	path     string
	handler  middleware.Handler
	logger   *logging.Logger
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(path string, handler middleware.Handler, logger *logging.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		path:    path,
		handler: handler,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start listens on the socket, replacing a stale one.
func (s *Server) Start() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("creating socket: %w", err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("restricting socket: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.accept()
	return nil
}

// Stop closes the socket and waits for requests in progress.
func (s *Server) Stop() {
	if s.listener == nil {
		return
	}
	s.listener.Close()
	s.wg.Wait()
	s.cancel()
	os.Remove(s.path)
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("accepting connection", zap.Error(err))
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	var req command.Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.logger.Debug("reading request", zap.Error(err))
		return
	}
	conn.SetReadDeadline(time.Time{})

	resp := s.serve(&req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Debug("writing response", zap.Error(err))
	}
}

func (s *Server) serve(req *command.Request) *command.Response {
	cmd, err := command.Decode(req)
	if err != nil {
		return command.Fail(err)
	}

	ctx := s.ctx
	if req.RequestID != "" {
		ctx = logging.ContextWithRequestID(ctx, req.RequestID)
	}

	result, err := s.handler(ctx, cmd)
	if err != nil {
		return command.Fail(err)
	}
	resp, err := command.OK(result)
	if err != nil {
		return command.Fail(err)
	}
	return resp
}
