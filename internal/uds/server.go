package uds

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

type HandlerFunc func(req *Request) *Response

const (
	defaultConnTimeout = 30 * time.Second
	// defaultMaxConns bounds connections served at once; callers past it
	// get BACKPRESSURE instead of queueing inside the daemon.
	defaultMaxConns = 64
)

type Server struct {
	socketPath  string
	connTimeout time.Duration
	conns       *semaphore.Weighted
	logger      zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	listener net.Listener
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopping chan struct{}
}

func NewServer(socketPath string, logger zerolog.Logger) *Server {
	return &Server{
		socketPath:  socketPath,
		connTimeout: defaultConnTimeout,
		conns:       semaphore.NewWeighted(defaultMaxConns),
		logger:      logger.With().Str("component", "uds").Logger(),
		handlers:    make(map[string]HandlerFunc),
		stopping:    make(chan struct{}),
	}
}

// SetConnTimeout bounds the whole exchange on one connection. Call before Start.
func (s *Server) SetConnTimeout(d time.Duration) { s.connTimeout = d }

// SetMaxConns changes the concurrent connection limit. Call before Start.
func (s *Server) SetMaxConns(n int64) { s.conns = semaphore.NewWeighted(n) }

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	s.handlers[command] = handler
	s.mu.Unlock()
}

// Start listens on the socket, replacing a stale socket file left by a
// crashed daemon. The single-instance guarantee comes from the daemon lock,
// not from the socket.
func (s *Server) Start() error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = l.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = l

	s.wg.Add(1)
	go s.serve()
	return nil
}

// Stop closes the listener, waits for in-flight requests and removes the
// socket file. It is safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopping)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.wg.Wait()
		_ = os.Remove(s.socketPath)
	})
	return nil
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopping:
				return
			default:
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Debug().Err(err).Msg("read request failed")
		return
	}

	var resp *Response
	if s.conns.TryAcquire(1) {
		resp = s.dispatch(&req)
		s.conns.Release(1)
	} else {
		resp = ErrorResponse(ErrCodeBackpressure, "daemon is busy, retry shortly")
	}

	if err := WriteFrame(conn, resp); err != nil {
		s.logger.Debug().Err(err).Str("command", req.Command).Msg("write response failed")
	}
}

// dispatch runs the handler for req. A panicking handler answers
// INTERNAL_ERROR and leaves the server running.
func (s *Server) dispatch(req *Request) (resp *Response) {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Str("command", req.Command).Msg("handler panicked")
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("%s: internal error", req.Command))
		}
		ev := s.logger.Debug()
		if resp.Error != nil && resp.Error.Code == ErrCodeInternal {
			ev = s.logger.Error().Str("error", resp.Error.Message)
		}
		ev.Str("command", req.Command).Bool("success", resp.Success).Dur("took", time.Since(start)).Msg("request handled")
	}()
	return handler(req)
}
