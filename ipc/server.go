package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"trading_gate/config"
	"trading_gate/logs"
)

var (
	// ErrAlreadyListening means another process answers on the socket path.
	ErrAlreadyListening = errors.New("another gate is listening on the socket")
	// ErrPathNotSocket means the socket path exists and is something else.
	ErrPathNotSocket = errors.New("socket path exists and is not a socket")
)

// Handler serves decoded requests. The server guarantees at most one
// session, so calls never overlap.
type Handler interface {
	// SessionStarted is called when an agent connects.
	SessionStarted()
	Handle(ctx context.Context, req Request) Response
	// ProtocolError answers a line that could not be decoded. The session
	// is closed after the answer is written.
	ProtocolError(ctx context.Context, raw []byte, err error) Response
}

// Server accepts one agent session at a time on a Unix socket.
type Server struct {
	path    string
	cfg     config.IPCConfig
	handler Handler

	mu       sync.Mutex
	ln       net.Listener
	session  net.Conn
	wg       sync.WaitGroup
	shutdown bool
}

func NewServer(path string, cfg config.IPCConfig, handler Handler) *Server {
	return &Server{path: path, cfg: cfg, handler: handler}
}

// Listen binds the socket. A stale socket from a crashed gate is removed;
// a live one, or a non-socket file at the path, is an error.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := removeStale(s.path); err != nil {
		return err
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("failed to restrict socket permissions: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	logs.Infof("[IPC] Listening on %s", s.path)
	return nil
}

func removeStale(path string) error {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat socket path: %w", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s: %w", path, ErrPathNotSocket)
	}
	if conn, err := net.DialTimeout("unix", path, 500*time.Millisecond); err == nil {
		conn.Close()
		return fmt.Errorf("%s: %w", path, ErrAlreadyListening)
	}
	logs.Warnf("[IPC] Removing stale socket %s", path)
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	return nil
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("ipc server is not listening")
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			down := s.shutdown
			s.mu.Unlock()
			if down || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		s.mu.Lock()
		if s.shutdown {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		if s.session != nil {
			s.mu.Unlock()
			logs.Warnf("[IPC] Refusing second agent connection while a session is active")
			refuse(conn, NewError("another agent session is active"))
			continue
		}
		s.session = conn
		s.wg.Add(1)
		s.mu.Unlock()

		go s.runSession(ctx, conn)
	}
}

func refuse(conn net.Conn, resp Response) {
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = json.NewEncoder(conn).Encode(resp)
	conn.Close()
}

func (s *Server) runSession(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		s.session = nil
		s.mu.Unlock()
		logs.Infof("[IPC] Agent session closed")
	}()

	logs.Infof("[IPC] Agent session started")
	s.handler.SessionStarted()

	limit := rate.Inf
	if s.cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(s.cfg.RequestsPerSecond)
	}
	burst := s.cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(limit, burst)

	maxBytes := s.cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBytes)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		req, err := DecodeRequest(line)
		if err != nil {
			logs.Warnf("[IPC] Protocol error, closing session: %v", err)
			_ = enc.Encode(s.handler.ProtocolError(ctx, append([]byte(nil), line...), err))
			return
		}
		if err := enc.Encode(s.handler.Handle(ctx, req)); err != nil {
			logs.Warnf("[IPC] Failed to write response: %v", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			err = fmt.Errorf("%w: message exceeds %d bytes", ErrMalformedRequest, maxBytes)
			_ = enc.Encode(s.handler.ProtocolError(ctx, nil, err))
			logs.Warnf("[IPC] %v, closing session", err)
			return
		}
		s.mu.Lock()
		down := s.shutdown
		s.mu.Unlock()
		if !down {
			logs.Warnf("[IPC] Session read error: %v", err)
		}
	}
}

// Close stops accepting, ends the active session, waits for it and
// unlinks the socket.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	ln, session := s.ln, s.session
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	if session != nil {
		session.Close()
	}
	s.wg.Wait()
	if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}
