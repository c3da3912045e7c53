// Package ipc serves the core's Unix socket: one session per connection,
// one frame at a time.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ppiankov/kalpana/internal/dispatch"
	"github.com/ppiankov/kalpana/internal/identity"
	"github.com/ppiankov/kalpana/internal/logger"
)

// Config controls the listening socket.
type Config struct {
	SocketPath       string
	Mode             os.FileMode
	Group            string
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Server accepts client connections.
type Server struct {
	cfg      Config
	d        *dispatch.Dispatcher
	resolver *identity.Resolver
	log      logger.Logger
	peerCred func(*net.UnixConn) (identity.Cred, error)

	mu    sync.Mutex
	ln    *net.UnixListener
	conns sync.WaitGroup
}

// New creates a server; call Listen then Serve.
func New(cfg Config, d *dispatch.Dispatcher, resolver *identity.Resolver, log logger.Logger) *Server {
	if cfg.Mode == 0 {
		cfg.Mode = 0o660
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		cfg:      cfg,
		d:        d,
		resolver: resolver,
		log:      log,
		peerCred: identity.PeerCredentials,
	}
}

// Listen creates the socket with restrictive permissions.
func (s *Server) Listen() error {
	ln, err := ListenUnix(s.cfg.SocketPath, s.cfg.Mode, s.cfg.Group)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("core socket listening",
		logger.String("path", s.cfg.SocketPath),
		logger.String("mode", fmt.Sprintf("%#o", s.cfg.Mode)))
	return nil
}

// Addr returns the socket path.
func (s *Server) Addr() string { return s.cfg.SocketPath }

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("ipc: Serve called before Listen")
	}

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var delay time.Duration
	for {
		c, err := ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			delay = acceptBackoff(delay)
			s.log.Error("accept failed", logger.Error(err), logger.Duration("retry_in", delay))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handle(ctx, c)
		}()
	}
}

// acceptBackoff doubles the wait after a failed Accept, from 5ms up to 1s,
// so descriptor exhaustion does not spin the loop.
func acceptBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return 5 * time.Millisecond
	}
	if next := 2 * prev; next < time.Second {
		return next
	}
	return time.Second
}

// Close stops accepting and removes the socket file. Open connections are
// left to their sessions.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	err := ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Wait blocks until every connection handler has returned or ctx expires.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
