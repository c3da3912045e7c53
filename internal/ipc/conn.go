package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ppiankov/kalpana/internal/identity"
	"github.com/ppiankov/kalpana/internal/logger"
	"github.com/ppiankov/kalpana/internal/model"
	"github.com/ppiankov/kalpana/internal/session"
	"github.com/ppiankov/kalpana/internal/wire"
)

// conn serializes writes; responses and async notifications share it.
type conn struct {
	c            *net.UnixConn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (c *conn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.c.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return wire.Send(c.c, v)
}

func (s *Server) handle(ctx context.Context, raw *net.UnixConn) {
	c := &conn{c: raw, writeTimeout: s.cfg.WriteTimeout}
	defer raw.Close()

	sess, err := s.handshake(c)
	if err != nil {
		s.log.Debug("handshake failed", logger.Error(err))
		return
	}

	reason := s.serveSession(ctx, c, sess)
	s.d.CloseSession(sess, reason)
}

// handshake reads the hello frame and opens a session. Failures are
// audited as unauthenticated protocol violations.
func (s *Server) handshake(c *conn) (*session.Session, error) {
	cred, credErr := s.peerCred(c.c)

	if err := c.c.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return nil, err
	}
	payload, err := wire.ReadFrame(c.c)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.d.ProtocolViolation(nil, "handshake: "+err.Error())
		}
		return nil, err
	}

	hello, err := wire.DecodeHello(payload)
	if err == nil && hello.Version != wire.ProtocolVersion {
		err = fmt.Errorf("unsupported protocol version %d", hello.Version)
	}
	if err != nil {
		return nil, s.refuse(c, nil, err)
	}

	if credErr != nil {
		s.log.Debug("peer credentials unavailable", logger.Error(credErr))
		cred = identity.Cred{UID: -1, GID: -1}
	}
	id, err := s.resolver.Resolve(cred, hello.Client, hello.Token)
	if err != nil {
		return nil, s.refuse(c, nil, err)
	}

	sess, err := s.d.OpenSession(id, func(msg wire.Response) error {
		msg.Type = wire.TypeNotify
		return c.send(msg)
	})
	if err != nil {
		_ = c.send(wire.Response{
			Type:      wire.TypeResponse,
			Status:    string(model.StatusError),
			ErrorKind: string(model.KindOf(err)),
			Reason:    model.ReasonOf(err),
		})
		return nil, err
	}

	welcome := wire.Welcome{
		Type:         wire.TypeWelcome,
		Version:      wire.ProtocolVersion,
		SessionID:    sess.ID,
		Principal:    id.Label(),
		Capabilities: id.Capabilities,
		NextSeq:      sess.NextSeq(),
	}
	if err := c.send(welcome); err != nil {
		s.d.CloseSession(sess, "welcome write failed")
		return nil, err
	}
	return sess, nil
}

// refuse audits a violation, tells the client, and returns the error.
func (s *Server) refuse(c *conn, sess *session.Session, err error) error {
	s.d.ProtocolViolation(sess, err.Error())
	_ = c.send(wire.Response{
		Type:      wire.TypeResponse,
		Status:    string(model.StatusError),
		ErrorKind: string(model.ErrProtocolViolation),
		Reason:    model.ReasonOf(model.Wrap(model.ErrProtocolViolation, err, "protocol violation")),
	})
	return err
}

// serveSession reads requests until the connection ends and returns why.
func (s *Server) serveSession(ctx context.Context, c *conn, sess *session.Session) string {
	// Closing the socket is how a cancelled session interrupts a blocked read.
	stop := context.AfterFunc(sess.Context(), func() { c.c.Close() })
	defer stop()

	for {
		if err := c.c.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return "connection error"
		}
		payload, err := wire.ReadFrame(c.c)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return "disconnect"
			case errors.Is(err, os.ErrDeadlineExceeded):
				s.log.Info("closing idle session", logger.String("session_id", sess.ID))
				return "idle timeout"
			case errors.Is(err, net.ErrClosed) || sess.Context().Err() != nil:
				return "closed by core"
			case errors.Is(err, wire.ErrFrameTooLarge), errors.Is(err, wire.ErrEmptyFrame), errors.Is(err, io.ErrUnexpectedEOF):
				_ = s.refuse(c, sess, err)
				return "protocol violation"
			default:
				return "connection error"
			}
		}

		req, err := wire.DecodeRequest(payload)
		if err != nil {
			_ = s.refuse(c, sess, err)
			return "protocol violation"
		}

		resp, herr := s.d.Handle(ctx, sess, req)
		if err := c.send(resp); err != nil {
			s.log.Warn("response write failed", logger.String("session_id", sess.ID), logger.Error(err))
			return "connection error"
		}
		if herr != nil {
			return "protocol violation"
		}
	}
}
