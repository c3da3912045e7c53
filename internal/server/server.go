// Package server exposes the operator gRPC service on its own Unix socket:
// confirmation decisions, pending list, rule-set reload and core status.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	operatorv1 "github.com/ppiankov/kalpana/api/operator/v1"
	"github.com/ppiankov/kalpana/internal/confirm"
	"github.com/ppiankov/kalpana/internal/dispatch"
	"github.com/ppiankov/kalpana/internal/identity"
	"github.com/ppiankov/kalpana/internal/ipc"
	"github.com/ppiankov/kalpana/internal/logger"
	"github.com/ppiankov/kalpana/internal/policy"
)

// Config holds operator socket configuration.
type Config struct {
	SocketPath string
	Mode       os.FileMode
	Group      string
}

// ReloadFunc swaps in a freshly loaded rule set.
type ReloadFunc func() (*policy.RuleSet, error)

// Server implements the operator service.
type Server struct {
	cfg        Config
	d          *dispatch.Dispatcher
	log        logger.Logger
	reload     ReloadFunc
	lookupUser func(uid int) (string, error)

	mu         sync.Mutex
	ln         net.Listener
	grpcServer *grpc.Server
}

// New creates the operator server. Reload defaults to the dispatcher's
// policy engine.
func New(cfg Config, d *dispatch.Dispatcher, log logger.Logger) *Server {
	if cfg.Mode == 0 {
		cfg.Mode = 0o600
	}
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		cfg:        cfg,
		d:          d,
		log:        log,
		reload:     d.Engine().Reload,
		lookupUser: identity.LookupUsername,
	}
	s.grpcServer = grpc.NewServer(
		grpc.Creds(newPeerCredentials()),
		grpc.ChainUnaryInterceptor(s.logCalls),
	)
	operatorv1.RegisterOperatorServer(s.grpcServer, &service{s: s})
	return s
}

// SetReloader replaces the reload hook, so the daemon can log and audit
// reloads the same way whichever trigger caused them.
func (s *Server) SetReloader(fn ReloadFunc) {
	if fn != nil {
		s.reload = fn
	}
}

// Listen creates the operator socket.
func (s *Server) Listen() error {
	ln, err := ipc.ListenUnix(s.cfg.SocketPath, s.cfg.Mode, s.cfg.Group)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("operator socket listening",
		logger.String("path", s.cfg.SocketPath),
		logger.String("mode", fmt.Sprintf("%#o", s.cfg.Mode)))
	return nil
}

// Serve blocks until the server stops.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server: Serve called before Listen")
	}
	return s.ServeOn(ln)
}

// ServeOn serves on the given listener. For testing.
func (s *Server) ServeOn(lis net.Listener) error {
	err := s.grpcServer.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Addr returns the socket path.
func (s *Server) Addr() string { return s.cfg.SocketPath }

// Stop drains in-flight RPCs, or cuts them off when ctx expires.
func (s *Server) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	fields := []logger.Field{
		logger.String("method", info.FullMethod),
		logger.String("code", status.Code(err).String()),
		logger.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		s.log.Warn("operator call failed", append(fields, logger.Error(err))...)
	} else {
		s.log.Debug("operator call", fields...)
	}
	return resp, err
}

// approver names the operator behind ctx. Kernel credentials win over the
// self-declared label.
func (s *Server) approver(ctx context.Context, label string) (string, error) {
	if p, ok := peer.FromContext(ctx); ok {
		if info, ok := p.AuthInfo.(PeerAuthInfo); ok && info.Cred.UID >= 0 {
			if name, err := s.lookupUser(info.Cred.UID); err == nil {
				return name, nil
			}
			return fmt.Sprintf("uid:%d", info.Cred.UID), nil
		}
	}
	if label = strings.TrimSpace(label); label != "" {
		return label, nil
	}
	return "", status.Error(codes.Unauthenticated, "operator identity unavailable")
}

type service struct {
	s *Server
}

func (v *service) Confirm(ctx context.Context, req *operatorv1.ConfirmRequest) (*operatorv1.ConfirmResponse, error) {
	approver, err := v.s.approver(ctx, req.Approver)
	if err != nil {
		return nil, err
	}
	p, err := v.s.d.Confirm(req.CorrelationID, req.Approved, approver)
	if err != nil {
		return nil, confirmError(err)
	}
	v.s.log.Info("confirmation resolved",
		logger.String("correlation_id", p.CorrelationID),
		logger.String("status", string(p.Status)),
		logger.String("approver", approver))
	return &operatorv1.ConfirmResponse{
		CorrelationID: p.CorrelationID,
		Status:        string(p.Status),
		Action:        p.Action,
		Summary:       p.Summary,
		Principal:     p.Principal,
		Approver:      p.Approver,
	}, nil
}

func confirmError(err error) error {
	switch {
	case errors.Is(err, confirm.ErrUnknown):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, confirm.ErrAlreadyResolved):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, dispatch.ErrShuttingDown):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.InvalidArgument, err.Error())
	}
}

func (v *service) ListPending(context.Context, *operatorv1.ListPendingRequest) (*operatorv1.ListPendingResponse, error) {
	list := v.s.d.ListPending()
	out := make([]operatorv1.PendingConfirmation, len(list))
	for i, p := range list {
		out[i] = operatorv1.PendingConfirmation{
			CorrelationID: p.CorrelationID,
			SessionID:     p.SessionID,
			Principal:     p.Principal,
			RequestSeq:    p.RequestSeq,
			Action:        p.Action,
			Summary:       p.Summary,
			RuleID:        p.RuleID,
			Reason:        p.Reason,
			CreatedAt:     p.CreatedAt.Format(time.RFC3339),
			ExpiresAt:     p.ExpiresAt.Format(time.RFC3339),
		}
	}
	return &operatorv1.ListPendingResponse{Pending: out}, nil
}

func (v *service) Reload(context.Context, *operatorv1.ReloadRequest) (*operatorv1.ReloadResponse, error) {
	var before string
	if rs := v.s.d.Engine().Current(); rs != nil {
		before = rs.Hash
	}
	rs, err := v.s.reload()
	if err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	return &operatorv1.ReloadResponse{
		PolicyHash: rs.Hash,
		Version:    rs.Version,
		Rules:      rs.Len(),
		Changed:    rs.Hash != before,
	}, nil
}

func (v *service) Status(context.Context, *operatorv1.StatusRequest) (*operatorv1.StatusResponse, error) {
	snap := v.s.d.Snapshot()
	resp := &operatorv1.StatusResponse{
		Mode:                 snap.Mode,
		RequestsProcessed:    snap.RequestsProcessed,
		SessionsActive:       snap.SessionsActive,
		PendingConfirmations: snap.PendingConfirmations,
		AuditEntries:         snap.AuditEntries,
		Rules:                snap.Rules,
		PolicyHash:           snap.PolicyHash,
		PolicyVersion:        snap.PolicyVersion,
		UptimeSeconds:        int64(snap.Uptime / time.Second),
		Draining:             snap.Draining,
	}
	return resp, nil
}

func (v *service) ListSessions(context.Context, *operatorv1.ListSessionsRequest) (*operatorv1.ListSessionsResponse, error) {
	infos := v.s.d.Sessions().List()
	out := make([]operatorv1.SessionInfo, len(infos))
	for i, in := range infos {
		out[i] = operatorv1.SessionInfo{
			ID:        in.ID,
			Principal: in.Principal,
			Client:    in.Client,
			PID:       in.PID,
			OpenedAt:  in.OpenedAt.UTC().Format(time.RFC3339),
			NextSeq:   in.NextSeq,
			Processed: in.Processed,
		}
	}
	return &operatorv1.ListSessionsResponse{Sessions: out}, nil
}
