// Package mcp bridges a language-model shell to the core over the Model
// Context Protocol. The bridge holds no authority of its own: every tool
// call becomes a structured request on an ordinary client session, and the
// core decides.
package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/kalpana/internal/logger"
	"github.com/ppiankov/kalpana/sdk/go/kalpana"
)

// Config holds bridge configuration.
type Config struct {
	SocketPath string
	Token      string
	ClientName string
	// AwaitTimeout bounds how long submit_action waits for an operator
	// when the caller asks to wait.
	AwaitTimeout time.Duration
	Version      string
	Log          logger.Logger
}

// Server wraps the MCP SDK server around a core session.
type Server struct {
	cfg       Config
	mcpServer *mcpsdk.Server
	log       logger.Logger

	mu     sync.Mutex
	client *kalpana.Client
}

// New creates the bridge. The core connection is opened on first use.
func New(cfg Config) *Server {
	if cfg.ClientName == "" {
		cfg.ClientName = "kalpana-shell"
	}
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = 2 * time.Minute
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{cfg: cfg, log: log}
	s.mcpServer = mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "kalpana",
		Version: cfg.Version,
	}, nil)
	s.registerTools()
	return s
}

// Run serves MCP over stdio. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// Close ends the core session.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	return nil
}

// session returns a live core session, reconnecting if the previous one
// ended. A new session starts a fresh session_seq.
func (s *Server) session(ctx context.Context) (*kalpana.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		select {
		case <-s.client.Done():
			s.log.Warn("core session ended, reconnecting", logger.Error(s.client.Err()))
			s.client = nil
		default:
			return s.client, nil
		}
	}

	opts := []kalpana.Option{kalpana.WithClientName(s.cfg.ClientName)}
	if s.cfg.Token != "" {
		opts = append(opts, kalpana.WithToken(s.cfg.Token))
	}
	c, err := kalpana.Dial(ctx, s.cfg.SocketPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to kalpana-core: %w", err)
	}
	s.client = c
	s.log.Info("core session opened",
		logger.String("session_id", c.Session().SessionID),
		logger.String("principal", c.Session().Principal))
	return c, nil
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name: "submit_action",
		Description: "Ask kalpana-core to perform one privileged action (read_file, list_dir, write_file, delete_file, " +
			"move_file, start_process, kill_process, run_command, control_service, restart_network). " +
			"The core may allow, deny, or hold the request for operator confirmation.",
	}, s.handleSubmit)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "session_status",
		Description: "Report kalpana-core health: requests processed, rule set hash, sessions, pending confirmations.",
	}, s.handleStatus)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "explain_last",
		Description: "Explain the most recent decision the core made for this session: rule id, reason, decision.",
	}, s.handleExplainLast)
}
