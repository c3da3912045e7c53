// Package client talks to the core's operator socket.
package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	operatorv1 "github.com/ppiankov/kalpana/api/operator/v1"
	"github.com/ppiankov/kalpana/internal/confirm"
)

// DefaultTimeout bounds every call.
const DefaultTimeout = 5 * time.Second

// Client connects to the operator service.
type Client struct {
	conn    *grpc.ClientConn
	client  *operatorv1.OperatorClient
	timeout time.Duration
}

// New creates a client for the operator socket at socketPath. The
// connection is established lazily on the first call.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient("unix:"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to operator socket: %w", err)
	}
	return &Client{
		conn:    conn,
		client:  operatorv1.NewOperatorClient(conn),
		timeout: DefaultTimeout,
	}, nil
}

// Approve approves a pending confirmation.
func (c *Client) Approve(correlationID, label string) (*operatorv1.ConfirmResponse, error) {
	return c.confirm(correlationID, true, label)
}

// Deny denies a pending confirmation.
func (c *Client) Deny(correlationID, label string) (*operatorv1.ConfirmResponse, error) {
	return c.confirm(correlationID, false, label)
}

func (c *Client) confirm(correlationID string, approved bool, label string) (*operatorv1.ConfirmResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	resp, err := c.client.Confirm(ctx, &operatorv1.ConfirmRequest{
		CorrelationID: correlationID,
		Approved:      approved,
		Approver:      label,
	})
	if err != nil {
		return nil, confirmError(err)
	}
	return resp, nil
}

// confirmError maps status codes back onto the confirmation sentinels so
// callers can use errors.Is.
func confirmError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", confirm.ErrUnknown, st.Message())
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", confirm.ErrAlreadyResolved, st.Message())
	default:
		return fmt.Errorf("%s", st.Message())
	}
}

// ListPending returns confirmations awaiting an operator, oldest first.
func (c *Client) ListPending() ([]operatorv1.PendingConfirmation, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	resp, err := c.client.ListPending(ctx, &operatorv1.ListPendingRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Pending, nil
}

// Reload asks the core to reload its rule set.
func (c *Client) Reload() (*operatorv1.ReloadResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	resp, err := c.client.Reload(ctx, &operatorv1.ReloadRequest{})
	if err != nil {
		if st, ok := status.FromError(err); ok {
			return nil, fmt.Errorf("reload rejected: %s", st.Message())
		}
		return nil, err
	}
	return resp, nil
}

// Status returns core health.
func (c *Client) Status() (*operatorv1.StatusResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.client.Status(ctx, &operatorv1.StatusRequest{})
}

// Sessions lists connected clients.
func (c *Client) Sessions() ([]operatorv1.SessionInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	resp, err := c.client.ListSessions(ctx, &operatorv1.ListSessionsRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
