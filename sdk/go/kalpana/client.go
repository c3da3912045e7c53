package kalpana

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ppiankov/kalpana/internal/wire"
)

// Response statuses.
const (
	StatusOK      = "ok"
	StatusPending = "pending"
	StatusDenied  = "denied"
	StatusError   = "error"
)

// Response is a core reply or notification.
type Response = wire.Response

// Session describes the session the core opened for this client.
type Session = wire.Welcome

// ErrClosed is returned once the connection has ended.
var ErrClosed = errors.New("kalpana: connection closed")

// Client is one session with the core. Safe for concurrent use; requests
// are serialized.
type Client struct {
	conn    net.Conn
	session Session

	reqMu   sync.Mutex
	nextSeq uint64

	writeMu   sync.Mutex
	responses chan Response

	noteMu  sync.Mutex
	notes   map[string]Response
	waiters map[string]chan Response
	notify  chan Response

	done    chan struct{}
	errOnce sync.Once
	err     error
}

// Dial connects to socketPath and performs the hello handshake.
func Dial(ctx context.Context, socketPath string, opts ...Option) (*Client, error) {
	cfg := clientConfig{dialTimeout: 5 * time.Second, notifyBuffer: 16}
	for _, o := range opts {
		o(&cfg)
	}

	dctx, cancel := context.WithTimeout(ctx, cfg.dialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("kalpana: dial %s: %w", socketPath, err)
	}

	if deadline, ok := dctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if err := wire.Send(conn, wire.Hello{
		Type:    wire.TypeHello,
		Version: wire.ProtocolVersion,
		Client:  cfg.clientName,
		Token:   cfg.token,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("kalpana: send hello: %w", err)
	}

	payload, err := wire.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("kalpana: read welcome: %w", err)
	}
	var welcome wire.Welcome
	if err := wire.Unmarshal(payload, &welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("kalpana: decode welcome: %w", err)
	}
	if welcome.Type != wire.TypeWelcome {
		var resp Response
		_ = wire.Unmarshal(payload, &resp)
		conn.Close()
		return nil, &Error{Kind: resp.ErrorKind, Reason: resp.Reason}
	}
	conn.SetDeadline(time.Time{})

	c := &Client{
		conn:      conn,
		session:   welcome,
		nextSeq:   welcome.NextSeq,
		responses: make(chan Response, 1),
		notes:     make(map[string]Response),
		waiters:   make(map[string]chan Response),
		notify:    make(chan Response, cfg.notifyBuffer),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Session returns the welcome data for this connection.
func (c *Client) Session() Session { return c.session }

// Do submits one request and waits for its immediate response. A pending
// response means an operator must confirm; use Await for the outcome.
func (c *Client) Do(ctx context.Context, action string, params map[string]string) (Response, error) {
	return c.do(ctx, action, params, "")
}

// DoWithID is Do with a caller-chosen correlation id.
func (c *Client) DoWithID(ctx context.Context, action string, params map[string]string, correlationID string) (Response, error) {
	return c.do(ctx, action, params, correlationID)
}

func (c *Client) do(ctx context.Context, action string, params map[string]string, correlationID string) (Response, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	seq := c.nextSeq
	resp, err := c.roundTrip(ctx, wire.Request{
		Type:          wire.TypeRequest,
		SessionSeq:    seq,
		Action:        action,
		Params:        params,
		CorrelationID: correlationID,
	})
	if err != nil {
		return Response{}, err
	}
	c.nextSeq++
	return resp, nil
}

// SendRaw writes req as-is and waits for the reply. It does not touch the
// client's sequence counter; it exists for diagnostics and tests.
func (c *Client) SendRaw(ctx context.Context, req wire.Request) (Response, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.roundTrip(ctx, req)
}

func (c *Client) roundTrip(ctx context.Context, req wire.Request) (Response, error) {
	c.writeMu.Lock()
	err := wire.Send(c.conn, req)
	c.writeMu.Unlock()
	if err != nil {
		c.fail(err)
		return Response{}, fmt.Errorf("kalpana: send: %w", err)
	}

	select {
	case resp := <-c.responses:
		return resp, nil
	case <-c.done:
		// A violation reply is queued before the core hangs up.
		select {
		case resp := <-c.responses:
			return resp, nil
		default:
		}
		return Response{}, c.Err()
	case <-ctx.Done():
		// The response may still arrive; the connection is no longer usable
		// for ordered requests.
		c.Close()
		return Response{}, ctx.Err()
	}
}

// Await waits for the notification carrying correlationID.
func (c *Client) Await(ctx context.Context, correlationID string) (Response, error) {
	c.noteMu.Lock()
	if n, ok := c.notes[correlationID]; ok {
		delete(c.notes, correlationID)
		c.noteMu.Unlock()
		return n, nil
	}
	ch := make(chan Response, 1)
	c.waiters[correlationID] = ch
	c.noteMu.Unlock()

	defer func() {
		c.noteMu.Lock()
		delete(c.waiters, correlationID)
		c.noteMu.Unlock()
	}()

	select {
	case n := <-ch:
		return n, nil
	case <-c.done:
		return Response{}, c.Err()
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Notifications delivers notifications nobody is awaiting. Messages are
// dropped when the buffer is full.
func (c *Client) Notifications() <-chan Response { return c.notify }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close ends the session.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	return nil
}

func (c *Client) fail(err error) {
	c.errOnce.Do(func() {
		c.err = err
		c.conn.Close()
		close(c.done)
	})
}

func (c *Client) readLoop() {
	for {
		payload, err := wire.ReadFrame(c.conn)
		if err != nil {
			c.fail(ErrClosed)
			return
		}
		var msg Response
		if err := wire.Unmarshal(payload, &msg); err != nil {
			c.fail(fmt.Errorf("kalpana: decode: %w", err))
			return
		}
		if msg.Type == wire.TypeNotify {
			c.deliver(msg)
			continue
		}
		select {
		case c.responses <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) deliver(n Response) {
	c.noteMu.Lock()
	defer c.noteMu.Unlock()
	if ch, ok := c.waiters[n.CorrelationID]; ok {
		ch <- n
		delete(c.waiters, n.CorrelationID)
		return
	}
	c.notes[n.CorrelationID] = n
	select {
	case c.notify <- n:
	default:
	}
}

// Error is a refused handshake.
type Error struct {
	Kind   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("kalpana: %s: %s", e.Kind, e.Reason)
}
