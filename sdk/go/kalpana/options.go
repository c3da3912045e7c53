package kalpana

import "time"

// Option configures a Client at dial time.
type Option func(*clientConfig)

type clientConfig struct {
	clientName   string
	token        string
	dialTimeout  time.Duration
	notifyBuffer int
}

// WithClientName declares the front end name sent in the hello frame.
func WithClientName(name string) Option {
	return func(c *clientConfig) { c.clientName = name }
}

// WithToken presents a capability token.
func WithToken(token string) Option {
	return func(c *clientConfig) { c.token = token }
}

// WithDialTimeout bounds connect plus handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.dialTimeout = d }
}

// WithNotifyBuffer sets how many unclaimed notifications are kept.
func WithNotifyBuffer(n int) Option {
	return func(c *clientConfig) { c.notifyBuffer = n }
}
