// Package natkeeper keeps a single NAT-PMP TCP port mapping alive on a
// gateway and tells a downstream consumer whenever the external port changes.
package natkeeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// Client runs gateway and mapping queries over one Session.
type Client struct {
	session         Session
	backoff         *Backoff
	clock           clock.Clock
	logger          *slog.Logger
	metrics         *Metrics
	unexpectedLimit int
	lifetime        time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithClientClock sets the clock used to stamp grant times.
func WithClientClock(clk clock.Clock) ClientOption {
	return func(c *Client) { c.clock = clk }
}

// WithClientMetrics records granted mappings and gateway epochs.
func WithClientMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithUnexpectedLimit sets how many responses of the wrong type a mapping
// query tolerates before failing. Zero fails on the first one.
func WithUnexpectedLimit(n int) ClientOption {
	return func(c *Client) { c.unexpectedLimit = n }
}

// WithRequestedLifetime overrides the lifetime asked of the gateway.
func WithRequestedLifetime(d time.Duration) ClientOption {
	return func(c *Client) { c.lifetime = d }
}

// NewClient creates a Client. The session is owned by the caller and must
// not be used by anyone else while the Client is in use.
func NewClient(session Session, backoff *Backoff, opts ...ClientOption) *Client {
	c := &Client{
		session:         session,
		backoff:         backoff,
		clock:           clock.New(),
		logger:          slog.Default(),
		unexpectedLimit: defaultUnexpectedLimit,
		lifetime:        requestedLifetime,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// QueryGateway asks the gateway for its public address.
// Any response other than a public address fails with ErrUnexpectedResponse.
func (c *Client) QueryGateway(ctx context.Context) (*PublicAddressInfo, error) {
	c.beginExchange()
	resp, err := c.backoff.Do(ctx, Exchange{
		Name: "public_address",
		Send: c.session.SendPublicAddressRequest,
		Read: c.session.ReadResponseOrRetry,
		Accept: func(r Response) (bool, error) {
			if _, ok := r.(*PublicAddressResponse); !ok {
				return false, fmt.Errorf("%w: expected public address, got %T", ErrUnexpectedResponse, r)
			}
			return true, nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query gateway: %w", err)
	}

	pa := resp.(*PublicAddressResponse)
	c.logger.Info("gateway public address",
		"address", pa.Address,
		"epoch", pa.Epoch)
	c.metrics.observeEpoch(pa.Epoch)

	return &PublicAddressInfo{Address: pa.Address, Epoch: pa.Epoch}, nil
}

func (c *Client) beginExchange() {
	if es, ok := c.session.(ExchangeStarter); ok {
		es.BeginExchange()
	}
}
