// Package client sends commands to a uscope driver and returns the decoded responses.
//
// One call is one exchange:
//
//	Execute → middleware chain → resolve endpoint → EncodeRequest → RoundTrip → DecodeResponse
//
// Encoding happens before any connection is opened, so an EncodingError never leaves
// bytes on the wire. Decoding happens after the connection is closed. There are no
// retries unless the caller adds RetryMiddleware, which only retries failed dials.
package client

import (
	"context"
	"net"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"uscope-rpc/loadbalance"
	"uscope-rpc/message"
	"uscope-rpc/middleware"
	"uscope-rpc/protocol"
	"uscope-rpc/registry"
	"uscope-rpc/transport"
)

// Execute sends cmd to host:port with default timeouts and returns the decoded
// response value. It keeps no state between calls.
func Execute(ctx context.Context, cmd *message.Command, host string, port int) (any, error) {
	return New(net.JoinHostPort(host, strconv.Itoa(port))).Execute(ctx, cmd)
}

type Client struct {
	addr        string
	service     string
	registry    registry.Registry // nil when addr is fixed
	balancer    loadbalance.Balancer
	transport   *transport.Transport
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	logger      *zap.Logger
}

type Option func(*Client)

// WithTransport replaces the default transport (default timeouts, TCP dialer).
func WithTransport(t *transport.Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithRegistry resolves the endpoint per command from reg instead of the fixed address.
func WithRegistry(reg registry.Registry, service string, balancer loadbalance.Balancer) Option {
	return func(c *Client) {
		c.registry = reg
		c.service = service
		c.balancer = balancer
	}
}

// WithMiddleware appends middlewares; the first one added is the outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.middlewares = append(c.middlewares, mws...) }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for the driver at addr ("host:port"). addr is ignored when
// WithRegistry is given.
func New(addr string, opts ...Option) *Client {
	c := &Client{
		addr:   addr,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = transport.NewTransport(transport.DefaultTimeouts(), transport.WithLogger(c.logger))
	}
	if c.registry != nil && c.balancer == nil {
		c.balancer = &loadbalance.RoundRobinBalancer{}
	}
	if c.registry != nil && c.service == "" {
		c.service = registry.DefaultService
	}

	// the chain is built once, not per command
	c.handler = middleware.Chain(c.middlewares...)(c.execute)
	return c
}

// Execute sends cmd and returns the decoded response value.
func (c *Client) Execute(ctx context.Context, cmd *message.Command) (any, error) {
	return c.handler(ctx, cmd)
}

// ExecuteInto sends cmd and decodes the msgpack response directly into out, which must
// be a pointer. Middlewares are not applied.
func (c *Client) ExecuteInto(ctx context.Context, cmd *message.Command, out any) error {
	payload, err := c.roundTrip(ctx, cmd)
	if err != nil {
		return err
	}
	return protocol.DecodeResponseInto(payload, out)
}

// Call sends cmd and interprets the reply as a driver response map. A non-ok
// response_code is returned as a *message.DriverError along with the response.
func (c *Client) Call(ctx context.Context, cmd *message.Command) (*message.Response, error) {
	value, err := c.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	resp, ok := message.ParseResponse(value)
	if !ok {
		return nil, protocol.DecodingError("parse driver response", errors.Errorf("unexpected response shape %T", value))
	}
	return resp, resp.Err()
}

// execute is the innermost handler of the middleware chain.
func (c *Client) execute(ctx context.Context, cmd *message.Command) (any, error) {
	payload, err := c.roundTrip(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeResponse(payload)
}

func (c *Client) roundTrip(ctx context.Context, cmd *message.Command) ([]byte, error) {
	// Step 1: encode before touching the network
	request, err := protocol.EncodeRequest(cmd)
	if err != nil {
		return nil, err
	}

	// Step 2: pick the endpoint
	addr, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}

	// Step 3: one connection, one exchange; closed before we return
	return c.transport.RoundTrip(ctx, addr, request)
}

func (c *Client) resolve(ctx context.Context) (string, error) {
	if c.registry == nil {
		return c.addr, nil
	}

	instances, err := c.registry.Discover(ctx, c.service)
	if err != nil {
		return "", protocol.ConnectFailed("discover "+c.service, err)
	}
	instance, err := c.balancer.Pick(instances)
	if err != nil {
		return "", protocol.ConnectFailed("pick "+c.service, err)
	}

	c.logger.Debug("Resolved driver instance",
		zap.String("service", c.service),
		zap.String("addr", instance.Addr),
		zap.String("balancer", c.balancer.Name()))
	return instance.Addr, nil
}
