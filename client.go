package svinit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/axondata/go-svinit/internal/codec"
)

// Client talks to a running manager over its control socket. Every call
// opens a fresh connection, so a Client is safe for concurrent use.
type Client struct {
	// SocketPath is the manager's control socket
	SocketPath string

	// DialTimeout is the timeout for connecting to the socket
	DialTimeout time.Duration

	// ResponseTimeout bounds the whole request when the context has no
	// earlier deadline. Start and stop requests wait for the operation to
	// finish, so this is generous by default.
	ResponseTimeout time.Duration
}

// Option configures a Client
type Option func(*Client)

// WithDialTimeout sets the timeout for connecting to the control socket
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.DialTimeout = d
	}
}

// WithResponseTimeout sets the upper bound for a single request
func WithResponseTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.ResponseTimeout = d
	}
}

// NewClient creates a client for the manager listening on socketPath
func NewClient(socketPath string, opts ...Option) *Client {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	c := &Client{
		SocketPath:      socketPath,
		DialTimeout:     DefaultDialTimeout,
		ResponseTimeout: DefaultResponseTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// call sends req and decodes the response data into result. The data is
// decoded before the error is returned so partial reports reach the caller.
func (c *Client) call(ctx context.Context, req *Request, result any) error {
	dialer := net.Dialer{Timeout: c.DialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.SocketPath)
	if err != nil {
		return &TransportError{Endpoint: c.SocketPath, Err: err}
	}
	defer conn.Close()

	deadline := time.Now().Add(c.ResponseTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := codec.NewEncoder(conn).Encode(req); err != nil {
		return c.transportError(ctx, err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}

	var resp Response
	if err := codec.NewDecoder(conn).Decode(&resp); err != nil {
		return c.transportError(ctx, err)
	}
	if result != nil && len(resp.Data) > 0 {
		if err := codec.Unmarshal(resp.Data, result); err != nil {
			return fmt.Errorf("svinit: decoding %s response: %w", req.Action, err)
		}
	}
	if !resp.OK {
		if resp.Error == nil {
			return &RemoteError{Kind: wireInternal, Message: "request failed without an error"}
		}
		return resp.Error.Err()
	}
	return nil
}

func (c *Client) transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// The socket deadline can fire a moment before the context's own timer
		if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
			return context.DeadlineExceeded
		}
		return &TimeoutError{Op: OpUnknown, Timeout: c.ResponseTimeout}
	}
	return &TransportError{Endpoint: c.SocketPath, Err: err}
}

func (c *Client) report(ctx context.Context, req *Request) (*Report, error) {
	var r Report
	err := c.call(ctx, req, &r)
	if err != nil && r.Op == OpUnknown {
		return nil, err
	}
	return &r, err
}

// Ping checks that the manager is reachable and returns its version
func (c *Client) Ping(ctx context.Context) (VersionInfo, error) {
	var v VersionInfo
	err := c.call(ctx, &Request{Action: ActionPing}, &v)
	return v, err
}

// Enable adds service to the enabled set and optionally starts it
func (c *Client) Enable(ctx context.Context, service string, start bool) (*Report, error) {
	return c.report(ctx, &Request{Action: ActionEnable, Service: service, Start: start})
}

// Disable removes service from the enabled set and optionally stops it
func (c *Client) Disable(ctx context.Context, service string, stop bool) (*Report, error) {
	return c.report(ctx, &Request{Action: ActionDisable, Service: service, Stop: stop})
}

// Start starts services and their hard dependencies
func (c *Client) Start(ctx context.Context, services ...string) (*Report, error) {
	return c.report(ctx, &Request{Action: ActionStart, Services: services})
}

// Stop stops services and everything that hard-depends on them
func (c *Client) Stop(ctx context.Context, services ...string) (*Report, error) {
	return c.report(ctx, &Request{Action: ActionStop, Services: services})
}

// Restart stops then starts services
func (c *Client) Restart(ctx context.Context, services ...string) (*Report, error) {
	return c.report(ctx, &Request{Action: ActionRestart, Services: services})
}

// Signal delivers sig to the running process of service
func (c *Client) Signal(ctx context.Context, service string, sig syscall.Signal) error {
	return c.call(ctx, &Request{Action: ActionSignal, Service: service, Signal: int(sig)}, nil)
}

// Status returns the status of the services matching filter
func (c *Client) Status(ctx context.Context, filter StatusFilter) ([]ServiceStatus, error) {
	var statuses []ServiceStatus
	if err := c.call(ctx, &Request{Action: ActionStatus, Filter: &filter}, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

// Reload re-reads service descriptors and applies the new graph
func (c *Client) Reload(ctx context.Context) (*Report, error) {
	return c.report(ctx, &Request{Action: ActionReload})
}
