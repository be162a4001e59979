// Package client implements the control-plane client used by subscriber
// tools, the proxy's broker link, and tests. Collaborators outside the core
// (storage layers, UI clients) participate through this same surface.
package client

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/standardbeagle/gbe/internal/address"
	"github.com/standardbeagle/gbe/internal/wire"
)

// DefaultBrokerAddress is where the broker listens unless overridden.
const DefaultBrokerAddress = "unix:///tmp/gbe-router.sock"

var (
	// ErrNotConnected is returned when using a client before Dial or after
	// Close.
	ErrNotConnected = errors.New("not connected to broker")
	// ErrUnexpectedMessage is returned when the broker answers a request
	// with a variant the request cannot accept.
	ErrUnexpectedMessage = errors.New("unexpected control message")
)

// Client is a control link to the broker. Request/response calls are
// serialized; Recv may be used instead of request calls by event-driven
// consumers (the adapter owns its own link and does not use this type).
type Client struct {
	brokerAddr string
	timeout    time.Duration

	mu     sync.Mutex
	conn   net.Conn
	enc    *wire.Encoder
	dec    *wire.Decoder
	closed bool
}

// Option configures a Client.
type Option func(*Client)

// WithBrokerAddress sets the broker control address.
func WithBrokerAddress(addr string) Option {
	return func(c *Client) {
		if addr != "" {
			c.brokerAddr = addr
		}
	}
}

// WithTimeout sets the per-request deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New creates a client. Dial does the actual connect.
func New(opts ...Option) *Client {
	c := &Client{
		brokerAddr: DefaultBrokerAddress,
		timeout:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects the control link.
func (c *Client) Dial() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.closed {
		return nil
	}

	conn, err := address.Dial(c.brokerAddr)
	if err != nil {
		return err
	}
	c.conn = conn
	c.enc = wire.NewEncoder(conn)
	c.dec = wire.NewDecoder(conn)
	c.closed = false
	return nil
}

// Close closes the control link.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.conn == nil {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// Connect registers with the broker and returns the assigned identity and
// data-listen address.
func (c *Client) Connect(capabilities []string) (wire.ToolID, string, error) {
	if capabilities == nil {
		capabilities = []string{}
	}
	resp, err := c.roundTrip(wire.Connect{Capabilities: capabilities})
	if err != nil {
		return "", "", err
	}
	ack, ok := resp.(wire.ConnectAck)
	if !ok {
		return "", "", fmt.Errorf("%w: %s in response to Connect", ErrUnexpectedMessage, resp.Tag())
	}
	return ack.ToolID, ack.DataListenAddress, nil
}

// Subscribe asks for a data-connect address for target's stream.
func (c *Client) Subscribe(target wire.ToolID) (*wire.SubscribeAck, error) {
	resp, err := c.roundTrip(wire.Subscribe{Target: target})
	if err != nil {
		return nil, err
	}
	ack, ok := resp.(wire.SubscribeAck)
	if !ok {
		return nil, fmt.Errorf("%w: %s in response to Subscribe", ErrUnexpectedMessage, resp.Tag())
	}
	return &ack, nil
}

// Unsubscribe withdraws a subscription. The broker emits no ack; errors
// surface asynchronously as Error messages on Recv.
func (c *Client) Unsubscribe(target wire.ToolID) error {
	return c.send(wire.Unsubscribe{Target: target})
}

// QueryCapabilities returns the target's capability set.
func (c *Client) QueryCapabilities(target wire.ToolID) ([]string, error) {
	resp, err := c.roundTrip(wire.QueryCapabilities{Target: target})
	if err != nil {
		return nil, err
	}
	cr, ok := resp.(wire.CapabilitiesResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %s in response to QueryCapabilities", ErrUnexpectedMessage, resp.Tag())
	}
	return cr.Capabilities, nil
}

// QueryTools lists all connected tools.
func (c *Client) QueryTools() ([]wire.ToolInfo, error) {
	resp, err := c.roundTrip(wire.QueryTools{})
	if err != nil {
		return nil, err
	}
	tr, ok := resp.(wire.ToolsResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %s in response to QueryTools", ErrUnexpectedMessage, resp.Tag())
	}
	return tr.Tools, nil
}

// FlowControl reports downstream pressure for source. Used by proxies.
func (c *Client) FlowControl(source wire.ToolID, status string) error {
	return c.send(wire.FlowControl{Source: source, Status: status})
}

// SendError reports an error condition to the broker. Used by the proxy
// when its upstream never became reachable.
func (c *Client) SendError(code wire.ErrorCode, message string) error {
	return c.send(wire.ErrorMsg{Code: code, Message: message})
}

// SendInput routes input bytes to target's child stdin via the broker.
func (c *Client) SendInput(target wire.ToolID, data []byte) error {
	return c.send(wire.Input{Target: target, Data: data})
}

// Disconnect announces orderly teardown.
func (c *Client) Disconnect() error {
	return c.send(wire.Disconnect{})
}

// Recv reads the next message from the broker, honoring the client timeout.
func (c *Client) Recv() (wire.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvLocked()
}

func (c *Client) send(m wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.conn == nil {
		return ErrNotConnected
	}
	if c.timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	return c.enc.Encode(m)
}

func (c *Client) roundTrip(m wire.Message) (wire.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.conn == nil {
		return nil, ErrNotConnected
	}
	if c.timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	if err := c.enc.Encode(m); err != nil {
		return nil, err
	}
	return c.recvLocked()
}

func (c *Client) recvLocked() (wire.Message, error) {
	if c.closed || c.conn == nil {
		return nil, ErrNotConnected
	}
	if c.timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	resp, err := c.dec.Decode()
	if err != nil {
		return nil, err
	}
	if e, ok := resp.(wire.ErrorMsg); ok {
		return nil, &wire.RemoteError{Code: e.Code, Message: e.Message}
	}
	return resp, nil
}
