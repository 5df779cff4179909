// ABOUTME: Connection types for providers and clients tracked by the registry.
// ABOUTME: Wraps the transport handle and records connection/activity timestamps.

package registry

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrConnectionClosed indicates a send on a connection the registry has
// already removed.
var ErrConnectionClosed = errors.New("connection closed")

// Transport is the write half of a connection the registry owns. The read
// loop stays with the transport's creator; the registry only pushes frames
// and closes.
type Transport interface {
	Send(data []byte) error
	Close(reason string) error
}

// Provider is one registered tool-providing connection, unique per
// (agent_id, server_id) pair.
type Provider struct {
	AgentID     string
	ServerID    string
	ConnectedAt time.Time

	transport    Transport
	closed       atomic.Bool
	lastActivity atomic.Int64

	infoMu sync.Mutex
	info   json.RawMessage // initialize result announced by the provider
}

func newProvider(agentID, serverID string, t Transport) *Provider {
	p := &Provider{
		AgentID:     agentID,
		ServerID:    serverID,
		ConnectedAt: time.Now(),
		transport:   t,
	}
	p.Touch()
	return p
}

// Send transmits a frame to the provider.
func (p *Provider) Send(data []byte) error {
	if p.closed.Load() {
		return ErrConnectionClosed
	}
	return p.transport.Send(data)
}

// Touch records inbound activity on the connection.
func (p *Provider) Touch() {
	p.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent inbound message.
func (p *Provider) LastActivity() time.Time {
	return time.Unix(0, p.lastActivity.Load())
}

// SetInfo stores the server info from the provider's initialize result.
func (p *Provider) SetInfo(info json.RawMessage) {
	p.infoMu.Lock()
	p.info = info
	p.infoMu.Unlock()
}

// Info returns the provider's announced server info, or nil.
func (p *Provider) Info() json.RawMessage {
	p.infoMu.Lock()
	defer p.infoMu.Unlock()
	return p.info
}

// Client is one connected client bound to an agent. Multiple clients per
// agent are permitted; each gets a broker-assigned ID.
type Client struct {
	ID          string
	AgentID     string
	ConnectedAt time.Time

	transport    Transport
	closed       atomic.Bool
	lastActivity atomic.Int64
}

func newClient(id, agentID string, t Transport) *Client {
	c := &Client{
		ID:          id,
		AgentID:     agentID,
		ConnectedAt: time.Now(),
		transport:   t,
	}
	c.Touch()
	return c
}

// Send transmits a frame to the client.
func (c *Client) Send(data []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return c.transport.Send(data)
}

// Touch records inbound activity on the connection.
func (c *Client) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent inbound message.
func (c *Client) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}
