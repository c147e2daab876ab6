// Package registry maintains the live mapping of agent_id to its one
// open duplex channel and enforces the single-writer-per-agent rule.
package registry

import (
	"context"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/ctlplane/internal/otel"
)

// Connection wraps one agent's live websocket channel. Writes are
// serialized by mu so concurrent senders (the assigner pushing task.exec,
// a cancel handler pushing task.cancel) never interleave frames on the
// wire.
type Connection struct {
	AgentID string

	conn *websocket.Conn
	mu   sync.Mutex
}

func NewConnection(agentID string, conn *websocket.Conn) *Connection {
	return &Connection{AgentID: agentID, conn: conn}
}

// Send writes a JSON frame to the agent. Safe for concurrent callers.
func (c *Connection) Send(ctx context.Context, frame any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, frame)
}

// Close closes the underlying channel with a status code and reason.
func (c *Connection) Close(code websocket.StatusCode, reason string) error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close(code, reason)
}

// StatusSuperseded is the close code sent to a connection that lost a
// race for the same agent_id to a newer registration.
const StatusSuperseded websocket.StatusCode = 4000

// Registry is the {agent_id -> live connection} map. Access is serialized
// by a single mutex held only for the O(1) map operation; sends happen
// outside the lock via Connection.Send.
type Registry struct {
	mu      sync.Mutex
	byID    map[string]*Connection
	metrics *otel.Metrics
}

func New() *Registry {
	return &Registry{byID: make(map[string]*Connection)}
}

// SetMetrics attaches the active-connection gauge; called once at startup
// after otel.Init produces a meter. A nil m disables the gauge update.
func (r *Registry) SetMetrics(m *otel.Metrics) {
	r.metrics = m
}

// Register installs conn as the live connection for agentID. If a prior
// connection exists it is closed with StatusSuperseded before being
// replaced, so two racing agent processes for the same agent_id can never
// both hold the map entry.
func (r *Registry) Register(agentID string, conn *Connection) {
	r.mu.Lock()
	prior := r.byID[agentID]
	r.byID[agentID] = conn
	r.mu.Unlock()

	if prior != nil {
		_ = prior.Close(StatusSuperseded, "superseded")
		return
	}
	if r.metrics != nil {
		r.metrics.ActiveConnections.Add(context.Background(), 1)
	}
}

// Remove clears the entry for agentID only if it is still exactly conn
// (compare-and-remove), so a stale disconnect handler cannot delete an
// entry a newer registration already replaced.
func (r *Registry) Remove(agentID string, conn *Connection) {
	r.mu.Lock()
	current, ok := r.byID[agentID]
	removed := ok && current == conn
	if removed {
		delete(r.byID, agentID)
	}
	r.mu.Unlock()

	if removed && r.metrics != nil {
		r.metrics.ActiveConnections.Add(context.Background(), -1)
	}
}

// Lookup returns the live connection for agentID, if any.
func (r *Registry) Lookup(agentID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[agentID]
	return c, ok
}

// Count returns the number of live connections. Used by cpctl doctor.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
