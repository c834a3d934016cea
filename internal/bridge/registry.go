// Package bridge holds the core that ties a chat platform to game servers:
// the per-channel connection registry, the health monitor, the event fanout
// and the user-facing command table.
package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/sourcebridge/sourcebridge/internal/source"
)

var (
	// ErrChannelBound is returned when binding a channel that already has
	// a connection.
	ErrChannelBound = errors.New("channel already bound to a server")

	// ErrConStrBound is returned when binding a connection string that is
	// already bound elsewhere.
	ErrConStrBound = errors.New("server already bound to a channel")

	// ErrNotBound is returned for operations on an unbound channel.
	ErrNotBound = errors.New("channel not bound to a server")
)

// healthySentinel is the consecutive-failure counter value of a connection
// whose last ping succeeded.
const healthySentinel = -1

// Connection is the bridge state for one channel ↔ game-server binding.
// Mutating accessors are safe for concurrent use.
type Connection struct {
	mu sync.Mutex

	channelID string
	guildID   string
	client    source.Client

	relayEnabled  bool
	toNotify      []string
	timeSinceDown int
	autoClosed    bool
}

// NewConnection binds client to channelID with a healthy counter and relay
// disabled. guildID is the guild the channel lives in; it selects the info
// payload pushed to the server.
func NewConnection(channelID, guildID string, client source.Client) *Connection {
	return &Connection{
		channelID:     channelID,
		guildID:       guildID,
		client:        client,
		timeSinceDown: healthySentinel,
	}
}

// ChannelID returns the bound chat channel.
func (c *Connection) ChannelID() string { return c.channelID }

// GuildID returns the guild of the bound channel.
func (c *Connection) GuildID() string { return c.guildID }

// Client returns the game-server client.
func (c *Connection) Client() source.Client { return c.client }

// ConStr returns the connection string of the bound game server.
func (c *Connection) ConStr() string { return c.client.ConStr() }

// RelayEnabled reports whether the relay is active for this connection.
func (c *Connection) RelayEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.relayEnabled
}

// SetRelayEnabled toggles relay participation.
func (c *Connection) SetRelayEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relayEnabled = enabled
}

// ToNotify returns a copy of the outage notification recipient list.
func (c *Connection) ToNotify() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.toNotify))
	copy(out, c.toNotify)
	return out
}

// SetToNotify replaces the recipient list.
func (c *Connection) SetToNotify(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toNotify = make([]string, len(ids))
	copy(c.toNotify, ids)
}

// AddNotify appends userID to the recipient list. Reports false when the id
// was already present.
func (c *Connection) AddNotify(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.toNotify {
		if id == userID {
			return false
		}
	}
	c.toNotify = append(c.toNotify, userID)
	return true
}

// RemoveNotify drops userID from the recipient list. Reports false when the
// id was not present.
func (c *Connection) RemoveNotify(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, id := range c.toNotify {
		if id == userID {
			c.toNotify = append(c.toNotify[:i], c.toNotify[i+1:]...)
			return true
		}
	}
	return false
}

// TimeSinceDown returns the raw failure counter (-1 when healthy).
func (c *Connection) TimeSinceDown() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeSinceDown
}

// SetTimeSinceDown sets the raw failure counter.
func (c *Connection) SetTimeSinceDown(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeSinceDown = n
}

// MarkHealthy resets the failure counter to the healthy sentinel.
func (c *Connection) MarkHealthy() {
	c.SetTimeSinceDown(healthySentinel)
}

// RecordFailure bumps the failure counter and returns the number of
// consecutive failed ticks including this one.
func (c *Connection) RecordFailure() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeSinceDown++
	return c.timeSinceDown + 1
}

// AutoClosed reports whether the health monitor closed this connection.
func (c *Connection) AutoClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoClosed
}

// SetAutoClosed marks or clears monitor ownership of the closed state.
func (c *Connection) SetAutoClosed(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoClosed = v
}

// Binding is the persistable snapshot of a connection.
type Binding struct {
	ChannelID     string
	GuildID       string
	ConStr        string
	RelayEnabled  bool
	ToNotify      []string
	TimeSinceDown int
}

// Snapshot captures the connection's persistable state.
func (c *Connection) Snapshot() Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	toNotify := make([]string, len(c.toNotify))
	copy(toNotify, c.toNotify)
	return Binding{
		ChannelID:     c.channelID,
		GuildID:       c.guildID,
		ConStr:        c.client.ConStr(),
		RelayEnabled:  c.relayEnabled,
		ToNotify:      toNotify,
		TimeSinceDown: c.timeSinceDown,
	}
}

// BindingStore persists channel bindings across restarts.
type BindingStore interface {
	Save(ctx context.Context, b Binding) error
	Delete(ctx context.Context, channelID string) error
	List(ctx context.Context) ([]Binding, error)
}

// Registry tracks all live connections, keyed by channel. A game server may
// be bound to at most one channel at a time.
type Registry struct {
	mu        sync.RWMutex
	byChannel map[string]*Connection
	byConStr  map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byChannel: make(map[string]*Connection),
		byConStr:  make(map[string]string),
	}
}

// Bind registers a new connection.
//
// Postcondition: returns ErrChannelBound or ErrConStrBound on conflict and
// leaves existing bindings untouched.
func (r *Registry) Bind(conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byChannel[conn.ChannelID()]; ok {
		return ErrChannelBound
	}
	if _, ok := r.byConStr[conn.ConStr()]; ok {
		return ErrConStrBound
	}
	r.byChannel[conn.ChannelID()] = conn
	r.byConStr[conn.ConStr()] = conn.ChannelID()
	return nil
}

// Unbind removes the connection bound to channelID and returns it.
func (r *Registry) Unbind(channelID string) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.byChannel[channelID]
	if !ok {
		return nil, ErrNotBound
	}
	delete(r.byChannel, channelID)
	delete(r.byConStr, conn.ConStr())
	return conn, nil
}

// Get returns the connection bound to channelID.
func (r *Registry) Get(channelID string) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byChannel[channelID]
	if !ok {
		return nil, ErrNotBound
	}
	return conn, nil
}

// ByConStr returns the connection bound to a connection string.
func (r *Registry) ByConStr(constr string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	channelID, ok := r.byConStr[constr]
	if !ok {
		return nil, false
	}
	return r.byChannel[channelID], true
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.byChannel))
	for _, conn := range r.byChannel {
		out = append(out, conn)
	}
	return out
}
