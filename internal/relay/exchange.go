// Package relay implements the multi-tenant HTTP exchange point between the
// chat platform and game-server plugins. Each tenant is keyed by its
// connection string ("host:port") and owns an isolated pair of queue sets:
// outbound (chat and rcon awaiting the plugin's long-poll) and inbound (chat,
// joins, leaves, deaths, custom bodies awaiting the fanout drain).
package relay

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrConStrExists is returned when registering a connection string twice.
var ErrConStrExists = errors.New("connection string already registered")

// ErrUnknownConStr is returned for operations on an unregistered tenant.
var ErrUnknownConStr = errors.New("unknown connection string")

// OutboundBatch is one long-poll delivery to a game-server plugin.
type OutboundBatch struct {
	Chat []ChatMessage `json:"chat"`
	RCON []string      `json:"rcon"`
}

// Empty reports whether the batch carries no events.
func (b OutboundBatch) Empty() bool {
	return len(b.Chat) == 0 && len(b.RCON) == 0
}

// bucket holds the per-tenant queues and cached info payload.
//
// Invariant: wake is non-nil while the bucket is live; it is closed and
// replaced whenever new outbound data or an unreported dirty payload arrives.
// done is closed exactly once, on bucket removal.
type bucket struct {
	mu sync.Mutex

	outbound OutboundBatch

	inChat   []InboundMessage
	inJoins  []string
	inLeaves []string
	inDeaths []DeathEvent
	inCustom []string

	initPayload   string
	dirty         bool
	dirtyReported bool

	wake chan struct{}
	done chan struct{}
}

// signal wakes every suspended long-poll for this bucket.
// Caller must hold b.mu.
func (b *bucket) signal() {
	close(b.wake)
	b.wake = make(chan struct{})
}

// Exchange is the registry of relay tenants. All methods are safe for
// concurrent use; operations on distinct connection strings never contend
// beyond the registry map itself.
type Exchange struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

// NewExchange creates an empty Exchange.
func NewExchange() *Exchange {
	return &Exchange{
		buckets: make(map[string]*bucket),
	}
}

func (e *Exchange) bucket(constr string) (*bucket, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.buckets[constr]
	if !ok {
		return nil, ErrUnknownConStr
	}
	return b, nil
}

// AddConStr registers a tenant, creating its empty queues.
//
// Postcondition: Returns ErrConStrExists if constr is already registered;
// existing state is never reset by a duplicate registration.
func (e *Exchange) AddConStr(constr string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.buckets[constr]; ok {
		return ErrConStrExists
	}
	e.buckets[constr] = &bucket{
		wake: make(chan struct{}),
		done: make(chan struct{}),
	}
	return nil
}

// RemoveConStr destroys a tenant's queues. Any long-poll suspended on the
// tenant is released promptly.
func (e *Exchange) RemoveConStr(constr string) error {
	e.mu.Lock()
	b, ok := e.buckets[constr]
	if ok {
		delete(e.buckets, constr)
	}
	e.mu.Unlock()
	if !ok {
		return ErrUnknownConStr
	}

	b.mu.Lock()
	close(b.done)
	b.mu.Unlock()
	return nil
}

// IsConStrAdded reports whether constr is a registered tenant.
func (e *Exchange) IsConStrAdded(constr string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.buckets[constr]
	return ok
}

// ConStrs returns a snapshot of all registered connection strings.
func (e *Exchange) ConStrs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.buckets))
	for constr := range e.buckets {
		out = append(out, constr)
	}
	return out
}

// SetInitPayload replaces the cached info blob for constr and marks it dirty
// for delivery. A later push before the previous one was fetched simply
// replaces the content; the plugin is told at most once per dirty period.
func (e *Exchange) SetInitPayload(constr, payload string) error {
	b, err := e.bucket(constr)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initPayload = payload
	b.dirty = true
	b.dirtyReported = false
	b.signal()
	return nil
}

// ConsumeInitPayload returns the cached payload if it is dirty, clearing the
// dirty flag. The second return is false when there is nothing to deliver.
func (e *Exchange) ConsumeInitPayload(constr string) (string, bool, error) {
	b, err := e.bucket(constr)
	if err != nil {
		return "", false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dirty {
		return "", false, nil
	}
	b.dirty = false
	b.dirtyReported = false
	return b.initPayload, true, nil
}

// AddMessage enqueues a chat message for delivery to the game server.
// Never blocks.
func (e *Exchange) AddMessage(constr string, msg ChatMessage) error {
	b, err := e.bucket(constr)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outbound.Chat = append(b.outbound.Chat, msg)
	b.signal()
	return nil
}

// AddRCON enqueues a console command for delivery to the game server.
// Never blocks.
func (e *Exchange) AddRCON(constr, command string) error {
	b, err := e.bucket(constr)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outbound.RCON = append(b.outbound.RCON, command)
	b.signal()
	return nil
}

// takeOutbound atomically drains the outbound queues and reports whether the
// info payload is dirty. The dirty report is delivered at most once per dirty
// period so an idle long-poll does not spin on an unfetched payload.
func (b *bucket) takeOutbound() (OutboundBatch, bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dirtyToReport := b.dirty && !b.dirtyReported
	if b.outbound.Empty() && !dirtyToReport {
		return OutboundBatch{}, false, false
	}

	batch := b.outbound
	b.outbound = OutboundBatch{}
	if dirtyToReport {
		b.dirtyReported = true
	}
	return batch, dirtyToReport, true
}

// WaitOutbound suspends until outbound data (or an unreported dirty payload)
// exists for constr, the timeout elapses, or ctx is cancelled. The third
// return is false on timeout. Removal of the tenant while suspended returns
// ErrUnknownConStr promptly.
func (e *Exchange) WaitOutbound(ctx context.Context, constr string, timeout time.Duration) (OutboundBatch, bool, bool, error) {
	b, err := e.bucket(constr)
	if err != nil {
		return OutboundBatch{}, false, false, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		select {
		case <-b.done:
			b.mu.Unlock()
			return OutboundBatch{}, false, false, ErrUnknownConStr
		default:
		}
		wake := b.wake
		b.mu.Unlock()

		if batch, dirty, ok := b.takeOutbound(); ok {
			return batch, dirty, true, nil
		}

		select {
		case <-wake:
		case <-b.done:
			return OutboundBatch{}, false, false, ErrUnknownConStr
		case <-deadline.C:
			return OutboundBatch{}, false, false, nil
		case <-ctx.Done():
			return OutboundBatch{}, false, false, ctx.Err()
		}
	}
}

// PushInbound applies a validated batch of inbound events atomically.
// Joins and leaves keep their per-queue FIFO order.
func (e *Exchange) PushInbound(constr string, batch []InboundEvent) error {
	b, err := e.bucket(constr)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range batch {
		switch ev.Kind {
		case EventMessage:
			b.inChat = append(b.inChat, ev.Message)
		case EventJoin:
			b.inJoins = append(b.inJoins, ev.Name)
		case EventLeave:
			b.inLeaves = append(b.inLeaves, ev.Name)
		case EventDeath:
			b.inDeaths = append(b.inDeaths, ev.Death)
		case EventCustom:
			b.inCustom = append(b.inCustom, ev.Body)
		}
	}
	return nil
}

// Messages drains the inbound chat queue: exactly the messages pushed since
// the previous drain, in insertion order, exactly once.
func (e *Exchange) Messages(constr string) ([]InboundMessage, error) {
	b, err := e.bucket(constr)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.inChat
	b.inChat = nil
	return msgs, nil
}

// JoinsAndLeaves drains both the join and leave queues in one atomic step.
// Callers must surface joins before leaves so a join-then-leave within one
// drain window never renders in the wrong order.
func (e *Exchange) JoinsAndLeaves(constr string) ([]string, []string, error) {
	b, err := e.bucket(constr)
	if err != nil {
		return nil, nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	joins, leaves := b.inJoins, b.inLeaves
	b.inJoins, b.inLeaves = nil, nil
	return joins, leaves, nil
}

// Deaths drains the inbound death queue.
func (e *Exchange) Deaths(constr string) ([]DeathEvent, error) {
	b, err := e.bucket(constr)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	deaths := b.inDeaths
	b.inDeaths = nil
	return deaths, nil
}

// Custom drains the inbound custom-body queue.
func (e *Exchange) Custom(constr string) ([]string, error) {
	b, err := e.bucket(constr)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bodies := b.inCustom
	b.inCustom = nil
	return bodies, nil
}
