// Package infopayload maintains per-guild denormalized snapshots (members,
// roles, emojis) pushed to game-server plugins for in-game display. Each
// guild's serialized form is cached behind a dirty flag; any mutation
// re-pushes the payload to every tenant subscribed to that guild.
package infopayload

import (
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Member is one chat-platform user as rendered in game.
type Member struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Nick    string `json:"nick,omitempty"`
	TopRole string `json:"topRole,omitempty"`
	Colour  string `json:"colour,omitempty"`
	Avatar  string `json:"avatar,omitempty"`
}

// Role is one chat-platform role.
type Role struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Colour   string `json:"colour,omitempty"`
	Position int    `json:"position"`
}

// Emoji is one custom emote asset.
type Emoji struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

type snapshot struct {
	Members []Member `json:"members"`
	Roles   []Role   `json:"roles"`
	Emojis  []Emoji  `json:"emojis"`
}

// Pusher delivers an encoded payload to one relay tenant.
type Pusher interface {
	SetInitPayload(constr, payload string) error
}

// Cache is the dirty-tracked payload cache. All methods are safe for
// concurrent use.
type Cache struct {
	mu      sync.Mutex
	members map[string]Member
	roles   map[string]Role
	emojis  map[string]Emoji

	dirty   bool
	encoded string

	pusher  Pusher
	constrs map[string]struct{}
	logger  *zap.Logger
}

// NewCache creates an empty cache that re-pushes through pusher.
func NewCache(pusher Pusher, logger *zap.Logger) *Cache {
	return &Cache{
		members: make(map[string]Member),
		roles:   make(map[string]Role),
		emojis:  make(map[string]Emoji),
		dirty:   true,
		pusher:  pusher,
		constrs: make(map[string]struct{}),
		logger:  logger,
	}
}

// Subscribe adds constr to the re-push set and immediately delivers the
// current payload to it.
func (c *Cache) Subscribe(constr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.constrs[constr] = struct{}{}
	c.pushTo(constr)
}

// Unsubscribe removes constr from the re-push set.
func (c *Cache) Unsubscribe(constr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.constrs, constr)
}

// Encode returns the serialized snapshot, recomputing only when a mutation
// occurred since the previous call.
func (c *Cache) Encode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encodeLocked()
}

func (c *Cache) encodeLocked() string {
	if !c.dirty {
		return c.encoded
	}

	snap := snapshot{
		Members: make([]Member, 0, len(c.members)),
		Roles:   make([]Role, 0, len(c.roles)),
		Emojis:  make([]Emoji, 0, len(c.emojis)),
	}
	for _, m := range c.members {
		snap.Members = append(snap.Members, m)
	}
	for _, r := range c.roles {
		snap.Roles = append(snap.Roles, r)
	}
	for _, e := range c.emojis {
		snap.Emojis = append(snap.Emojis, e)
	}
	sort.Slice(snap.Members, func(i, j int) bool { return snap.Members[i].ID < snap.Members[j].ID })
	sort.Slice(snap.Roles, func(i, j int) bool { return snap.Roles[i].ID < snap.Roles[j].ID })
	sort.Slice(snap.Emojis, func(i, j int) bool { return snap.Emojis[i].ID < snap.Emojis[j].ID })

	raw, err := json.Marshal(snap)
	if err != nil {
		c.logger.Error("encoding info payload", zap.Error(err))
		return c.encoded
	}
	c.encoded = string(raw)
	c.dirty = false
	return c.encoded
}

// pushTo delivers the current payload to one tenant. Caller must hold c.mu.
func (c *Cache) pushTo(constr string) {
	if err := c.pusher.SetInitPayload(constr, c.encodeLocked()); err != nil {
		c.logger.Debug("info payload push skipped",
			zap.String("constr", constr), zap.Error(err))
	}
}

// markAndPush flags the cache dirty and re-pushes to every subscriber.
// Caller must hold c.mu.
func (c *Cache) markAndPush() {
	c.dirty = true
	for constr := range c.constrs {
		c.pushTo(constr)
	}
}

// UpdateMember inserts or replaces a member.
func (c *Cache) UpdateMember(m Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members[m.ID] = m
	c.markAndPush()
}

// RemoveMember deletes a member by id.
func (c *Cache) RemoveMember(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.members, id)
	c.markAndPush()
}

// SetMembers replaces the whole member set.
func (c *Cache) SetMembers(members []Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members = make(map[string]Member, len(members))
	for _, m := range members {
		c.members[m.ID] = m
	}
	c.markAndPush()
}

// UpdateRole inserts or replaces a role.
func (c *Cache) UpdateRole(r Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roles[r.ID] = r
	c.markAndPush()
}

// RemoveRole deletes a role by id.
func (c *Cache) RemoveRole(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.roles, id)
	c.markAndPush()
}

// SetRoles replaces the whole role set.
func (c *Cache) SetRoles(roles []Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roles = make(map[string]Role, len(roles))
	for _, r := range roles {
		c.roles[r.ID] = r
	}
	c.markAndPush()
}

// UpdateEmoji inserts or replaces an emoji.
func (c *Cache) UpdateEmoji(e Emoji) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emojis[e.ID] = e
	c.markAndPush()
}

// RemoveEmoji deletes an emoji by id.
func (c *Cache) RemoveEmoji(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.emojis, id)
	c.markAndPush()
}

// SetEmojis replaces the whole emoji set.
func (c *Cache) SetEmojis(emojis []Emoji) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emojis = make(map[string]Emoji, len(emojis))
	for _, e := range emojis {
		c.emojis[e.ID] = e
	}
	c.markAndPush()
}
