package infopayload

import (
	"sync"

	"go.uber.org/zap"
)

// Registry keys one Cache per chat-platform guild. A relay tenant receives
// the payload of exactly one guild, the guild its bound channel lives in.
type Registry struct {
	mu      sync.Mutex
	pusher  Pusher
	logger  *zap.Logger
	guilds  map[string]*Cache
	tenants map[string]string
}

// NewRegistry creates an empty registry that re-pushes through pusher.
func NewRegistry(pusher Pusher, logger *zap.Logger) *Registry {
	return &Registry{
		pusher:  pusher,
		logger:  logger,
		guilds:  make(map[string]*Cache),
		tenants: make(map[string]string),
	}
}

// Guild returns the cache for guildID, creating it on first use.
func (r *Registry) Guild(guildID string) *Cache {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.guildLocked(guildID)
}

func (r *Registry) guildLocked(guildID string) *Cache {
	cache, ok := r.guilds[guildID]
	if !ok {
		cache = NewCache(r.pusher, r.logger.With(zap.String("guild_id", guildID)))
		r.guilds[guildID] = cache
	}
	return cache
}

// Subscribe binds constr to guildID's cache and immediately delivers its
// current payload. A constr subscribes to at most one guild; subscribing it
// under a different guild moves it.
func (r *Registry) Subscribe(guildID, constr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.tenants[constr]; ok && prev != guildID {
		r.guilds[prev].Unsubscribe(constr)
	}
	r.tenants[constr] = guildID
	r.guildLocked(guildID).Subscribe(constr)
}

// Unsubscribe removes constr from whichever guild cache it subscribed to.
// Unknown constrs are a no-op.
func (r *Registry) Unsubscribe(constr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	guildID, ok := r.tenants[constr]
	if !ok {
		return
	}
	delete(r.tenants, constr)
	r.guilds[guildID].Unsubscribe(constr)
}
