package source

import (
	"fmt"
	"sync"
	"time"

	"github.com/rumblefrog/go-a2s"
)

// a2sClient adapts a go-a2s query client to the Client interface.
//
// Invariant: inner is non-nil iff closed is false.
type a2sClient struct {
	constr  string
	timeout time.Duration

	mu     sync.Mutex
	inner  *a2s.Client
	closed bool
}

// NewA2SFactory returns a Factory producing go-a2s backed clients with the
// given per-query timeout. The factory verifies reachability with an initial
// info query, so a client only exists for a server that answered at least once.
func NewA2SFactory(timeout time.Duration) Factory {
	return func(constr string) (Client, error) {
		if err := ValidateConStr(constr); err != nil {
			return nil, err
		}
		c := &a2sClient{constr: constr, timeout: timeout, closed: true}
		if err := c.Retry(); err != nil {
			return nil, err
		}
		return c, nil
	}
}

func (c *a2sClient) ConStr() string { return c.constr }

func (c *a2sClient) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Ping times an info query. The A2S protocol's dedicated ping packet is
// deprecated by Valve, so latency is measured on the info exchange instead.
func (c *a2sClient) Ping() (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	start := time.Now()
	if _, err := c.inner.QueryInfo(); err != nil {
		return 0, fmt.Errorf("pinging %s: %w", c.constr, err)
	}
	return time.Since(start), nil
}

func (c *a2sClient) Info() (ServerInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ServerInfo{}, ErrClosed
	}
	raw, err := c.inner.QueryInfo()
	if err != nil {
		return ServerInfo{}, fmt.Errorf("querying info for %s: %w", c.constr, err)
	}

	info := ServerInfo{
		Name:       raw.Name,
		Map:        raw.Map,
		Game:       raw.Game,
		Players:    int(raw.Players),
		MaxPlayers: int(raw.MaxPlayers),
		Bots:       int(raw.Bots),
		VAC:        raw.VAC,
		Passworded: raw.Visibility,
	}
	if raw.ExtendedServerInfo != nil {
		info.Keywords = raw.ExtendedServerInfo.Keywords
	}
	return info, nil
}

func (c *a2sClient) Players() ([]Player, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	raw, err := c.inner.QueryPlayer()
	if err != nil {
		return nil, fmt.Errorf("querying players for %s: %w", c.constr, err)
	}

	players := make([]Player, 0, len(raw.Players))
	for _, p := range raw.Players {
		players = append(players, Player{
			Name:     p.Name,
			Score:    int(p.Score),
			Duration: time.Duration(p.Duration) * time.Second,
		})
	}
	return players, nil
}

func (c *a2sClient) Rules() (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	raw, err := c.inner.QueryRules()
	if err != nil {
		return nil, fmt.Errorf("querying rules for %s: %w", c.constr, err)
	}
	return raw.Rules, nil
}

func (c *a2sClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.inner.Close()
	c.inner = nil
	c.closed = true
}

func (c *a2sClient) Retry() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		return nil
	}

	inner, err := a2s.NewClient(c.constr, a2s.TimeoutOption(c.timeout))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.constr, err)
	}
	// A UDP "connection" succeeds even with no server behind it; verify with
	// a real query before declaring the client open.
	if _, err := inner.QueryInfo(); err != nil {
		inner.Close()
		return fmt.Errorf("verifying %s: %w", c.constr, err)
	}

	c.inner = inner
	c.closed = false
	return nil
}
