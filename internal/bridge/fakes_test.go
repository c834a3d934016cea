package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcebridge/sourcebridge/internal/platform"
	"github.com/sourcebridge/sourcebridge/internal/source"
)

// fakeClient is a scriptable source.Client.
type fakeClient struct {
	mu       sync.Mutex
	constr   string
	closed   bool
	pingErr  error
	retryErr error
	info     source.ServerInfo
	players  []source.Player
	rules    map[string]string
	queryErr error

	pings   int
	retries int
}

func newFakeClient(constr string) *fakeClient {
	return &fakeClient{constr: constr}
}

func (c *fakeClient) ConStr() string { return c.constr }

func (c *fakeClient) Ping() (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	if c.pingErr != nil {
		return 0, c.pingErr
	}
	return 10 * time.Millisecond, nil
}

func (c *fakeClient) Info() (source.ServerInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info, nil
}

func (c *fakeClient) Players() ([]source.Player, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queryErr != nil {
		return nil, c.queryErr
	}
	return c.players, nil
}

func (c *fakeClient) Rules() (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queryErr != nil {
		return nil, c.queryErr
	}
	return c.rules, nil
}

func (c *fakeClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeClient) Retry() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries++
	if c.retryErr != nil {
		return c.retryErr
	}
	c.closed = false
	return nil
}

func (c *fakeClient) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) setPingErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

func (c *fakeClient) setRetryErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryErr = err
}

func (c *fakeClient) retryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// fakeNotifier records DMs and can mark users unresolvable.
type fakeNotifier struct {
	mu           sync.Mutex
	sent         map[string][]string
	unresolvable map[string]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		sent:         make(map[string][]string),
		unresolvable: make(map[string]bool),
	}
}

func (n *fakeNotifier) NotifyUser(_ context.Context, userID, content string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.unresolvable[userID] {
		return platform.ErrUnresolvableRecipient
	}
	n.sent[userID] = append(n.sent[userID], content)
	return nil
}

func (n *fakeNotifier) sentTo(userID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent[userID]...)
}

type postRecord struct {
	channelID string
	content   string
}

// fakePoster implements Poster and, through extra methods, the whole
// platform.ChatPlatform.
type fakePoster struct {
	mu     sync.Mutex
	posts  []postRecord
	edits  map[string]string
	nextID int
}

func newFakePoster() *fakePoster {
	return &fakePoster{edits: make(map[string]string)}
}

func (p *fakePoster) Post(_ context.Context, channelID, content string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.posts = append(p.posts, postRecord{channelID: channelID, content: content})
	return fmt.Sprintf("msg-%d", p.nextID), nil
}

func (p *fakePoster) Edit(_ context.Context, _, messageID, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.edits[messageID] = content
	return nil
}

func (p *fakePoster) NotifyUser(context.Context, string, string) error { return nil }

func (p *fakePoster) ResolveMember(context.Context, string) (platform.Member, error) {
	return platform.Member{}, errors.New("not implemented")
}

func (p *fakePoster) OnMessage(platform.MessageHandler) {}

func (p *fakePoster) contents() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.posts))
	for i, rec := range p.posts {
		out[i] = rec.content
	}
	return out
}
