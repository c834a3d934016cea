package bridge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sourcebridge/sourcebridge/internal/relay"
	"github.com/sourcebridge/sourcebridge/internal/source"
)

// Invocation is one parsed command from a chat user.
type Invocation struct {
	ChannelID string
	GuildID   string
	AuthorID  string
	Args      []string
}

// CommandFunc executes one command and returns the user-facing reply.
type CommandFunc func(ctx context.Context, inv Invocation) string

// Commands is the explicit name → handler table built at startup.
type Commands struct {
	registry *Registry
	exchange *relay.Exchange
	monitor  *HealthMonitor
	factory  source.Factory
	store    BindingStore
	logger   *zap.Logger

	handlers map[string]CommandFunc
}

// NewCommands builds the command table. store may be nil.
func NewCommands(
	registry *Registry,
	exchange *relay.Exchange,
	monitor *HealthMonitor,
	factory source.Factory,
	store BindingStore,
	logger *zap.Logger,
) *Commands {
	c := &Commands{
		registry: registry,
		exchange: exchange,
		monitor:  monitor,
		factory:  factory,
		store:    store,
		logger:   logger,
	}
	c.handlers = map[string]CommandFunc{
		"connect":      c.connect,
		"disconnect":   c.disconnect,
		"close":        c.close,
		"retry":        c.retry,
		"enablerelay":  c.enableRelay,
		"disablerelay": c.disableRelay,
		"rcon":         c.rcon,
		"constring":    c.conString,
		"status":       c.status,
		"players":      c.players,
		"rules":        c.rules,
		"notify":       c.notify,
		"dontnotify":   c.dontNotify,
	}
	return c
}

// Lookup returns the handler registered under name.
func (c *Commands) Lookup(name string) (CommandFunc, bool) {
	fn, ok := c.handlers[strings.ToLower(name)]
	return fn, ok
}

func (c *Commands) bound(inv Invocation) (*Connection, string) {
	conn, err := c.registry.Get(inv.ChannelID)
	if err != nil {
		return nil, "This channel is not connected to a server. Use connect first."
	}
	return conn, ""
}

func (c *Commands) persist(ctx context.Context, conn *Connection) {
	if c.store == nil {
		return
	}
	if err := c.store.Save(ctx, conn.Snapshot()); err != nil {
		c.logger.Warn("persisting binding failed",
			zap.String("channel_id", conn.ChannelID()), zap.Error(err))
	}
}

func (c *Commands) connect(ctx context.Context, inv Invocation) string {
	if len(inv.Args) != 1 {
		return "Usage: connect <host:port>"
	}
	constr := inv.Args[0]
	if err := source.ValidateConStr(constr); err != nil {
		return fmt.Sprintf("`%s` is not a valid connection string.", constr)
	}

	client, err := c.factory(constr)
	if err != nil {
		c.logger.Warn("connect failed", zap.String("constr", constr), zap.Error(err))
		return fmt.Sprintf("Couldn't reach a server at `%s`.", constr)
	}

	conn := NewConnection(inv.ChannelID, inv.GuildID, client)
	switch err := c.registry.Bind(conn); err {
	case nil:
	case ErrChannelBound:
		client.Close()
		return "This channel is already connected to a server. Disconnect first."
	case ErrConStrBound:
		client.Close()
		return fmt.Sprintf("`%s` is already connected to another channel.", constr)
	default:
		client.Close()
		c.logger.Error("binding connection", zap.Error(err))
		return "Something went wrong connecting to that server."
	}
	c.persist(ctx, conn)
	return fmt.Sprintf("Connected this channel to `%s`.", constr)
}

func (c *Commands) disconnect(ctx context.Context, inv Invocation) string {
	conn, err := c.registry.Unbind(inv.ChannelID)
	if err != nil {
		return "This channel is not connected to a server."
	}
	if conn.RelayEnabled() {
		c.monitor.UnregisterRelay(conn)
	}
	if !conn.Client().IsClosed() {
		conn.Client().Close()
	}
	if c.store != nil {
		if err := c.store.Delete(ctx, inv.ChannelID); err != nil {
			c.logger.Warn("deleting binding failed",
				zap.String("channel_id", inv.ChannelID), zap.Error(err))
		}
	}
	return fmt.Sprintf("Disconnected from `%s`.", conn.ConStr())
}

func (c *Commands) close(ctx context.Context, inv Invocation) string {
	conn, msg := c.bound(inv)
	if conn == nil {
		return msg
	}
	if conn.Client().IsClosed() {
		return "The connection is already closed."
	}
	conn.Client().Close()
	// A user close is never auto-retried.
	conn.SetAutoClosed(false)
	if conn.RelayEnabled() {
		c.monitor.UnregisterRelay(conn)
	}
	c.persist(ctx, conn)
	return fmt.Sprintf("Closed the connection to `%s`. Use retry to reopen it.", conn.ConStr())
}

func (c *Commands) retry(ctx context.Context, inv Invocation) string {
	conn, msg := c.bound(inv)
	if conn == nil {
		return msg
	}
	if !conn.Client().IsClosed() {
		return "The connection is already open."
	}
	if err := conn.Client().Retry(); err != nil {
		c.logger.Warn("manual retry failed",
			zap.String("constr", conn.ConStr()), zap.Error(err))
		return fmt.Sprintf("`%s` is still not responding.", conn.ConStr())
	}
	conn.MarkHealthy()
	conn.SetAutoClosed(false)
	if conn.RelayEnabled() {
		c.monitor.RegisterRelay(conn)
	}
	c.persist(ctx, conn)
	return fmt.Sprintf("Reopened the connection to `%s`.", conn.ConStr())
}

func (c *Commands) enableRelay(ctx context.Context, inv Invocation) string {
	conn, msg := c.bound(inv)
	if conn == nil {
		return msg
	}
	if conn.RelayEnabled() {
		return "The relay is already enabled for this channel."
	}
	conn.SetRelayEnabled(true)
	if !conn.Client().IsClosed() {
		c.monitor.RegisterRelay(conn)
	}
	c.persist(ctx, conn)
	return "Relay enabled. In-game events will show up here."
}

func (c *Commands) disableRelay(ctx context.Context, inv Invocation) string {
	conn, msg := c.bound(inv)
	if conn == nil {
		return msg
	}
	if !conn.RelayEnabled() {
		return "The relay is not enabled for this channel."
	}
	conn.SetRelayEnabled(false)
	c.monitor.UnregisterRelay(conn)
	c.persist(ctx, conn)
	return "Relay disabled."
}

func (c *Commands) rcon(ctx context.Context, inv Invocation) string {
	conn, msg := c.bound(inv)
	if conn == nil {
		return msg
	}
	if len(inv.Args) == 0 {
		return "Usage: rcon <command>"
	}
	command := strings.Join(inv.Args, " ")
	if err := c.exchange.AddRCON(conn.ConStr(), command); err != nil {
		return "The relay is not enabled for this channel, so the command can't be delivered."
	}
	return fmt.Sprintf("Queued `%s` for the server.", command)
}

func (c *Commands) conString(_ context.Context, inv Invocation) string {
	conn, msg := c.bound(inv)
	if conn == nil {
		return msg
	}
	return fmt.Sprintf("This channel is connected to `%s`.", conn.ConStr())
}

func (c *Commands) status(_ context.Context, inv Invocation) string {
	conn, msg := c.bound(inv)
	if conn == nil {
		return msg
	}
	if conn.Client().IsClosed() {
		if conn.AutoClosed() {
			return fmt.Sprintf("`%s` is closed after repeated failures; it will be retried automatically.", conn.ConStr())
		}
		return fmt.Sprintf("`%s` is closed. Use retry to reopen it.", conn.ConStr())
	}

	latency, err := conn.Client().Ping()
	if err != nil {
		c.logger.Warn("status ping failed",
			zap.String("constr", conn.ConStr()), zap.Error(err))
		return fmt.Sprintf("`%s` is not responding right now.", conn.ConStr())
	}
	info, err := conn.Client().Info()
	if err != nil {
		c.logger.Warn("status info failed",
			zap.String("constr", conn.ConStr()), zap.Error(err))
		return fmt.Sprintf("`%s` answered the ping in %dms but refused the info query.",
			conn.ConStr(), latency.Milliseconds())
	}
	return fmt.Sprintf("**%s** on `%s`, %d/%d players, %dms",
		info.Name, info.Map, info.Players, info.MaxPlayers, latency.Milliseconds())
}

// maxRuleLines caps the rules reply so it stays within platform message
// limits.
const maxRuleLines = 25

func (c *Commands) players(_ context.Context, inv Invocation) string {
	conn, msg := c.bound(inv)
	if conn == nil {
		return msg
	}
	if conn.Client().IsClosed() {
		return fmt.Sprintf("`%s` is closed. Use retry to reopen it.", conn.ConStr())
	}
	players, err := conn.Client().Players()
	if err != nil {
		c.logger.Warn("player query failed",
			zap.String("constr", conn.ConStr()), zap.Error(err))
		return fmt.Sprintf("`%s` refused the player query.", conn.ConStr())
	}
	if len(players) == 0 {
		return "Nobody is playing right now."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d player(s) online:", len(players))
	for _, p := range players {
		fmt.Fprintf(&b, "\n`%s`: %d points, on for %s", p.Name, p.Score, p.Duration.Truncate(time.Second))
	}
	return b.String()
}

func (c *Commands) rules(_ context.Context, inv Invocation) string {
	conn, msg := c.bound(inv)
	if conn == nil {
		return msg
	}
	if conn.Client().IsClosed() {
		return fmt.Sprintf("`%s` is closed. Use retry to reopen it.", conn.ConStr())
	}
	rules, err := conn.Client().Rules()
	if err != nil {
		c.logger.Warn("rules query failed",
			zap.String("constr", conn.ConStr()), zap.Error(err))
		return fmt.Sprintf("`%s` refused the rules query.", conn.ConStr())
	}
	if len(rules) == 0 {
		return "The server reported no rules."
	}
	keys := make([]string, 0, len(rules))
	for k := range rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	shown := keys
	if len(shown) > maxRuleLines {
		shown = shown[:maxRuleLines]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d rule(s):", len(keys))
	for _, k := range shown {
		fmt.Fprintf(&b, "\n`%s` = `%s`", k, rules[k])
	}
	if rest := len(keys) - len(shown); rest > 0 {
		fmt.Fprintf(&b, "\nand %d more.", rest)
	}
	return b.String()
}

func (c *Commands) notify(ctx context.Context, inv Invocation) string {
	conn, msg := c.bound(inv)
	if conn == nil {
		return msg
	}
	if !conn.AddNotify(inv.AuthorID) {
		return "You're already on the outage notification list for this server."
	}
	c.persist(ctx, conn)
	return "You'll get a DM when this server goes down or comes back."
}

func (c *Commands) dontNotify(ctx context.Context, inv Invocation) string {
	conn, msg := c.bound(inv)
	if conn == nil {
		return msg
	}
	if !conn.RemoveNotify(inv.AuthorID) {
		return "You're not on the outage notification list for this server."
	}
	c.persist(ctx, conn)
	return "You won't be notified about this server anymore."
}
