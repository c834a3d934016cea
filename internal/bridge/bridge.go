package bridge

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/sourcebridge/sourcebridge/internal/platform"
	"github.com/sourcebridge/sourcebridge/internal/relay"
)

// Bridge routes inbound chat-platform messages: prefixed messages go through
// the command table, everything else in a relay-enabled channel is forwarded
// to the bound game server.
type Bridge struct {
	prefix   string
	commands *Commands
	registry *Registry
	exchange *relay.Exchange
	chat     platform.ChatPlatform
	logger   *zap.Logger
}

// NewBridge wires the message router.
func NewBridge(
	prefix string,
	commands *Commands,
	registry *Registry,
	exchange *relay.Exchange,
	chat platform.ChatPlatform,
	logger *zap.Logger,
) *Bridge {
	return &Bridge{
		prefix:   prefix,
		commands: commands,
		registry: registry,
		exchange: exchange,
		chat:     chat,
		logger:   logger,
	}
}

// HandleMessage is registered as the platform's message handler.
func (b *Bridge) HandleMessage(ctx context.Context, msg platform.Message) {
	if msg.FromBot {
		return
	}
	if strings.HasPrefix(msg.Content, b.prefix) {
		b.dispatch(ctx, msg)
		return
	}
	b.forward(msg)
}

func (b *Bridge) dispatch(ctx context.Context, msg platform.Message) {
	fields := strings.Fields(strings.TrimPrefix(msg.Content, b.prefix))
	if len(fields) == 0 {
		return
	}
	handler, ok := b.commands.Lookup(fields[0])
	if !ok {
		return
	}

	reply := handler(ctx, Invocation{
		ChannelID: msg.ChannelID,
		GuildID:   msg.GuildID,
		AuthorID:  msg.AuthorID,
		Args:      fields[1:],
	})
	if reply == "" {
		return
	}
	if _, err := b.chat.Post(ctx, msg.ChannelID, reply); err != nil {
		b.logger.Warn("posting command reply failed",
			zap.String("channel_id", msg.ChannelID), zap.Error(err))
	}
}

// forward pushes a plain chat message to the game server bound to its
// channel, if any.
func (b *Bridge) forward(msg platform.Message) {
	conn, err := b.registry.Get(msg.ChannelID)
	if err != nil {
		return
	}
	if !conn.RelayEnabled() || conn.Client().IsClosed() {
		return
	}
	err = b.exchange.AddMessage(conn.ConStr(), relay.ChatMessage{
		Name:    msg.AuthorName,
		Content: msg.Content,
		Colour:  msg.AuthorColour,
		Role:    msg.TopRole,
		Clean:   msg.CleanContent,
	})
	if err != nil {
		b.logger.Debug("forwarding chat failed",
			zap.String("constr", conn.ConStr()), zap.Error(err))
	}
}
