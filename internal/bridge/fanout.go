package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sourcebridge/sourcebridge/internal/config"
	"github.com/sourcebridge/sourcebridge/internal/format"
	"github.com/sourcebridge/sourcebridge/internal/relay"
)

// continuationWindow bounds how old the previous post may be for a chat line
// from the same speaker to be merged into it.
const continuationWindow = 420 * time.Second

// Poster is the channel-posting surface the fanout needs from the platform.
type Poster interface {
	Post(ctx context.Context, channelID, content string) (string, error)
	Edit(ctx context.Context, channelID, messageID, content string) error
}

type lastPost struct {
	messageID string
	authorKey string
	content   string
	at        time.Time
}

// EventFanout drains every relay-enabled connection's inbound queues on a
// fast fixed tick and renders the events into the bound chat channel.
// Consecutive chat lines from the same in-game speaker are appended to the
// previous post while it is recent and nothing intervened.
//
// It implements server.Service.
type EventFanout struct {
	registry *Registry
	exchange *relay.Exchange
	poster   Poster
	formats  format.Formats
	rng      format.Source
	logger   *zap.Logger

	interval time.Duration
	now      func() time.Time

	last map[string]lastPost

	done chan struct{}
}

// NewEventFanout creates a fanout over registry.
func NewEventFanout(
	cfg config.RelayConfig,
	registry *Registry,
	exchange *relay.Exchange,
	poster Poster,
	formats format.Formats,
	rng format.Source,
	logger *zap.Logger,
) *EventFanout {
	return &EventFanout{
		registry: registry,
		exchange: exchange,
		poster:   poster,
		formats:  formats,
		rng:      rng,
		logger:   logger,
		interval: cfg.DrainInterval,
		now:      time.Now,
		last:     make(map[string]lastPost),
		done:     make(chan struct{}),
	}
}

// Start runs the drain loop until Stop. Blocks.
func (f *EventFanout) Start() error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.Tick(context.Background())
		case <-f.done:
			return nil
		}
	}
}

// Stop terminates the drain loop.
func (f *EventFanout) Stop() {
	close(f.done)
}

// Tick drains every relay-enabled, non-closed connection once.
func (f *EventFanout) Tick(ctx context.Context) {
	for _, conn := range f.registry.All() {
		if !conn.RelayEnabled() || conn.Client().IsClosed() {
			continue
		}
		f.drain(ctx, conn)
	}
}

func (f *EventFanout) drain(ctx context.Context, conn *Connection) {
	constr := conn.ConStr()
	channelID := conn.ChannelID()
	logger := f.logger.With(zap.String("constr", constr))

	msgs, err := f.exchange.Messages(constr)
	if err != nil {
		logger.Debug("draining chat skipped", zap.Error(err))
		return
	}
	for _, msg := range msgs {
		f.postChat(ctx, channelID, constr, msg.Name, renderChat(msg), logger)
	}

	bodies, err := f.exchange.Custom(constr)
	if err != nil {
		logger.Debug("draining custom skipped", zap.Error(err))
		return
	}
	for _, body := range bodies {
		if strings.TrimSpace(body) == "" {
			continue
		}
		f.post(ctx, channelID, body, logger)
	}

	deaths, err := f.exchange.Deaths(constr)
	if err != nil {
		logger.Debug("draining deaths skipped", zap.Error(err))
		return
	}
	for _, d := range deaths {
		line := f.formats.RenderDeath(f.rng, d.Victim, d.Inflictor, d.Attacker, d.Suicide, d.NoWeapon)
		f.post(ctx, channelID, line, logger)
	}

	joins, leaves, err := f.exchange.JoinsAndLeaves(constr)
	if err != nil {
		logger.Debug("draining joins and leaves skipped", zap.Error(err))
		return
	}
	// Joins always render before leaves from the same drain window.
	for _, name := range joins {
		f.post(ctx, channelID, f.formats.RenderJoin(f.rng, name), logger)
	}
	for _, name := range leaves {
		f.post(ctx, channelID, f.formats.RenderLeave(f.rng, name), logger)
	}
}

func renderChat(msg relay.InboundMessage) string {
	if msg.TeamName != "" {
		return fmt.Sprintf("**%s** (%s): %s", msg.Name, msg.TeamName, msg.Message)
	}
	return fmt.Sprintf("**%s**: %s", msg.Name, msg.Message)
}

// postChat posts a chat line, appending to the previous post when the same
// speaker posted it recently and nothing else has been posted since.
func (f *EventFanout) postChat(ctx context.Context, channelID, constr, speaker, line string, logger *zap.Logger) {
	key := constr + "\x00" + speaker
	lp, ok := f.last[channelID]
	if ok && lp.authorKey == key && f.now().Sub(lp.at) <= continuationWindow {
		merged := lp.content + "\n" + line
		if err := f.poster.Edit(ctx, channelID, lp.messageID, merged); err == nil {
			f.last[channelID] = lastPost{
				messageID: lp.messageID,
				authorKey: key,
				content:   merged,
				at:        f.now(),
			}
			return
		}
		logger.Debug("continuation edit failed, posting fresh",
			zap.String("channel_id", channelID))
	}

	id, err := f.poster.Post(ctx, channelID, line)
	if err != nil {
		logger.Warn("posting chat line failed", zap.Error(err))
		return
	}
	f.last[channelID] = lastPost{messageID: id, authorKey: key, content: line, at: f.now()}
}

// post publishes a non-chat line, which also breaks any continuation run.
func (f *EventFanout) post(ctx context.Context, channelID, line string, logger *zap.Logger) {
	id, err := f.poster.Post(ctx, channelID, line)
	if err != nil {
		logger.Warn("posting event failed", zap.Error(err))
		return
	}
	f.last[channelID] = lastPost{messageID: id, content: line, at: f.now()}
}
