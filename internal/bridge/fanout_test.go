package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sourcebridge/sourcebridge/internal/config"
	"github.com/sourcebridge/sourcebridge/internal/format"
	"github.com/sourcebridge/sourcebridge/internal/relay"
)

type seqSource struct{ n int }

func (s *seqSource) Intn(int) int { return s.n }

type fanoutFixture struct {
	fanout   *EventFanout
	exchange *relay.Exchange
	poster   *fakePoster
	conn     *Connection
	clock    time.Time
}

func newFanoutFixture(t *testing.T) *fanoutFixture {
	t.Helper()
	registry := NewRegistry()
	exchange := relay.NewExchange()
	poster := newFakePoster()

	conn := NewConnection("chan-1", "guild-1", newFakeClient("192.168.1.10:27015"))
	conn.SetRelayEnabled(true)
	require.NoError(t, registry.Bind(conn))
	require.NoError(t, exchange.AddConStr(conn.ConStr()))

	f := &fanoutFixture{
		exchange: exchange,
		poster:   poster,
		conn:     conn,
		clock:    time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	f.fanout = NewEventFanout(
		config.RelayConfig{DrainInterval: 100 * time.Millisecond},
		registry, exchange, poster, format.Defaults(), &seqSource{}, zap.NewNop(),
	)
	f.fanout.now = func() time.Time { return f.clock }
	return f
}

func (f *fanoutFixture) push(t *testing.T, events ...relay.InboundEvent) {
	t.Helper()
	require.NoError(t, f.exchange.PushInbound(f.conn.ConStr(), events))
}

func TestFanoutJoinsBeforeLeaves(t *testing.T) {
	f := newFanoutFixture(t)
	f.push(t,
		relay.InboundEvent{Kind: relay.EventLeave, Name: "Alice"},
		relay.InboundEvent{Kind: relay.EventJoin, Name: "Alice"},
	)

	f.fanout.Tick(context.Background())

	posts := f.poster.contents()
	require.Len(t, posts, 2)
	assert.Equal(t, "`Alice` just joined the server!", posts[0])
	assert.Equal(t, "`Alice` just left the server", posts[1])
}

func TestFanoutDropsBlankCustomBodies(t *testing.T) {
	f := newFanoutFixture(t)
	f.push(t,
		relay.InboundEvent{Kind: relay.EventCustom, Body: "  \t\n"},
		relay.InboundEvent{Kind: relay.EventCustom, Body: "round restarting"},
	)

	f.fanout.Tick(context.Background())

	assert.Equal(t, []string{"round restarting"}, f.poster.contents())
}

func TestFanoutDeathCategories(t *testing.T) {
	f := newFanoutFixture(t)
	f.push(t,
		relay.InboundEvent{Kind: relay.EventDeath, Death: relay.DeathEvent{
			Victim: "Alice", Inflictor: "grenade", Attacker: "Bob",
		}},
		relay.InboundEvent{Kind: relay.EventDeath, Death: relay.DeathEvent{
			Victim: "Alice", Attacker: "Bob", NoWeapon: true,
		}},
		relay.InboundEvent{Kind: relay.EventDeath, Death: relay.DeathEvent{
			Victim: "Alice", Inflictor: "grenade", Suicide: true,
		}},
		relay.InboundEvent{Kind: relay.EventDeath, Death: relay.DeathEvent{
			Victim: "Alice", Suicide: true, NoWeapon: true,
		}},
	)

	f.fanout.Tick(context.Background())

	assert.Equal(t, []string{
		"`Bob` killed `Alice` with `grenade`",
		"`Bob` killed `Alice`",
		"`Alice` killed themselves with `grenade`",
		"`Alice` killed themselves",
	}, f.poster.contents())
}

func TestFanoutChatContinuationMerges(t *testing.T) {
	f := newFanoutFixture(t)
	f.push(t, relay.InboundEvent{Kind: relay.EventMessage, Message: relay.InboundMessage{
		Name: "Alice", Message: "first",
	}})
	f.fanout.Tick(context.Background())

	f.clock = f.clock.Add(time.Minute)
	f.push(t, relay.InboundEvent{Kind: relay.EventMessage, Message: relay.InboundMessage{
		Name: "Alice", Message: "second",
	}})
	f.fanout.Tick(context.Background())

	require.Len(t, f.poster.contents(), 1)
	assert.Equal(t, "**Alice**: first\n**Alice**: second", f.poster.edits["msg-1"])
}

func TestFanoutContinuationExpires(t *testing.T) {
	f := newFanoutFixture(t)
	f.push(t, relay.InboundEvent{Kind: relay.EventMessage, Message: relay.InboundMessage{
		Name: "Alice", Message: "first",
	}})
	f.fanout.Tick(context.Background())

	f.clock = f.clock.Add(continuationWindow + time.Second)
	f.push(t, relay.InboundEvent{Kind: relay.EventMessage, Message: relay.InboundMessage{
		Name: "Alice", Message: "second",
	}})
	f.fanout.Tick(context.Background())

	assert.Len(t, f.poster.contents(), 2)
	assert.Empty(t, f.poster.edits)
}

func TestFanoutContinuationBrokenByInterveningEvent(t *testing.T) {
	f := newFanoutFixture(t)
	f.push(t, relay.InboundEvent{Kind: relay.EventMessage, Message: relay.InboundMessage{
		Name: "Alice", Message: "first",
	}})
	f.fanout.Tick(context.Background())

	f.push(t, relay.InboundEvent{Kind: relay.EventJoin, Name: "Bob"})
	f.fanout.Tick(context.Background())

	f.push(t, relay.InboundEvent{Kind: relay.EventMessage, Message: relay.InboundMessage{
		Name: "Alice", Message: "second",
	}})
	f.fanout.Tick(context.Background())

	assert.Len(t, f.poster.contents(), 3)
	assert.Empty(t, f.poster.edits)
}

func TestFanoutDifferentSpeakersNotMerged(t *testing.T) {
	f := newFanoutFixture(t)
	f.push(t,
		relay.InboundEvent{Kind: relay.EventMessage, Message: relay.InboundMessage{
			Name: "Alice", Message: "hello",
		}},
		relay.InboundEvent{Kind: relay.EventMessage, Message: relay.InboundMessage{
			Name: "Bob", Message: "hi",
		}},
	)
	f.fanout.Tick(context.Background())

	assert.Equal(t, []string{"**Alice**: hello", "**Bob**: hi"}, f.poster.contents())
	assert.Empty(t, f.poster.edits)
}

func TestFanoutRendersTeamName(t *testing.T) {
	f := newFanoutFixture(t)
	f.push(t, relay.InboundEvent{Kind: relay.EventMessage, Message: relay.InboundMessage{
		Name: "Alice", Message: "push mid", TeamName: "Blue",
	}})
	f.fanout.Tick(context.Background())

	assert.Equal(t, []string{"**Alice** (Blue): push mid"}, f.poster.contents())
}

func TestFanoutSkipsDisabledAndClosed(t *testing.T) {
	f := newFanoutFixture(t)
	f.push(t, relay.InboundEvent{Kind: relay.EventJoin, Name: "Alice"})

	f.conn.SetRelayEnabled(false)
	f.fanout.Tick(context.Background())
	assert.Empty(t, f.poster.contents())

	f.conn.SetRelayEnabled(true)
	f.conn.Client().Close()
	f.fanout.Tick(context.Background())
	assert.Empty(t, f.poster.contents())

	// Events stay queued for when the connection is usable again.
	require.NoError(t, f.conn.Client().Retry())
	f.fanout.Tick(context.Background())
	assert.Equal(t, []string{"`Alice` just joined the server!"}, f.poster.contents())
}
