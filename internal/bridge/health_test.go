package bridge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sourcebridge/sourcebridge/internal/config"
	"github.com/sourcebridge/sourcebridge/internal/infopayload"
	"github.com/sourcebridge/sourcebridge/internal/relay"
)

var errUnreachable = errors.New("server unreachable")

type healthFixture struct {
	monitor  *HealthMonitor
	registry *Registry
	exchange *relay.Exchange
	payload  *infopayload.Registry
	notifier *fakeNotifier
	client   *fakeClient
	conn     *Connection
}

func newHealthFixture(t *testing.T, threshold int) *healthFixture {
	t.Helper()
	registry := NewRegistry()
	exchange := relay.NewExchange()
	payload := infopayload.NewRegistry(exchange, zap.NewNop())
	notifier := newFakeNotifier()

	monitor := NewHealthMonitor(
		config.HealthConfig{PingInterval: time.Minute, TimeDownBeforeNotify: threshold},
		registry, exchange, payload, notifier, nil, zap.NewNop(),
	)

	client := newFakeClient("192.168.1.10:27015")
	conn := NewConnection("chan-1", "guild-1", client)
	conn.SetToNotify([]string{"user-1"})
	require.NoError(t, registry.Bind(conn))

	return &healthFixture{
		monitor:  monitor,
		registry: registry,
		exchange: exchange,
		payload:  payload,
		notifier: notifier,
		client:   client,
		conn:     conn,
	}
}

func TestHysteresisThresholdThree(t *testing.T) {
	f := newHealthFixture(t, 3)
	f.client.setPingErr(errUnreachable)

	f.monitor.Tick(context.Background())
	f.monitor.Tick(context.Background())
	assert.False(t, f.client.IsClosed())
	assert.Empty(t, f.notifier.sentTo("user-1"))

	f.monitor.Tick(context.Background())
	assert.True(t, f.client.IsClosed())
	assert.True(t, f.conn.AutoClosed())
	require.Len(t, f.notifier.sentTo("user-1"), 1)
	assert.Contains(t, f.notifier.sentTo("user-1")[0], "192.168.1.10:27015")
}

func TestOutageFiresOnceWithThresholdTwo(t *testing.T) {
	f := newHealthFixture(t, 2)
	f.client.setPingErr(errUnreachable)
	f.client.setRetryErr(errUnreachable)

	// Three failed ticks: the DM batch goes out after the second, the
	// third finds the connection closed and only retries it.
	f.monitor.Tick(context.Background())
	f.monitor.Tick(context.Background())
	f.monitor.Tick(context.Background())

	assert.True(t, f.client.IsClosed())
	assert.True(t, f.conn.AutoClosed())
	assert.Len(t, f.notifier.sentTo("user-1"), 1)
}

func TestAutoCloseUnregistersRelay(t *testing.T) {
	f := newHealthFixture(t, 1)
	f.conn.SetRelayEnabled(true)
	f.monitor.RegisterRelay(f.conn)
	require.True(t, f.exchange.IsConStrAdded(f.conn.ConStr()))

	f.client.setPingErr(errUnreachable)
	f.monitor.Tick(context.Background())

	assert.True(t, f.client.IsClosed())
	assert.False(t, f.exchange.IsConStrAdded(f.conn.ConStr()))
}

func TestRecoveryIdempotence(t *testing.T) {
	f := newHealthFixture(t, 2)
	f.conn.SetRelayEnabled(true)
	f.client.setPingErr(errUnreachable)

	f.monitor.Tick(context.Background())
	f.monitor.Tick(context.Background())
	require.True(t, f.conn.AutoClosed())
	require.Len(t, f.notifier.sentTo("user-1"), 1)

	f.client.setPingErr(nil)
	f.monitor.Tick(context.Background())

	assert.False(t, f.client.IsClosed())
	assert.False(t, f.conn.AutoClosed())
	assert.Equal(t, -1, f.conn.TimeSinceDown())

	sent := f.notifier.sentTo("user-1")
	require.Len(t, sent, 2)
	assert.Contains(t, sent[1], "re-established")

	// Relay registration came back, and the info payload was re-pushed.
	assert.True(t, f.exchange.IsConStrAdded(f.conn.ConStr()))
	payload, dirty, err := f.exchange.ConsumeInitPayload(f.conn.ConStr())
	require.NoError(t, err)
	assert.True(t, dirty)
	assert.True(t, strings.Contains(payload, "members"))

	// Further healthy ticks stay quiet.
	f.monitor.Tick(context.Background())
	assert.Len(t, f.notifier.sentTo("user-1"), 2)
}

func TestRelayRegistrationPushesOwnGuildPayload(t *testing.T) {
	f := newHealthFixture(t, 2)
	f.payload.Guild("guild-1").UpdateMember(infopayload.Member{ID: "a-1", Name: "Alice"})
	f.payload.Guild("guild-2").UpdateMember(infopayload.Member{ID: "b-1", Name: "Bob"})

	f.conn.SetRelayEnabled(true)
	f.monitor.RegisterRelay(f.conn)

	payload, _, err := f.exchange.ConsumeInitPayload(f.conn.ConStr())
	require.NoError(t, err)
	assert.Contains(t, payload, "a-1")
	assert.NotContains(t, payload, "b-1")

	// A mutation in another guild never reaches this tenant.
	f.payload.Guild("guild-2").UpdateMember(infopayload.Member{ID: "b-2", Name: "Carol"})
	_, dirty, err := f.exchange.ConsumeInitPayload(f.conn.ConStr())
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestManuallyClosedNeverAutoRetried(t *testing.T) {
	f := newHealthFixture(t, 2)
	f.client.Close()
	f.conn.SetAutoClosed(false)

	f.monitor.Tick(context.Background())
	f.monitor.Tick(context.Background())

	assert.Equal(t, 0, f.client.retryCount())
	assert.True(t, f.client.IsClosed())
}

func TestFailedRetryStaysClosed(t *testing.T) {
	f := newHealthFixture(t, 1)
	f.client.setPingErr(errUnreachable)
	f.client.setRetryErr(errUnreachable)

	f.monitor.Tick(context.Background())
	require.True(t, f.conn.AutoClosed())

	f.monitor.Tick(context.Background())
	f.monitor.Tick(context.Background())
	assert.True(t, f.client.IsClosed())
	assert.True(t, f.conn.AutoClosed())
	assert.Equal(t, 2, f.client.retryCount())
}

func TestPingRecoveryResetsCounterWithoutNotification(t *testing.T) {
	f := newHealthFixture(t, 3)
	f.client.setPingErr(errUnreachable)
	f.monitor.Tick(context.Background())
	f.monitor.Tick(context.Background())
	require.Equal(t, 1, f.conn.TimeSinceDown())

	f.client.setPingErr(nil)
	f.monitor.Tick(context.Background())
	assert.Equal(t, -1, f.conn.TimeSinceDown())
	assert.Empty(t, f.notifier.sentTo("user-1"))
}

func TestNotificationPrunesUnresolvableRecipients(t *testing.T) {
	f := newHealthFixture(t, 1)
	f.conn.SetToNotify([]string{"user-1", "user-2", "user-3"})
	f.notifier.unresolvable["user-2"] = true

	f.client.setPingErr(errUnreachable)
	f.monitor.Tick(context.Background())

	assert.Equal(t, []string{"user-1", "user-3"}, f.conn.ToNotify())
	assert.Len(t, f.notifier.sentTo("user-1"), 1)
	assert.Len(t, f.notifier.sentTo("user-3"), 1)
}

func TestNotificationWithNoRecipients(t *testing.T) {
	f := newHealthFixture(t, 1)
	f.conn.SetToNotify(nil)

	f.client.setPingErr(errUnreachable)
	f.monitor.Tick(context.Background())

	assert.True(t, f.client.IsClosed())
	assert.Empty(t, f.conn.ToNotify())
}

func TestOneFailingConnectionDoesNotBlockOthers(t *testing.T) {
	f := newHealthFixture(t, 2)
	healthy := newFakeClient("192.168.1.11:27015")
	other := NewConnection("chan-2", "guild-1", healthy)
	require.NoError(t, f.registry.Bind(other))

	f.client.setPingErr(errUnreachable)
	f.monitor.Tick(context.Background())

	assert.Equal(t, -1, other.TimeSinceDown())
	assert.False(t, healthy.IsClosed())
}
