package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const testConStr = "192.168.1.10:27015"

func newTestExchange(t *testing.T) *Exchange {
	t.Helper()
	e := NewExchange()
	require.NoError(t, e.AddConStr(testConStr))
	return e
}

func TestAddRemoveRoundTrip(t *testing.T) {
	e := NewExchange()
	require.NoError(t, e.AddConStr(testConStr))
	assert.True(t, e.IsConStrAdded(testConStr))
	assert.ErrorIs(t, e.AddConStr(testConStr), ErrConStrExists)

	require.NoError(t, e.RemoveConStr(testConStr))
	assert.False(t, e.IsConStrAdded(testConStr))
	assert.ErrorIs(t, e.RemoveConStr(testConStr), ErrUnknownConStr)

	_, err := e.Messages(testConStr)
	assert.ErrorIs(t, err, ErrUnknownConStr)
	assert.ErrorIs(t, e.AddMessage(testConStr, ChatMessage{}), ErrUnknownConStr)
	assert.ErrorIs(t, e.SetInitPayload(testConStr, "{}"), ErrUnknownConStr)
}

func TestMessagesDrainExactlyOnce(t *testing.T) {
	e := newTestExchange(t)
	other := "192.168.1.11:27015"
	require.NoError(t, e.AddConStr(other))

	require.NoError(t, e.PushInbound(testConStr, []InboundEvent{
		{Kind: EventMessage, Message: InboundMessage{Name: "Alice", Message: "hello"}},
		{Kind: EventMessage, Message: InboundMessage{Name: "Bob", Message: "hi"}},
	}))
	require.NoError(t, e.PushInbound(other, []InboundEvent{
		{Kind: EventMessage, Message: InboundMessage{Name: "Mallory", Message: "elsewhere"}},
	}))

	msgs, err := e.Messages(testConStr)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Alice", msgs[0].Name)
	assert.Equal(t, "Bob", msgs[1].Name)

	msgs, err = e.Messages(testConStr)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = e.Messages(other)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Mallory", msgs[0].Name)
}

func TestJoinsAndLeavesDrainTogether(t *testing.T) {
	e := newTestExchange(t)
	require.NoError(t, e.PushInbound(testConStr, []InboundEvent{
		{Kind: EventLeave, Name: "Alice"},
		{Kind: EventJoin, Name: "Alice"},
		{Kind: EventJoin, Name: "Bob"},
	}))

	joins, leaves, err := e.JoinsAndLeaves(testConStr)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice", "Bob"}, joins)
	assert.Equal(t, []string{"Alice"}, leaves)

	joins, leaves, err = e.JoinsAndLeaves(testConStr)
	require.NoError(t, err)
	assert.Empty(t, joins)
	assert.Empty(t, leaves)
}

func TestInitPayloadDeliveredOncePerDirtyPeriod(t *testing.T) {
	e := newTestExchange(t)
	require.NoError(t, e.SetInitPayload(testConStr, `{"v":1}`))
	require.NoError(t, e.SetInitPayload(testConStr, `{"v":2}`))

	payload, dirty, err := e.ConsumeInitPayload(testConStr)
	require.NoError(t, err)
	assert.True(t, dirty)
	assert.Equal(t, `{"v":2}`, payload)

	_, dirty, err = e.ConsumeInitPayload(testConStr)
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestWaitOutboundWakesOnData(t *testing.T) {
	e := newTestExchange(t)
	go func() {
		time.Sleep(20 * time.Millisecond)
		e.AddMessage(testConStr, ChatMessage{Name: "Alice", Content: "hello"})
	}()

	batch, dirty, ok, err := e.WaitOutbound(context.Background(), testConStr, 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, dirty)
	require.Len(t, batch.Chat, 1)
	assert.Equal(t, "Alice", batch.Chat[0].Name)
}

func TestWaitOutboundTimesOutEmpty(t *testing.T) {
	e := newTestExchange(t)
	start := time.Now()
	batch, dirty, ok, err := e.WaitOutbound(context.Background(), testConStr, 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, dirty)
	assert.True(t, batch.Empty())
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWaitOutboundReleasedOnRemove(t *testing.T) {
	e := newTestExchange(t)
	go func() {
		time.Sleep(20 * time.Millisecond)
		e.RemoveConStr(testConStr)
	}()

	_, _, _, err := e.WaitOutbound(context.Background(), testConStr, 5*time.Second)
	assert.ErrorIs(t, err, ErrUnknownConStr)
}

func TestWaitOutboundReportsDirtyOnce(t *testing.T) {
	e := newTestExchange(t)
	require.NoError(t, e.SetInitPayload(testConStr, `{}`))

	batch, dirty, ok, err := e.WaitOutbound(context.Background(), testConStr, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, dirty)
	assert.True(t, batch.Empty())

	// Unfetched payload must not wake an idle poll a second time.
	_, dirty, ok, err = e.WaitOutbound(context.Background(), testConStr, 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, dirty)
}

func TestConcurrentProducersLoseNothing(t *testing.T) {
	e := newTestExchange(t)
	const producers = 8
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				err := e.PushInbound(testConStr, []InboundEvent{{
					Kind:    EventMessage,
					Message: InboundMessage{Name: fmt.Sprintf("p%d", p), Message: fmt.Sprintf("m%d", i)},
				}})
				assert.NoError(t, err)
			}
		}(p)
	}

	seen := make(map[string]int)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	collect := func() {
		msgs, err := e.Messages(testConStr)
		assert.NoError(t, err)
		for _, m := range msgs {
			seen[m.Name+"/"+m.Message]++
		}
	}
	for {
		select {
		case <-done:
			collect()
			require.Len(t, seen, producers*perProducer)
			for key, n := range seen {
				assert.Equal(t, 1, n, "message %s drained %d times", key, n)
			}
			return
		default:
			collect()
			time.Sleep(time.Millisecond)
		}
	}
}

func TestPropertyMessagesExactlyOnceInOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e := NewExchange()
		require.NoError(t, e.AddConStr(testConStr))
		require.NoError(t, e.AddConStr("192.168.1.11:27015"))

		var pending []string
		next := 0

		ops := rapid.SliceOfN(rapid.IntRange(0, 2), 1, 40).Draw(t, "ops")
		for _, op := range ops {
			switch op {
			case 0:
				body := fmt.Sprintf("msg-%d", next)
				next++
				pending = append(pending, body)
				require.NoError(t, e.PushInbound(testConStr, []InboundEvent{{
					Kind:    EventMessage,
					Message: InboundMessage{Name: "Alice", Message: body},
				}}))
			case 1:
				// Unrelated tenant traffic must not interfere.
				require.NoError(t, e.PushInbound("192.168.1.11:27015", []InboundEvent{{
					Kind:    EventMessage,
					Message: InboundMessage{Name: "Bob", Message: "noise"},
				}}))
			case 2:
				msgs, err := e.Messages(testConStr)
				require.NoError(t, err)
				require.Len(t, msgs, len(pending))
				for i, m := range msgs {
					assert.Equal(t, pending[i], m.Message)
				}
				pending = nil
			}
		}

		msgs, err := e.Messages(testConStr)
		require.NoError(t, err)
		require.Len(t, msgs, len(pending))
		for i, m := range msgs {
			assert.Equal(t, pending[i], m.Message)
		}
	})
}
