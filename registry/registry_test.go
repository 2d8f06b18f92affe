package registry_test

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semrelay/errors"
	"github.com/c360/semrelay/metric"
	"github.com/c360/semrelay/registry"
	relaytest "github.com/c360/semrelay/testutil"
)

func newRegistry(t *testing.T, opts ...registry.Option) (*registry.Registry, *relaytest.MockBus) {
	t.Helper()
	b := relaytest.NewMockBus()
	reg := registry.New(b, opts...)
	require.NoError(t, b.OnMessage(reg.HandleMessage))
	return reg, b
}

func ids(conns []registry.Connection) []string {
	out := make([]string, len(conns))
	for i, c := range conns {
		out[i] = c.ID()
	}
	return out
}

// assertLockstep checks that a channel is present iff its refcount is
// positive iff the bus holds a subscription for it.
func assertLockstep(t *testing.T, reg *registry.Registry, b *relaytest.MockBus, channels []string) {
	t.Helper()
	for _, ch := range channels {
		present := false
		for _, c := range reg.Channels() {
			if c == ch {
				present = true
			}
		}
		assert.Equal(t, present, reg.Refcount(ch) > 0, "presence vs refcount for %s", ch)
		assert.Equal(t, present, b.Active(ch), "presence vs bus subscription for %s", ch)
	}
	assert.Equal(t, reg.Len(), b.ActiveChannels())
}

func TestRegistry_EndToEndScenario(t *testing.T) {
	reg, b := newRegistry(t)
	c1 := relaytest.NewMockConnection("c1")
	c2 := relaytest.NewMockConnection("c2")

	require.NoError(t, reg.Subscribe(c1, "user.42"))
	assert.Equal(t, []string{"user.42"}, reg.Channels())
	assert.Equal(t, []string{"c1"}, ids(reg.Members("user.42")))
	assert.Equal(t, 1, b.SubscribeCount("user.42"))

	require.NoError(t, reg.Subscribe(c2, "user.42"))
	assert.Equal(t, []string{"c1", "c2"}, ids(reg.Members("user.42")))
	assert.Equal(t, 1, b.SubscribeCount("user.42"))

	require.True(t, b.Deliver("user.42", []byte("hello")))
	assert.Equal(t, []string{"hello"}, c1.Received())
	assert.Equal(t, []string{"hello"}, c2.Received())

	c1.Close()
	require.NoError(t, reg.Unsubscribe(c1, "user.42"))
	assert.Equal(t, []string{"c2"}, ids(reg.Members("user.42")))
	assert.Equal(t, 0, b.UnsubscribeCount("user.42"))

	c2.Close()
	require.NoError(t, reg.Unsubscribe(c2, "user.42"))
	assert.Empty(t, reg.Channels())
	assert.Nil(t, reg.Members("user.42"))
	assert.Equal(t, 1, b.UnsubscribeCount("user.42"))
}

func TestRegistry_NSubscribersOneBusSubscription(t *testing.T) {
	reg, b := newRegistry(t)

	const n = 25
	conns := make([]*relaytest.MockConnection, n)
	for i := range conns {
		conns[i] = relaytest.NewMockConnection(fmt.Sprintf("c%d", i))
		require.NoError(t, reg.Subscribe(conns[i], "game.lobby"))
	}
	assert.Equal(t, 1, b.SubscribeCount("game.lobby"))
	assert.Equal(t, n, reg.Refcount("game.lobby"))

	for i, c := range conns {
		require.NoError(t, reg.Unsubscribe(c, "game.lobby"))
		if i < n-1 {
			assert.Equal(t, 0, b.UnsubscribeCount("game.lobby"), "unsubscribed before the last connection left")
		}
	}
	assert.Equal(t, 1, b.UnsubscribeCount("game.lobby"))
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_UnsubscribeAbsentIsNoop(t *testing.T) {
	reg, b := newRegistry(t)
	c1 := relaytest.NewMockConnection("c1")
	stranger := relaytest.NewMockConnection("stranger")

	// Unknown channel
	require.NoError(t, reg.Unsubscribe(c1, "user.42"))
	assert.Empty(t, b.UnsubscribeCalls)

	// Known channel, absent connection
	require.NoError(t, reg.Subscribe(c1, "user.42"))
	require.NoError(t, reg.Unsubscribe(stranger, "user.42"))
	assert.Equal(t, []string{"c1"}, ids(reg.Members("user.42")))
	assert.Empty(t, b.UnsubscribeCalls)

	// Double removal
	require.NoError(t, reg.Unsubscribe(c1, "user.42"))
	require.NoError(t, reg.Unsubscribe(c1, "user.42"))
	assert.Equal(t, 1, b.UnsubscribeCount("user.42"))
}

func TestRegistry_SubscribeFailureRollsBack(t *testing.T) {
	reg, b := newRegistry(t)
	cause := stderrors.New("nats: invalid subject")
	b.FailSubscribe("user.", cause)

	c1 := relaytest.NewMockConnection("c1")
	err := reg.Subscribe(c1, "user.")
	require.Error(t, err)

	assert.ErrorIs(t, err, errors.ErrBusSubscribeFailed)
	assert.ErrorIs(t, err, cause)
	channel, ok := errors.ChannelOf(err)
	assert.True(t, ok)
	assert.Equal(t, "user.", channel)

	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 0, reg.Refcount("user."))
	assert.False(t, b.Active("user."))

	// Recovery: the next attempt issues a fresh bus subscribe
	b.FailSubscribe("user.", nil)
	require.NoError(t, reg.Subscribe(c1, "user."))
	assert.Equal(t, 2, b.SubscribeCount("user."))
	assert.Equal(t, 1, reg.Refcount("user."))
}

func TestRegistry_SubscribeFailureLeavesOtherChannels(t *testing.T) {
	reg, b := newRegistry(t)
	b.FailSubscribe("game.7", stderrors.New("boom"))

	c1 := relaytest.NewMockConnection("c1")
	c2 := relaytest.NewMockConnection("c2")
	require.NoError(t, reg.Subscribe(c1, "user.42"))
	require.Error(t, reg.Subscribe(c2, "game.7"))

	assert.Equal(t, []string{"user.42"}, reg.Channels())
	assertLockstep(t, reg, b, []string{"user.42", "game.7"})
}

func TestRegistry_UnsubscribeFailureStillRemovesChannel(t *testing.T) {
	reg, b := newRegistry(t)
	cause := stderrors.New("nats: connection closed")
	b.FailUnsubscribe("user.42", cause)

	c1 := relaytest.NewMockConnection("c1")
	require.NoError(t, reg.Subscribe(c1, "user.42"))

	err := reg.Unsubscribe(c1, "user.42")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrBusUnsubscribeFailed)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, errors.ErrBusSubscribeFailed)

	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 1, b.UnsubscribeCount("user.42"))

	// Removal already happened, so a retry is a no-op
	require.NoError(t, reg.Unsubscribe(c1, "user.42"))
	assert.Equal(t, 1, b.UnsubscribeCount("user.42"))
}

func TestRegistry_DuplicateMembershipListSemantics(t *testing.T) {
	reg, b := newRegistry(t)
	c1 := relaytest.NewMockConnection("c1")

	require.NoError(t, reg.Subscribe(c1, "user.42"))
	require.NoError(t, reg.Subscribe(c1, "user.42"))
	assert.Equal(t, 2, reg.Refcount("user.42"))
	assert.Equal(t, 1, b.SubscribeCount("user.42"))

	b.Deliver("user.42", []byte("twice"))
	assert.Equal(t, []string{"twice", "twice"}, c1.Received())

	require.NoError(t, reg.Unsubscribe(c1, "user.42"))
	assert.Equal(t, 1, reg.Refcount("user.42"))
	assert.Equal(t, 0, b.UnsubscribeCount("user.42"))

	require.NoError(t, reg.Unsubscribe(c1, "user.42"))
	assert.Equal(t, 0, reg.Refcount("user.42"))
	assert.Equal(t, 1, b.UnsubscribeCount("user.42"))
}

func TestRegistry_UnsubscribeRemovesFirstOccurrence(t *testing.T) {
	reg, _ := newRegistry(t)
	c1 := relaytest.NewMockConnection("c1")
	c2 := relaytest.NewMockConnection("c2")

	require.NoError(t, reg.Subscribe(c1, "user.42"))
	require.NoError(t, reg.Subscribe(c2, "user.42"))
	require.NoError(t, reg.Subscribe(c1, "user.42"))

	require.NoError(t, reg.Unsubscribe(c1, "user.42"))
	assert.Equal(t, []string{"c2", "c1"}, ids(reg.Members("user.42")))
}

func TestRegistry_HandleMessage(t *testing.T) {
	t.Run("delivers only to open connections on the channel", func(t *testing.T) {
		reg, b := newRegistry(t)
		open := relaytest.NewMockConnection("open")
		closed := relaytest.NewMockConnection("closed")
		other := relaytest.NewMockConnection("other")

		require.NoError(t, reg.Subscribe(open, "user.42"))
		require.NoError(t, reg.Subscribe(closed, "user.42"))
		require.NoError(t, reg.Subscribe(other, "user.7"))
		closed.Close()

		b.Deliver("user.42", []byte("hi"))

		assert.Equal(t, []string{"hi"}, open.Received())
		assert.Empty(t, closed.Received())
		assert.Empty(t, other.Received())
		// Closed connections are not removed by delivery
		assert.Equal(t, 2, reg.Refcount("user.42"))
	})

	t.Run("send failure does not stop the pass", func(t *testing.T) {
		reg, b := newRegistry(t)
		c1 := relaytest.NewMockConnection("c1")
		broken := relaytest.NewMockConnection("broken")
		c3 := relaytest.NewMockConnection("c3")
		broken.FailSends(true)

		for _, c := range []*relaytest.MockConnection{c1, broken, c3} {
			require.NoError(t, reg.Subscribe(c, "game.7"))
		}

		assert.NotPanics(t, func() {
			b.Deliver("game.7", []byte("move"))
		})
		assert.Equal(t, []string{"move"}, c1.Received())
		assert.Equal(t, []string{"move"}, c3.Received())
		assert.Equal(t, 3, reg.Refcount("game.7"))
	})

	t.Run("payload is forwarded verbatim", func(t *testing.T) {
		reg, b := newRegistry(t)
		c1 := relaytest.NewMockConnection("c1")
		require.NoError(t, reg.Subscribe(c1, "user.42"))

		payload := `{"type":"chat","text":"tab\tand \"quotes\""}`
		b.Deliver("user.42", []byte(payload))
		assert.Equal(t, []string{payload}, c1.Received())
	})

	t.Run("unknown channel is discarded", func(t *testing.T) {
		reg, _ := newRegistry(t)
		assert.NotPanics(t, func() {
			reg.HandleMessage("user.404", []byte("lost"))
		})
		assert.Equal(t, 0, reg.Len())
	})
}

func TestRegistry_MembersIsSnapshot(t *testing.T) {
	reg, _ := newRegistry(t)
	c1 := relaytest.NewMockConnection("c1")
	require.NoError(t, reg.Subscribe(c1, "user.42"))

	members := reg.Members("user.42")
	members[0] = relaytest.NewMockConnection("intruder")

	assert.Equal(t, []string{"c1"}, ids(reg.Members("user.42")))
}

func TestRegistry_ChannelsSorted(t *testing.T) {
	reg, _ := newRegistry(t)
	for _, ch := range []string{"user.9", "game.1", "user.10"} {
		require.NoError(t, reg.Subscribe(relaytest.NewMockConnection(ch), ch))
	}
	assert.Equal(t, []string{"game.1", "user.10", "user.9"}, reg.Channels())
}

func TestRegistry_LockstepUnderRandomOperations(t *testing.T) {
	reg, b := newRegistry(t)
	rng := rand.New(rand.NewSource(42))

	channels := []string{"user.1", "user.2", "game.1"}
	conns := make([]*relaytest.MockConnection, 6)
	for i := range conns {
		conns[i] = relaytest.NewMockConnection(fmt.Sprintf("c%d", i))
	}
	b.FailSubscribe("game.1", stderrors.New("flaky"))

	transitionsUp := map[string]int{}
	for step := 0; step < 2000; step++ {
		ch := channels[rng.Intn(len(channels))]
		conn := conns[rng.Intn(len(conns))]

		if step == 1000 {
			b.FailSubscribe("game.1", nil)
		}

		if rng.Intn(2) == 0 {
			wasPresent := reg.Refcount(ch) > 0
			if err := reg.Subscribe(conn, ch); err == nil && !wasPresent {
				transitionsUp[ch]++
			}
		} else {
			require.NoError(t, reg.Unsubscribe(conn, ch))
		}

		assertLockstep(t, reg, b, channels)
	}

	for _, ch := range channels {
		succeeded := b.SubscribeCount(ch)
		if ch == "game.1" {
			// Failed attempts are recorded as calls too
			assert.GreaterOrEqual(t, succeeded, transitionsUp[ch])
			continue
		}
		assert.Equal(t, transitionsUp[ch], succeeded, "one bus subscribe per absent to present transition on %s", ch)
	}
}

func TestRegistry_ConcurrentSubscribeUnsubscribe(t *testing.T) {
	reg, b := newRegistry(t)

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			conn := relaytest.NewMockConnection(fmt.Sprintf("g%d", g))
			ch := fmt.Sprintf("user.%d", g%3)
			for i := 0; i < 200; i++ {
				assert.NoError(t, reg.Subscribe(conn, ch))
				reg.HandleMessage(ch, []byte("tick"))
				assert.NoError(t, reg.Unsubscribe(conn, ch))
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 0, b.ActiveChannels())
	for g := 0; g < 3; g++ {
		ch := fmt.Sprintf("user.%d", g)
		assert.Equal(t, b.SubscribeCount(ch), b.UnsubscribeCount(ch), "unbalanced bus calls on %s", ch)
	}
}

func TestRegistry_Close(t *testing.T) {
	reg, b := newRegistry(t)
	cause := stderrors.New("nats: connection closed")
	b.FailUnsubscribe("game.7", cause)

	c1 := relaytest.NewMockConnection("c1")
	c2 := relaytest.NewMockConnection("c2")
	require.NoError(t, reg.Subscribe(c1, "user.42"))
	require.NoError(t, reg.Subscribe(c2, "game.7"))

	err := reg.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrBusUnsubscribeFailed)
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 0, b.ActiveChannels())

	// Closing connections after the registry is closed is a no-op
	require.NoError(t, reg.Unsubscribe(c1, "user.42"))
	assert.Equal(t, 1, b.UnsubscribeCount("user.42"))

	require.NoError(t, reg.Close())
}

func TestRegistry_Metrics(t *testing.T) {
	m := metric.NewMetrics()
	reg, b := newRegistry(t, registry.WithMetrics(m))
	b.FailSubscribe("game.bad", stderrors.New("boom"))

	c1 := relaytest.NewMockConnection("c1")
	c2 := relaytest.NewMockConnection("c2")
	closed := relaytest.NewMockConnection("closed")
	broken := relaytest.NewMockConnection("broken")
	broken.FailSends(true)

	require.NoError(t, reg.Subscribe(c1, "user.42"))
	require.NoError(t, reg.Subscribe(c2, "user.42"))
	require.NoError(t, reg.Subscribe(closed, "user.42"))
	require.NoError(t, reg.Subscribe(broken, "user.42"))
	require.Error(t, reg.Subscribe(c1, "game.bad"))
	closed.Close()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RegistryChannels))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.RegistryConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BusSubscribes.WithLabelValues(metric.ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BusSubscribes.WithLabelValues(metric.ResultFailure)))

	b.Deliver("user.42", []byte("x"))
	reg.HandleMessage("user.404", []byte("y"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesReceived))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesDelivered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues(metric.ReasonClosed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues(metric.ReasonNoChannel)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SendFailures))

	for _, c := range []*relaytest.MockConnection{c1, c2, closed, broken} {
		require.NoError(t, reg.Unsubscribe(c, "user.42"))
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RegistryChannels))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RegistryConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BusUnsubscribes.WithLabelValues(metric.ResultSuccess)))
}

func TestRegistry_LogsSubscribeEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	reg, _ := newRegistry(t, registry.WithLogger(logger))

	c1 := relaytest.NewMockConnection("c1")
	require.NoError(t, reg.Subscribe(c1, "user.42"))
	require.NoError(t, reg.Unsubscribe(c1, "user.42"))

	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 2)

	assert.Equal(t, "subscribed", records[0]["msg"])
	assert.Equal(t, "user.42", records[0]["channel"])
	assert.Equal(t, "c1", records[0]["connection_id"])
	assert.Equal(t, 1.0, records[0]["refcount"])
	assert.Equal(t, "registry", records[0]["component"])

	assert.Equal(t, "unsubscribed", records[1]["msg"])
	assert.Equal(t, 0.0, records[1]["refcount"])
}

func TestRegistry_LogsBusFailureClass(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelError}))
	reg, b := newRegistry(t, registry.WithLogger(logger))

	b.FailSubscribe("user.", errors.WrapInvalid(stderrors.New("nats: invalid subject"), "Bus", "Subscribe", "subscribe"))
	b.FailUnsubscribe("user.42", stderrors.New("nats: connection closed"))

	c1 := relaytest.NewMockConnection("c1")
	require.Error(t, reg.Subscribe(c1, "user."))
	require.NoError(t, reg.Subscribe(c1, "user.42"))
	require.Error(t, reg.Unsubscribe(c1, "user.42"))

	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 2)

	assert.Equal(t, "bus subscribe failed", records[0]["msg"])
	assert.Equal(t, "invalid", records[0]["class"])
	assert.Equal(t, "bus unsubscribe failed", records[1]["msg"])
	assert.Equal(t, "transient", records[1]["class"])
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "open", registry.Open.String())
	assert.Equal(t, "closed", registry.Closed.String())
	assert.Equal(t, "unknown", registry.State(9).String())
}
