package bus

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semrelay/errors"
	"github.com/c360/semrelay/natsclient"
	"github.com/c360/semrelay/pkg/retry"
)

type fakeSub struct {
	err          error
	unsubscribed int
}

func (f *fakeSub) Unsubscribe() error {
	f.unsubscribed++
	return f.err
}

type fakeConn struct {
	mu       sync.Mutex
	handlers map[string]natsclient.MsgHandler
	subs     map[string]*fakeSub
	fail     map[string]error
	unsubErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		handlers: make(map[string]natsclient.MsgHandler),
		subs:     make(map[string]*fakeSub),
		fail:     make(map[string]error),
	}
}

func (f *fakeConn) subscribe(subject string, handler natsclient.MsgHandler) (unsubscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[subject]; err != nil {
		return nil, err
	}
	sub := &fakeSub{err: f.unsubErr}
	f.handlers[subject] = handler
	f.subs[subject] = sub
	return sub, nil
}

func (f *fakeConn) deliver(subject string, data []byte) {
	f.mu.Lock()
	h := f.handlers[subject]
	f.mu.Unlock()
	if h != nil {
		h(subject, data)
	}
}

func TestNATS_SubscribeRoutesToDispatch(t *testing.T) {
	conn := newFakeConn()
	b := newNATS(conn.subscribe, nil)

	type delivery struct {
		channel string
		payload string
	}
	var got []delivery
	require.NoError(t, b.OnMessage(func(channel string, payload []byte) {
		got = append(got, delivery{channel, string(payload)})
	}))

	require.NoError(t, b.Subscribe("user.42"))
	assert.True(t, b.Subscribed("user.42"))

	conn.deliver("user.42", []byte("hello"))
	assert.Equal(t, []delivery{{"user.42", "hello"}}, got)
}

func TestNATS_MessageBeforeDispatchIsDropped(t *testing.T) {
	conn := newFakeConn()
	b := newNATS(conn.subscribe, nil)

	require.NoError(t, b.Subscribe("user.42"))
	assert.NotPanics(t, func() {
		conn.deliver("user.42", []byte("early"))
	})
}

func TestNATS_OnMessageOnce(t *testing.T) {
	b := newNATS(newFakeConn().subscribe, nil)

	require.NoError(t, b.OnMessage(func(string, []byte) {}))

	err := b.OnMessage(func(string, []byte) {})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	err = newNATS(newFakeConn().subscribe, nil).OnMessage(nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestNATS_SubscribeFailure(t *testing.T) {
	conn := newFakeConn()
	cause := stderrors.New("nats: invalid subject")
	conn.fail["user."] = cause
	b := newNATS(conn.subscribe, nil)

	err := b.Subscribe("user.")
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.False(t, b.Subscribed("user."))
}

func TestNATS_DoubleSubscribeRejected(t *testing.T) {
	b := newNATS(newFakeConn().subscribe, nil)

	require.NoError(t, b.Subscribe("game.7"))
	err := b.Subscribe("game.7")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestNATS_Unsubscribe(t *testing.T) {
	conn := newFakeConn()
	b := newNATS(conn.subscribe, nil)

	require.NoError(t, b.Subscribe("game.7"))
	require.NoError(t, b.Unsubscribe("game.7"))

	assert.False(t, b.Subscribed("game.7"))
	assert.Equal(t, 1, conn.subs["game.7"].unsubscribed)

	err := b.Unsubscribe("game.7")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestNATS_UnsubscribeFailureForgetsHandle(t *testing.T) {
	conn := newFakeConn()
	cause := stderrors.New("nats: connection closed")
	conn.unsubErr = cause
	b := newNATS(conn.subscribe, nil)

	require.NoError(t, b.Subscribe("game.7"))

	err := b.Unsubscribe("game.7")
	assert.ErrorIs(t, err, cause)
	assert.False(t, b.Subscribed("game.7"))

	// The channel can be subscribed again
	require.NoError(t, b.Subscribe("game.7"))
}

type fakeConnector struct {
	failures int
	calls    int
	err      error
}

func (f *fakeConnector) Connect(context.Context) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *fakeConnector) URL() string { return "nats://fake:4222" }

func fastRetry(attempts int) retry.Config {
	return retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestConnect_RetriesThenSucceeds(t *testing.T) {
	c := &fakeConnector{failures: 2, err: stderrors.New("connection refused")}

	var retries []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ error, _ time.Duration) {
		retries = append(retries, attempt)
	}

	require.NoError(t, Connect(context.Background(), c, cfg, nil))
	assert.Equal(t, 3, c.calls)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestConnect_ExhaustedIsFatal(t *testing.T) {
	cause := stderrors.New("connection refused")
	c := &fakeConnector{failures: 10, err: cause}

	err := Connect(context.Background(), c, fastRetry(3), nil)
	require.Error(t, err)
	assert.Equal(t, 3, c.calls)
	assert.ErrorIs(t, err, errors.ErrBusConnectFailed)
	assert.ErrorIs(t, err, cause)
	assert.True(t, errors.IsFatal(err))
}

func TestConnect_ClosedClientNotRetried(t *testing.T) {
	c := &fakeConnector{failures: 10, err: natsclient.ErrClientClosed}

	err := Connect(context.Background(), c, fastRetry(5), nil)
	require.Error(t, err)
	assert.Equal(t, 1, c.calls)
	assert.ErrorIs(t, err, errors.ErrBusConnectFailed)
}

func TestConnect_PermanentFailureNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"invalid", errors.WrapInvalid(stderrors.New("nats: authorization violation"), "Client", "Connect", "authenticate")},
		{"fatal", errors.WrapFatal(stderrors.New("nats: bad url"), "Client", "Connect", "parse url")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeConnector{failures: 10, err: tt.err}

			err := Connect(context.Background(), c, fastRetry(5), nil)
			require.Error(t, err)
			assert.Equal(t, 1, c.calls)
			assert.ErrorIs(t, err, errors.ErrBusConnectFailed)
			assert.True(t, errors.IsFatal(err))
		})
	}
}

func TestConnect_TransientFailureRetried(t *testing.T) {
	cause := errors.WrapTransient(stderrors.New("dial tcp: connection refused"), "Client", "Connect", "establish connection")
	c := &fakeConnector{failures: 10, err: cause}

	err := Connect(context.Background(), c, fastRetry(3), nil)
	require.Error(t, err)
	assert.Equal(t, 3, c.calls)
}
