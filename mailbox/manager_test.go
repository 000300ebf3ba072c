package mailbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mberrors "github.com/c0deZ3R0/go-mailbox-kit/errors"
	"github.com/c0deZ3R0/go-mailbox-kit/wire"
)

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New[note](nil, decodeNote, testConfig())
	require.Error(t, err)
	assert.Equal(t, mberrors.ErrCodeValidationFailure, mberrors.CodeOf(err))

	_, err = New[note](newMemLog(), nil, testConfig())
	require.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5*time.Second, cfg.SuccessInterval)
	assert.Equal(t, 15*time.Second, cfg.ErrorInterval)
	assert.Equal(t, time.Second, cfg.MinInterval)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 100, cfg.ChannelCapacity)
	assert.NotNil(t, cfg.Logger)
	assert.NotNil(t, cfg.Metrics)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"negative success interval", func(c *Config) { c.SuccessInterval = -time.Second }, true},
		{"negative min interval", func(c *Config) { c.MinInterval = -1 }, true},
		{"negative timeout", func(c *Config) { c.Timeout = -1 }, true},
		{"negative capacity", func(c *Config) { c.ChannelCapacity = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSubscribeUsesConfiguredCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.ChannelCapacity = 7
	m := newTestManager(t, newMemLog(), cfg)

	ch, err := m.Subscribe("T")
	require.NoError(t, err)
	assert.Equal(t, 7, cap(ch))

	m = newTestManager(t, newMemLog(), testConfig())
	ch, err = m.Subscribe("T")
	require.NoError(t, err)
	assert.Equal(t, DefaultChannelCapacity, cap(ch))
}

func TestSubscribeReplacesChannel(t *testing.T) {
	relay := &fakeRelay{respond: func(wire.FetchRequest) (wire.FetchResponse, error) {
		return wire.FetchResponse{"T": {
			Items: []wire.Blob{{Topic: "T", Author: "B", Seq: 0, Payload: []byte("new")}},
		}}, nil
	}}
	m := newTestManager(t, newMemLog(), testConfig())

	old, err := m.Subscribe("T")
	require.NoError(t, err)
	current, err := m.Subscribe("T")
	require.NoError(t, err)

	require.NoError(t, m.SyncTopics(context.Background(), []wire.Topic{"T"}, relay))

	assert.Empty(t, old)
	require.Len(t, current, 1)
	assert.Equal(t, "new", (<-current).Body)
	assert.Equal(t, []wire.Topic{"T"}, m.SubscribedTopics())
}

func TestSubscribedTopicsSorted(t *testing.T) {
	m := newTestManager(t, newMemLog(), testConfig())
	for _, topic := range []wire.Topic{"zeta", "alpha", "mid"} {
		_, err := m.Subscribe(topic)
		require.NoError(t, err)
	}
	assert.Equal(t, []wire.Topic{"alpha", "mid", "zeta"}, m.SubscribedTopics())

	m.Unsubscribe("mid")
	m.Unsubscribe("never-subscribed")
	assert.Equal(t, []wire.Topic{"alpha", "zeta"}, m.SubscribedTopics())
}

func TestTriggerSyncCoalesces(t *testing.T) {
	m := newTestManager(t, newMemLog(), testConfig())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			m.TriggerSync()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("TriggerSync blocked")
	}
	assert.Len(t, m.wake, 1)
}

func TestRegisterAndClear(t *testing.T) {
	m := newTestManager(t, newMemLog(), testConfig())
	a, b := &fakeRelay{}, &fakeRelay{}

	m.Register(a)
	m.Register(b)
	m.Register(a)

	var order []Relay
	next := 0
	for i := 0; i < 4; i++ {
		var r Relay
		r, next, _ = m.relayAt(next)
		order = append(order, r)
	}
	for i, want := range []Relay{a, b, a, a} {
		assert.Same(t, want, order[i])
	}

	m.Clear()
	_, _, ok := m.relayAt(next)
	assert.False(t, ok)
}

func TestClosedManager(t *testing.T) {
	m := newTestManager(t, newMemLog(), testConfig())
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.Subscribe("T")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Start(context.Background()), ErrClosed)

	// Must not panic on the closed wake channel.
	m.TriggerSync()
}
