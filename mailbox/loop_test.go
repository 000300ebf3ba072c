package mailbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-mailbox-kit/wire"
)

func TestCycleIntervals(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()

	t.Run("no relay", func(t *testing.T) {
		m := newTestManager(t, newMemLog(), cfg)
		_, err := m.Subscribe("T")
		require.NoError(t, err)

		wait, _ := m.cycle(ctx, 0)
		assert.Equal(t, cfg.ErrorInterval, wait)
	})

	t.Run("no topics", func(t *testing.T) {
		relay := &fakeRelay{}
		m := newTestManager(t, newMemLog(), cfg)
		m.Register(relay)

		wait, _ := m.cycle(ctx, 0)
		assert.Equal(t, cfg.ErrorInterval, wait)
		assert.Zero(t, relay.fetchCount())
	})

	t.Run("success", func(t *testing.T) {
		relay := &fakeRelay{}
		m := newTestManager(t, newMemLog(), cfg)
		m.Register(relay)
		_, err := m.Subscribe("T")
		require.NoError(t, err)

		wait, _ := m.cycle(ctx, 0)
		assert.Equal(t, cfg.SuccessInterval, wait)
		assert.Equal(t, 1, relay.fetchCount())
	})

	t.Run("failure", func(t *testing.T) {
		relay := &fakeRelay{publishErr: errors.New("unavailable")}
		m := newTestManager(t, newMemLog(), cfg)
		m.Register(relay)
		_, err := m.Subscribe("T")
		require.NoError(t, err)

		wait, _ := m.cycle(ctx, 0)
		assert.Equal(t, cfg.ErrorInterval, wait)
	})
}

func TestCycleRoundRobin(t *testing.T) {
	a, b := &fakeRelay{}, &fakeRelay{}
	m := newTestManager(t, newMemLog(), testConfig())
	m.Register(a)
	m.Register(b)
	_, err := m.Subscribe("T")
	require.NoError(t, err)

	next := 0
	for i := 0; i < 5; i++ {
		_, next = m.cycle(context.Background(), next)
	}
	assert.Equal(t, 3, a.fetchCount())
	assert.Equal(t, 2, b.fetchCount())
}

func TestCycleTimeout(t *testing.T) {
	relay := &fakeRelay{respond: func(wire.FetchRequest) (wire.FetchResponse, error) {
		return wire.FetchResponse{"T": {
			Items: []wire.Blob{
				{Topic: "T", Author: "B", Seq: 0, Payload: []byte("0")},
				{Topic: "T", Author: "B", Seq: 1, Payload: []byte("1")},
			},
		}}, nil
	}}
	cfg := testConfig()
	cfg.ChannelCapacity = 1
	cfg.Timeout = 20 * time.Millisecond
	m := newTestManager(t, newMemLog(), cfg)
	m.Register(relay)
	_, err := m.Subscribe("T")
	require.NoError(t, err)

	// Nobody drains the channel, so delivery blocks until the cycle times
	// out.
	wait, _ := m.cycle(context.Background(), 0)
	assert.Equal(t, cfg.ErrorInterval, wait)
	assert.Equal(t, uint64(1), m.Stats().FailedCycles)
}

func TestLoopEnforcesMinInterval(t *testing.T) {
	relay := &fakeRelay{}
	cfg := testConfig()
	cfg.SuccessInterval = time.Millisecond
	cfg.MinInterval = 40 * time.Millisecond
	m := newTestManager(t, newMemLog(), cfg)
	m.Register(relay)
	_, err := m.Subscribe("T")
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return relay.fetchCount() >= 4 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Close())

	times := relay.times()
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		assert.GreaterOrEqual(t, gap, cfg.MinInterval-5*time.Millisecond, "cycles %d and %d", i-1, i)
	}
}

func TestTriggerSyncWakesLoop(t *testing.T) {
	relay := &fakeRelay{}
	cfg := testConfig()
	cfg.SuccessInterval = time.Hour
	m := newTestManager(t, newMemLog(), cfg)
	m.Register(relay)
	_, err := m.Subscribe("T")
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return relay.fetchCount() == 1 }, time.Second, 5*time.Millisecond)

	m.TriggerSync()
	require.Eventually(t, func() bool { return relay.fetchCount() == 2 }, time.Second, 5*time.Millisecond)
}

func TestStartTwice(t *testing.T) {
	m := newTestManager(t, newMemLog(), testConfig())
	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)
}

func TestCloseStopsLoop(t *testing.T) {
	relay := &fakeRelay{}
	m := newTestManager(t, newMemLog(), testConfig())
	m.Register(relay)
	_, err := m.Subscribe("T")
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return relay.fetchCount() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Close())

	n := relay.fetchCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, relay.fetchCount())
}

func TestContextCancelStopsLoop(t *testing.T) {
	relay := &fakeRelay{}
	m := newTestManager(t, newMemLog(), testConfig())
	m.Register(relay)
	_, err := m.Subscribe("T")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	require.Eventually(t, func() bool { return relay.fetchCount() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-m.done:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after cancel")
	}
}
