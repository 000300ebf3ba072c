// Package mailbox is the client side of the mailbox protocol. A Manager
// keeps a rotation of relays and a set of subscribed topics, and
// periodically reconciles the local operation logs of those topics with one
// relay at a time: items the relay holds beyond the local heights are
// delivered to subscribers, and items the relay lacks are published to it.
package mailbox

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	mberrors "github.com/c0deZ3R0/go-mailbox-kit/errors"
	"github.com/c0deZ3R0/go-mailbox-kit/logging"
	"github.com/c0deZ3R0/go-mailbox-kit/metrics"
	"github.com/c0deZ3R0/go-mailbox-kit/wire"
)

const component = "mailbox"

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("mailbox manager is closed")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("mailbox manager already started")
)

// Item is one entry of an operation log.
type Item interface {
	// Topic is the stream the item belongs to.
	Topic() wire.Topic

	MarshalBinary() ([]byte, error)
}

// DecodeFunc turns a pulled blob back into an item.
type DecodeFunc[I Item] func(wire.Blob) (I, error)

// LogEntry is an item at its position in an author's log.
type LogEntry[I Item] struct {
	Seq  wire.Seq
	Item I
}

// LogStore is the local operation log the manager reconciles.
type LogStore[I Item] interface {
	// LogHeights returns the highest sequence number held for each author
	// of topic.
	LogHeights(ctx context.Context, topic wire.Topic) (map[wire.Author]wire.Seq, error)

	// Log returns the author's entries starting at from, in order and
	// without gaps. It returns what it has; a short or empty result is not
	// an error.
	Log(ctx context.Context, author wire.Author, topic wire.Topic, from wire.Seq) ([]LogEntry[I], error)
}

// Relay is a remote blob store.
type Relay interface {
	Fetch(ctx context.Context, req wire.FetchRequest) (wire.FetchResponse, error)
	Publish(ctx context.Context, blobs []wire.Blob) error
}

// Stats counts what a manager has done since it was created.
type Stats struct {
	Cycles       uint64
	FailedCycles uint64
	Pulled       uint64
	Pushed       uint64
	Dropped      uint64
	LastSync     time.Time
	LastError    string
}

// Manager reconciles subscribed topics with a rotation of relays.
type Manager[I Item] struct {
	store   LogStore[I]
	decode  DecodeFunc[I]
	cfg     Config
	logger  *logging.Logger
	metrics metrics.Collector

	// wake holds at most one pending trigger. It is closed by Close.
	wake chan struct{}

	mu      sync.RWMutex
	relays  []Relay
	topics  map[wire.Topic]chan I
	closed  bool
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	statsMu sync.Mutex
	stats   Stats
}

// New creates a manager over store. decode rebuilds items pulled from
// relays. The background loop is not running until Start is called.
func New[I Item](store LogStore[I], decode DecodeFunc[I], cfg Config) (*Manager[I], error) {
	if store == nil || decode == nil {
		return nil, mberrors.NewValidationError(mberrors.OpSync, errors.New("log store and decode func are required"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, mberrors.NewValidationError(mberrors.OpSync, err)
	}
	cfg.setDefaults()

	return &Manager[I]{
		store:   store,
		decode:  decode,
		cfg:     cfg,
		logger:  cfg.Logger.WithComponent(logging.Component(component)),
		metrics: cfg.Metrics,
		wake:    make(chan struct{}, 1),
		topics:  make(map[wire.Topic]chan I),
	}, nil
}

// Register adds relay to the rotation. Registering the same relay twice
// gives it two turns per round.
func (m *Manager[I]) Register(relay Relay) {
	m.mu.Lock()
	m.relays = append(m.relays, relay)
	n := len(m.relays)
	m.mu.Unlock()

	m.logger.Debug("relay registered", slog.Int("relays", n))
}

// Clear removes every relay.
func (m *Manager[I]) Clear() {
	m.mu.Lock()
	m.relays = nil
	m.mu.Unlock()

	m.logger.Debug("relays cleared")
}

// Subscribe registers interest in topic and returns the channel pulled items
// are delivered on. Subscribing again replaces the previous channel, which
// receives nothing further and is never closed.
func (m *Manager[I]) Subscribe(topic wire.Topic) (<-chan I, error) {
	ch := make(chan I, m.cfg.ChannelCapacity)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	_, replaced := m.topics[topic]
	m.topics[topic] = ch
	m.mu.Unlock()

	m.logger.Info("subscribed to topic",
		slog.String("topic", string(topic)),
		slog.Bool("replaced", replaced),
	)
	return ch, nil
}

// Unsubscribe removes interest in topic. Items for it that arrive later are
// dropped.
func (m *Manager[I]) Unsubscribe(topic wire.Topic) {
	m.mu.Lock()
	delete(m.topics, topic)
	m.mu.Unlock()

	m.logger.Info("unsubscribed from topic", slog.String("topic", string(topic)))
}

// SubscribedTopics returns the subscribed topics in ascending order.
func (m *Manager[I]) SubscribedTopics() []wire.Topic {
	m.mu.RLock()
	topics := make([]wire.Topic, 0, len(m.topics))
	for topic := range m.topics {
		topics = append(topics, topic)
	}
	m.mu.RUnlock()

	slices.Sort(topics)
	return topics
}

// TriggerSync wakes the background loop early. It never blocks; a trigger
// that is already pending absorbs this one.
func (m *Manager[I]) TriggerSync() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Stats returns a copy of the counters.
func (m *Manager[I]) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

func (m *Manager[I]) relayAt(next int) (Relay, int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.relays) == 0 {
		return nil, 0, false
	}
	i := next % len(m.relays)
	return m.relays[i], i + 1, true
}

func (m *Manager[I]) channel(topic wire.Topic) (chan I, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.topics[topic]
	return ch, ok
}

func (m *Manager[I]) recordCycle(err error) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats.Cycles++
	if err != nil {
		m.stats.FailedCycles++
		m.stats.LastError = err.Error()
		return
	}
	m.stats.LastSync = time.Now()
	m.stats.LastError = ""
}

func (m *Manager[I]) recordItems(pulled, pushed, dropped int) {
	m.statsMu.Lock()
	m.stats.Pulled += uint64(pulled)
	m.stats.Pushed += uint64(pushed)
	m.stats.Dropped += uint64(dropped)
	m.statsMu.Unlock()
}
