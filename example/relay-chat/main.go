// Command relay-chat runs two chat peers, and a relay in the same process
// unless client.relays names one. Alice writes three lines but only sends
// the last one to the relay; her next sync cycle fills the gap and Bob pulls
// all three.
//
//	go run ./example/relay-chat -config example/relay-chat/relay-chat.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/c0deZ3R0/go-mailbox-kit/blobstore"
	"github.com/c0deZ3R0/go-mailbox-kit/config"
	"github.com/c0deZ3R0/go-mailbox-kit/logging"
	"github.com/c0deZ3R0/go-mailbox-kit/mailbox"
	"github.com/c0deZ3R0/go-mailbox-kit/transport/httptransport"
	"github.com/c0deZ3R0/go-mailbox-kit/wire"
)

const room wire.Topic = "general"

// Message is one chat line. Seq is only set on received messages.
type Message struct {
	Room wire.Topic
	Seq  wire.Seq
	Text string
}

func (m Message) Topic() wire.Topic              { return m.Room }
func (m Message) MarshalBinary() ([]byte, error) { return []byte(m.Text), nil }

func decodeMessage(b wire.Blob) (Message, error) {
	return Message{Room: b.Topic, Seq: b.Seq, Text: string(b.Payload)}, nil
}

// memoryLog is a peer's local append-only store.
type memoryLog struct {
	mu   sync.Mutex
	logs map[wire.LogID][]Message
}

func newMemoryLog() *memoryLog {
	return &memoryLog{logs: make(map[wire.LogID][]Message)}
}

func (l *memoryLog) Append(author wire.Author, msg Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := wire.LogID{Topic: msg.Room, Author: author}
	l.logs[id] = append(l.logs[id], msg)
}

func (l *memoryLog) LogHeights(_ context.Context, topic wire.Topic) (map[wire.Author]wire.Seq, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	heights := make(map[wire.Author]wire.Seq)
	for id, msgs := range l.logs {
		if id.Topic == topic && len(msgs) > 0 {
			heights[id.Author] = wire.Seq(len(msgs) - 1)
		}
	}
	return heights, nil
}

func (l *memoryLog) Log(_ context.Context, author wire.Author, topic wire.Topic, from wire.Seq) ([]mailbox.LogEntry[Message], error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := l.logs[wire.LogID{Topic: topic, Author: author}]
	var out []mailbox.LogEntry[Message]
	for i := int(from); i < len(msgs); i++ {
		out = append(out, mailbox.LogEntry[Message]{Seq: wire.Seq(i), Item: msgs[i]})
	}
	return out, nil
}

func main() {
	configPath := flag.String("config", "", "config file path (YAML)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.Logging).WithComponent("relay-chat")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.LogError(ctx, err, "relay-chat failed")
		os.Exit(1)
	}
}

// startRelay serves a Pebble relay in dir on a loopback port and returns its
// URL and a stop function.
func startRelay(ctx context.Context, cfg *config.Config, dir string, logger *logging.Logger) (string, func(), error) {
	storeCfg := cfg.Server.Store
	storeCfg.Backend = blobstore.BackendPebble
	storeCfg.Path = dir
	storeCfg.Logger = logger
	store, err := blobstore.Open(ctx, storeCfg)
	if err != nil {
		return "", nil, err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		store.Close()
		return "", nil, err
	}
	opts := append(cfg.Server.HTTP.Options(), httptransport.WithServerLogger(logger))
	srv := httptransport.NewServer(ln.Addr().String(), httptransport.NewHandler(store, opts...))
	go func() {
		if err := srv.Serve(ln); !httptransport.IsServerClosed(err) {
			logger.LogError(ctx, err, "relay stopped")
		}
	}()
	stopRelay := func() {
		_ = srv.Shutdown(context.Background())
		_ = store.Close()
	}
	return "http://" + ln.Addr().String(), stopRelay, nil
}

// newClients builds one relay client per configured relay, or one for
// fallback when none is configured.
func newClients(cc config.ClientConfig, fallback string) ([]*httptransport.Client, error) {
	urls := cc.Relays
	if len(urls) == 0 {
		urls = []string{fallback}
	}
	opts, err := cc.ClientOptions()
	if err != nil {
		return nil, err
	}
	clients := make([]*httptransport.Client, 0, len(urls))
	for _, u := range urls {
		c, err := httptransport.NewClient(u, opts...)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, nil
}

// newPeer builds a manager from the client sync settings and registers
// every relay with it.
func newPeer(cc config.ClientConfig, log *memoryLog, clients []*httptransport.Client, logger *logging.Logger) (*mailbox.Manager[Message], error) {
	syncCfg := cc.Sync
	syncCfg.Logger = logger
	m, err := mailbox.New[Message](log, decodeMessage, syncCfg)
	if err != nil {
		return nil, err
	}
	for _, c := range clients {
		m.Register(c)
	}
	return m, nil
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	var relayURL string
	if len(cfg.Client.Relays) == 0 {
		dir, err := os.MkdirTemp("", "relay-chat-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)

		url, stopRelay, err := startRelay(ctx, cfg, dir, logger)
		if err != nil {
			return err
		}
		defer stopRelay()
		relayURL = url
	}

	clients, err := newClients(cfg.Client, relayURL)
	if err != nil {
		return err
	}

	aliceLog := newMemoryLog()
	alice, err := newPeer(cfg.Client, aliceLog, clients, logger.WithComponent("alice"))
	if err != nil {
		return err
	}
	defer alice.Close()
	bob, err := newPeer(cfg.Client, newMemoryLog(), clients, logger.WithComponent("bob"))
	if err != nil {
		return err
	}
	defer bob.Close()

	lines := []string{"hello bob", "are you there?", "the relay keeps this while you are away"}
	for _, text := range lines {
		aliceLog.Append("alice", Message{Room: room, Text: text})
	}
	last := len(lines) - 1
	if err := clients[0].Publish(ctx, []wire.Blob{{
		Topic:   room,
		Author:  "alice",
		Seq:     wire.Seq(last),
		Payload: []byte(lines[last]),
	}}); err != nil {
		return err
	}

	inbox, err := bob.Subscribe(room)
	if err != nil {
		return err
	}
	if err := alice.Start(ctx); err != nil {
		return err
	}
	if err := bob.Start(ctx); err != nil {
		return err
	}

	// Alice needs one cycle to fill the gap, Bob up to two more to see it.
	timeout := time.After(3*(cfg.Client.Sync.SuccessInterval+cfg.Client.Sync.MinInterval) + 5*time.Second)
	// Bob never appends to his own log, so every cycle pulls the whole room
	// again; repeats are skipped by sequence number.
	seen := make(map[wire.Seq]bool)
	for len(seen) < len(lines) {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-inbox:
			if seen[msg.Seq] {
				continue
			}
			seen[msg.Seq] = true
			logger.InfoContext(ctx, "bob received",
				slog.Uint64("seq", uint64(msg.Seq)),
				slog.String("text", msg.Text),
			)
		case <-timeout:
			return errors.New("timed out waiting for messages")
		}
	}

	stats := bob.Stats()
	logger.InfoContext(ctx, "done",
		slog.Uint64("cycles", stats.Cycles),
		slog.Uint64("pulled", stats.Pulled),
	)
	return nil
}
