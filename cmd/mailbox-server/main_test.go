package main

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-mailbox-kit/blobstore"
	"github.com/c0deZ3R0/go-mailbox-kit/logging"
	"github.com/c0deZ3R0/go-mailbox-kit/transport/httptransport"
	"github.com/c0deZ3R0/go-mailbox-kit/wire"
)

func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

// seedStore points the commands at a fresh SQLite file holding blobs.
func seedStore(t *testing.T, blobs ...wire.Blob) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.db")
	t.Setenv("MAILBOX_BACKEND", blobstore.BackendSQLite)
	t.Setenv("MAILBOX_DB_PATH", path)

	ctx := context.Background()
	cfg := blobstore.DefaultConfig()
	cfg.Path = path
	cfg.Logger = logging.Discard()
	store, err := blobstore.Open(ctx, cfg)
	require.NoError(t, err)
	_, err = store.StoreBatch(ctx, blobs)
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestWatermarksCommand(t *testing.T) {
	seedStore(t,
		wire.Blob{Topic: "b-topic", Author: "alice", Seq: 4, Payload: []byte("x")},
		wire.Blob{Topic: "a-topic", Author: "bob", Seq: 0, Payload: []byte("y")},
		wire.Blob{Topic: "a-topic", Author: "alice", Seq: 2, Payload: []byte("z")},
	)

	out, err := execute(t, context.Background(), "watermarks")
	require.NoError(t, err)

	lines := bytes.Split([]byte(out), []byte("\n"))
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Contains(t, string(lines[0]), "TOPIC")
	assert.Contains(t, string(lines[1]), "a-topic")
	assert.Contains(t, string(lines[1]), "alice")
	assert.Contains(t, string(lines[2]), "bob")
	assert.Contains(t, string(lines[3]), "b-topic")
	assert.Contains(t, out, "3 blobs in 3 logs")
}

func TestWatermarksCommandTopicFilter(t *testing.T) {
	seedStore(t,
		wire.Blob{Topic: "keep", Author: "alice", Seq: 1},
		wire.Blob{Topic: "skip", Author: "alice", Seq: 1},
	)

	out, err := execute(t, context.Background(), "watermarks", "--topic", "keep")
	require.NoError(t, err)
	assert.Contains(t, out, "keep")
	assert.NotContains(t, out, "skip")
}

func TestSweepCommand(t *testing.T) {
	seedStore(t,
		wire.Blob{Topic: "t", Author: "alice", Seq: 0},
		wire.Blob{Topic: "t", Author: "alice", Seq: 1},
	)

	out, err := execute(t, context.Background(), "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 0 of 2 entries")
}

func TestConfigFileErrors(t *testing.T) {
	_, err := execute(t, context.Background(), "watermarks", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)

	t.Setenv("MAILBOX_BACKEND", "mysql")
	_, err = execute(t, context.Background(), "sweep")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestPingCommand(t *testing.T) {
	store, err := blobstore.Open(context.Background(), blobstore.Config{
		Path:   filepath.Join(t.TempDir(), "ping.db"),
		Logger: logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	up := httptest.NewServer(httptransport.NewHandler(store, httptransport.WithServerLogger(logging.Discard())))
	defer up.Close()
	down := httptest.NewServer(nil)
	downURL := down.URL
	down.Close()

	out, err := execute(t, context.Background(), "ping", up.URL)
	require.NoError(t, err)
	assert.Contains(t, out, up.URL+"\tOK")

	t.Setenv("MAILBOX_RELAYS", up.URL+","+downURL)
	out, err = execute(t, context.Background(), "ping")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 relays unreachable")
	assert.Contains(t, out, downURL+"\tDOWN")
}

func TestPingWithoutRelays(t *testing.T) {
	_, err := execute(t, context.Background(), "ping")
	require.Error(t, err)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	seedStore(t)
	t.Setenv("MAILBOX_METRICS", "true")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := execute(t, ctx, "serve", "--addr", "127.0.0.1:0")
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}

func TestLogLevelFlag(t *testing.T) {
	seedStore(t, wire.Blob{Topic: "t", Author: "alice", Seq: 0})

	run := func(level string) (string, error) {
		root := newRootCmd()
		var logs bytes.Buffer
		root.SetOut(io.Discard)
		root.SetErr(&logs)
		root.SetArgs([]string{"sweep", "--log-level", level})
		err := root.ExecuteContext(context.Background())
		return logs.String(), err
	}

	logs, err := run("debug")
	require.NoError(t, err)
	assert.Contains(t, logs, "rebuilt watermarks")

	logs, err = run("error")
	require.NoError(t, err)
	assert.NotContains(t, logs, "rebuilt watermarks")
	assert.NotContains(t, logs, "cleanup completed")

	_, err = run("loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown log level")
}
