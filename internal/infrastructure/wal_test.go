package infrastructure

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestWAL(t *testing.T) *WAL {
	t.Helper()
	wal, err := NewWAL(filepath.Join(t.TempDir(), "wal", "events.log"))
	require.NoError(t, err)
	t.Cleanup(func() { wal.Close() })
	return wal
}

func TestWALAppendAndReadAll(t *testing.T) {
	wal := newTestWAL(t)

	require.NoError(t, wal.Append("dispenser.alerts", []byte(`{"title":"Missed Dose"}`)))
	require.NoError(t, wal.Append("dispenser.alerts", []byte(`{"title":"Late Dose"}`)))

	entries, err := wal.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "dispenser.alerts", entries[0].Topic)
	assert.JSONEq(t, `{"title":"Missed Dose"}`, string(entries[0].Data))
	assert.NotEmpty(t, entries[0].ID)
	assert.NotEqual(t, entries[0].ID, entries[1].ID)

	// appends after a read still land at the end
	require.NoError(t, wal.Append("dispenser.alerts", []byte(`{}`)))
	entries, err = wal.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestWALSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	require.NoError(t, os.WriteFile(path, []byte("not json\n"), 0o644))

	wal, err := NewWAL(path)
	require.NoError(t, err)
	defer wal.Close()
	require.NoError(t, wal.Append("t", []byte(`1`)))

	entries, err := wal.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWALCompact(t *testing.T) {
	wal := newTestWAL(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, wal.Append("t", []byte(`{}`)))
	}
	entries, err := wal.ReadAll()
	require.NoError(t, err)

	require.NoError(t, wal.Compact(func(all []WALEntry) ([]WALEntry, error) {
		assert.Len(t, all, 3)
		return all[1:2], nil
	}))

	after, err := wal.ReadAll()
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, entries[1].ID, after[0].ID)
	assert.Greater(t, wal.Stats()["size"].(int64), int64(0))

	require.NoError(t, wal.Append("t", []byte(`{}`)))
	after, err = wal.ReadAll()
	require.NoError(t, err)
	assert.Len(t, after, 2)
}

func TestWALCompactErrorLeavesLog(t *testing.T) {
	wal := newTestWAL(t)
	require.NoError(t, wal.Append("t", []byte(`1`)))

	err := wal.Compact(func([]WALEntry) ([]WALEntry, error) { return nil, errors.New("stop") })
	require.EqualError(t, err, "stop")

	entries, err := wal.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWALAppendAfterCompactionByAnotherHandle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	server, err := NewWAL(path)
	require.NoError(t, err)
	defer server.Close()
	replayer, err := NewWAL(path)
	require.NoError(t, err)
	defer replayer.Close()

	require.NoError(t, server.Append("dispenser.alerts", []byte(`1`)))
	require.NoError(t, replayer.Compact(func([]WALEntry) ([]WALEntry, error) { return nil, nil }))

	// the server still holds the file that was renamed away
	require.NoError(t, server.Append("dispenser.alerts", []byte(`2`)))

	entries, err := replayer.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `2`, string(entries[0].Data))
}

func TestWALAppendDuringCompactionIsKept(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	server, err := NewWAL(path)
	require.NoError(t, err)
	defer server.Close()
	replayer, err := NewWAL(path)
	require.NoError(t, err)
	defer replayer.Close()

	require.NoError(t, server.Append("dispenser.alerts", []byte(`1`)))

	appended := make(chan error, 1)
	require.NoError(t, replayer.Compact(func(entries []WALEntry) ([]WALEntry, error) {
		require.Len(t, entries, 1)
		go func() { appended <- server.Append("dispenser.alerts", []byte(`2`)) }()
		select {
		case err := <-appended:
			t.Fatalf("append finished during compaction: %v", err)
		case <-time.After(50 * time.Millisecond):
		}
		return nil, nil
	}))
	require.NoError(t, <-appended)

	entries, err := server.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `2`, string(entries[0].Data))
}

type fakeRawPublisher struct {
	mu    sync.Mutex
	sent  []string
	err   error
	calls int
}

func (p *fakeRawPublisher) PublishRaw(_ context.Context, topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, topic+" "+string(body))
	return nil
}

func TestOutboxPublishesDirectly(t *testing.T) {
	wal := newTestWAL(t)
	pub := &fakeRawPublisher{}
	outbox := NewOutbox(pub, wal, testLogger())

	require.NoError(t, outbox.Publish(context.Background(), "dispenser.alerts", map[string]string{"title": "Late Dose"}))

	assert.Equal(t, []string{`dispenser.alerts {"title":"Late Dose"}`}, pub.sent)
	entries, err := wal.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOutboxParksOnFailure(t *testing.T) {
	wal := newTestWAL(t)
	pub := &fakeRawPublisher{err: errors.New("amqp link detached")}
	outbox := NewOutbox(pub, wal, testLogger())

	require.NoError(t, outbox.Publish(context.Background(), "dispenser.alerts", map[string]int{"alert_id": 1}))

	entries, err := wal.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"alert_id":1}`, string(entries[0].Data))
}

func TestOutboxWithoutBroker(t *testing.T) {
	wal := newTestWAL(t)
	outbox := NewOutbox(nil, wal, testLogger())

	require.NoError(t, outbox.Publish(context.Background(), "dispenser.alerts", 1))
	entries, err := wal.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = outbox.Replay(context.Background())
	assert.ErrorIs(t, err, ErrNoPublisher)
}

func TestOutboxReplay(t *testing.T) {
	wal := newTestWAL(t)
	pub := &fakeRawPublisher{err: errors.New("down")}
	outbox := NewOutbox(pub, wal, testLogger())
	ctx := context.Background()

	require.NoError(t, outbox.Publish(ctx, "a", 1))
	require.NoError(t, outbox.Publish(ctx, "b", 2))

	res, err := outbox.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Published)
	assert.Equal(t, 2, res.Remaining)
	entries, err := wal.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, 1, entries[0].Retries)

	pub.err = nil
	res, err = outbox.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Published)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, []string{"a 1", "b 2"}, pub.sent)

	entries, err = wal.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOutboxReplayDropsAfterRetryLimit(t *testing.T) {
	wal := newTestWAL(t)
	pub := &fakeRawPublisher{err: errors.New("down")}
	outbox := NewOutbox(pub, wal, testLogger())
	ctx := context.Background()

	require.NoError(t, outbox.Publish(ctx, "a", 1))
	var res *ReplayResult
	var err error
	for i := 0; i < 5; i++ {
		res, err = outbox.Replay(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 0, res.Remaining)
}
