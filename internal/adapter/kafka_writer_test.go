package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/caesar-terminal/depthbook/internal/logging"
	"github.com/caesar-terminal/depthbook/internal/profile"
	"github.com/caesar-terminal/depthbook/internal/publish"
)

// mockKafka records written messages.
type mockKafka struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (m *mockKafka) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, msgs...)
	return nil
}

func (m *mockKafka) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *mockKafka) snapshot() ([]kafka.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]kafka.Message(nil), m.msgs...), m.closed
}

func TestKafkaWriter_WritesKeyedJSON(t *testing.T) {
	mock := &mockKafka{}
	feed := make(chan publish.Snapshot, 4)
	kw := NewKafkaWriter(mock, feed, logging.Nop())

	snap := esSnapshot(7, 16048, time.UnixMilli(1700000000000))
	snap.Profile = []profile.Bucket{{Price: 16048, Volume: 300}}
	snap.StackedAsk = 42
	feed <- snap
	close(feed)

	kw.Run(context.Background())

	msgs, closed := mock.snapshot()
	if !closed {
		t.Fatal("writer not closed after feed closed")
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if string(msgs[0].Key) != "ES" {
		t.Fatalf("key = %q, want ES", msgs[0].Key)
	}

	var rec snapshotRecord
	if err := json.Unmarshal(msgs[0].Value, &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Seq != 7 || rec.Bid != "4012" || rec.TickSize != "0.25" {
		t.Fatalf("record = %+v", rec)
	}
	if len(rec.Bids) != 2 || rec.Bids[0] != [2]int64{16048, 12} {
		t.Fatalf("bids = %v", rec.Bids)
	}
	if len(rec.Profile) != 1 || rec.StackedAsk != 42 {
		t.Fatalf("profile = %v stacked = %d", rec.Profile, rec.StackedAsk)
	}
}

func TestKafkaWriter_ErrorDoesNotStop(t *testing.T) {
	mock := &mockKafka{err: errors.New("leader not available")}
	feed := make(chan publish.Snapshot, 4)
	kw := NewKafkaWriter(mock, feed, logging.Nop())

	feed <- esSnapshot(1, 16048, time.Now())
	feed <- esSnapshot(2, 16048, time.Now())
	close(feed)

	done := make(chan struct{})
	go func() {
		kw.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after feed closed")
	}
	if _, closed := mock.snapshot(); !closed {
		t.Fatal("writer not closed")
	}
}
