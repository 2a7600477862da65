package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	fetchErr  error
	drained   chan struct{}
	once      sync.Once
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.fetchErr != nil {
		err := r.fetchErr
		r.fetchErr = nil
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	r.once.Do(func() { close(r.drained) })
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func newFakeReader(values ...string) *fakeReader {
	r := &fakeReader{drained: make(chan struct{})}
	for i, v := range values {
		r.msgs = append(r.msgs, kafka.Message{Offset: int64(i), Value: []byte(v)})
	}
	return r
}

func runUntilDrained(t *testing.T, w *Worker, r *fakeReader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	select {
	case <-r.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("reader not drained")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWorker_PushesAndCommitsInOrder(t *testing.T) {
	r := newFakeReader(`{"eventType":"a"}`, `{"eventType":"b"}`)
	var mu sync.Mutex
	var pushed []string
	w := New(r, func(ctx context.Context, value []byte) error {
		mu.Lock()
		pushed = append(pushed, string(value))
		mu.Unlock()
		return nil
	})
	runUntilDrained(t, w, r)

	if len(pushed) != 2 || pushed[0] != `{"eventType":"a"}` || pushed[1] != `{"eventType":"b"}` {
		t.Errorf("pushed = %v", pushed)
	}
	if c := r.commits(); len(c) != 2 || c[0] != 0 || c[1] != 1 {
		t.Errorf("committed = %v", c)
	}
}

func TestWorker_RetriesThenCommits(t *testing.T) {
	r := newFakeReader("x")
	attempts := 0
	w := New(r, func(ctx context.Context, value []byte) error {
		attempts++
		if attempts < 2 {
			return errors.New("loki down")
		}
		return nil
	})
	w.backoff = time.Millisecond
	runUntilDrained(t, w, r)

	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if c := r.commits(); len(c) != 1 {
		t.Errorf("committed = %v, want one", c)
	}
}

func TestWorker_GivesUpAfterMaxAttempts(t *testing.T) {
	r := newFakeReader("bad", "good")
	var mu sync.Mutex
	calls := map[string]int{}
	w := New(r, func(ctx context.Context, value []byte) error {
		mu.Lock()
		defer mu.Unlock()
		calls[string(value)]++
		if string(value) == "bad" {
			return errors.New("rejected")
		}
		return nil
	})
	w.backoff = time.Millisecond
	runUntilDrained(t, w, r)

	if calls["bad"] != defaultMaxAttempts {
		t.Errorf("bad attempts = %d, want %d", calls["bad"], defaultMaxAttempts)
	}
	if calls["good"] != 1 {
		t.Errorf("good attempts = %d, want 1", calls["good"])
	}
	if c := r.commits(); len(c) != 2 {
		t.Errorf("committed = %v, want both offsets", c)
	}
}

func TestWorker_FetchErrorIsRetried(t *testing.T) {
	r := newFakeReader("x")
	r.fetchErr = errors.New("broker unavailable")
	pushed := 0
	w := New(r, func(ctx context.Context, value []byte) error {
		pushed++
		return nil
	})
	w.backoff = time.Millisecond
	runUntilDrained(t, w, r)

	if pushed != 1 {
		t.Errorf("pushed = %d, want 1", pushed)
	}
}

func TestWorker_StopsOnCancel(t *testing.T) {
	r := newFakeReader()
	w := New(r, func(ctx context.Context, value []byte) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
