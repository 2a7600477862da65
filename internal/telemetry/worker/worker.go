// Package worker moves trust events from the Kafka topic to Loki.
package worker

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageReader is the subset of *kafka.Reader the worker uses. Messages are committed only after
// they were pushed or given up on.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// PushFunc delivers one raw event, e.g. (*loki.Client).PushEventJSON.
type PushFunc func(ctx context.Context, value []byte) error

const (
	defaultPushTimeout = 10 * time.Second
	defaultMaxAttempts = 3
	defaultBackoff     = 500 * time.Millisecond
)

// Worker consumes messages until its context is cancelled.
type Worker struct {
	reader      MessageReader
	push        PushFunc
	pushTimeout time.Duration
	maxAttempts int
	backoff     time.Duration
}

// New returns a Worker with the default push timeout and retry policy.
func New(reader MessageReader, push PushFunc) *Worker {
	return &Worker{
		reader:      reader,
		push:        push,
		pushTimeout: defaultPushTimeout,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
	}
}

// Run fetches, pushes, and commits until ctx is done. It returns nil on cancellation.
// A message that still fails after maxAttempts is logged and committed so one bad
// event cannot stall the partition.
func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				// reader closed
				return nil
			}
			log.Printf("worker: kafka fetch error: %v", err)
			if !sleepCtx(ctx, w.backoff) {
				return nil
			}
			continue
		}

		if err := w.deliver(ctx, msg.Value); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("worker: dropping message at %s/%d offset %d: %v", msg.Topic, msg.Partition, msg.Offset, err)
		}
		if err := w.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("worker: commit failed: %v", err)
		}
	}
}

func (w *Worker) deliver(ctx context.Context, value []byte) error {
	var err error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		pushCtx, cancel := context.WithTimeout(ctx, w.pushTimeout)
		err = w.push(pushCtx, value)
		cancel()
		if err == nil {
			return nil
		}
		log.Printf("worker: loki push failed (attempt %d/%d): %v", attempt, w.maxAttempts, err)
		if attempt < w.maxAttempts && !sleepCtx(ctx, w.backoff*time.Duration(attempt)) {
			return ctx.Err()
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
