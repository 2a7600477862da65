// Package approval turns "ask a human, once, with a deadline" into an awaitable call.
// Concurrent requests for the same dedupe key share one prompt and one outcome.
package approval

import (
	"context"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"remote-access-trust/backend/internal/approval/domain"
	"remote-access-trust/backend/internal/telemetry"
	telemetrydomain "remote-access-trust/backend/internal/telemetry/domain"
)

// DefaultTimeout is how long a request waits for an explicit response before resolving to false.
const DefaultTimeout = 60 * time.Second

const eventSource = "approval"

// pendingApproval is one unresolved request. done is closed exactly once, after accepted is set;
// every waiter reads accepted after <-done.
type pendingApproval struct {
	request   domain.Request
	dedupeKey string
	seq       uint64
	timer     *time.Timer
	done      chan struct{}
	accepted  bool
}

func (p *pendingApproval) wait(ctx context.Context) bool {
	select {
	case <-p.done:
		return p.accepted
	case <-ctx.Done():
		// Only this caller gives up; the request stays pending for the others.
		return false
	}
}

type subscriber struct {
	onRequest func(domain.Request)
	onRemoved func(requestID string)
}

// Broker holds pending approvals. The zero value is not usable; call NewBroker.
//
// Listener callbacks run while the broker's lock is held so that event order matches state
// order and Subscribe's snapshot is exact. They must return quickly and must not call back
// into the Broker.
type Broker struct {
	mu          sync.Mutex
	timeout     time.Duration
	pending     map[string]*pendingApproval // by request id
	byKey       map[string]*pendingApproval // by dedupe key
	seq         uint64
	responders  int
	subscribers map[uint64]subscriber
	nextSubID   uint64
	closed      bool
	emitter     telemetry.EventEmitter
}

// NewBroker returns a Broker whose requests time out after timeout (DefaultTimeout when <= 0).
// emitter may be nil.
func NewBroker(timeout time.Duration, emitter telemetry.EventEmitter) *Broker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Broker{
		timeout:     timeout,
		pending:     make(map[string]*pendingApproval),
		byKey:       make(map[string]*pendingApproval),
		subscribers: make(map[uint64]subscriber),
		emitter:     emitter,
	}
}

// RequestVerification asks a human to approve payload and blocks until the request is answered,
// times out, or ctx is done. If a request for the same dedupe key is already pending, the caller
// joins it and no new prompt is emitted. With no registered responder and nothing to join it
// returns false immediately without emitting anything.
func (b *Broker) RequestVerification(ctx context.Context, payload domain.HostKeyPayload) bool {
	key := payload.Key()

	b.mu.Lock()
	if p, ok := b.byKey[key]; ok {
		b.mu.Unlock()
		return p.wait(ctx)
	}
	if b.responders == 0 || b.closed {
		b.mu.Unlock()
		return false
	}

	b.seq++
	p := &pendingApproval{
		request: domain.Request{
			RequestID:   uuid.New().String(),
			Host:        payload.Host,
			KeyType:     payload.KeyType,
			Fingerprint: payload.Fingerprint,
			Prompt:      payload.Prompt,
		},
		dedupeKey: key,
		seq:       b.seq,
		done:      make(chan struct{}),
	}
	b.pending[p.request.RequestID] = p
	b.byKey[key] = p
	requestID := p.request.RequestID
	// The callback blocks on b.mu until this critical section ends, so p.timer is set before it can run.
	p.timer = time.AfterFunc(b.timeout, func() {
		if b.finish(requestID, false) {
			log.Printf("approval: request %s for %s timed out", requestID, payload.Host)
			telemetry.EmitAsync(b.emitter, &telemetrydomain.Event{
				EventType: telemetrydomain.EventApprovalTimeout,
				Source:    eventSource,
				RequestID: requestID,
			})
		}
	})
	for _, sub := range b.subscribers {
		sub.onRequest(p.request)
	}
	b.mu.Unlock()

	telemetry.EmitAsync(b.emitter, &telemetrydomain.Event{
		EventType: telemetrydomain.EventApprovalRequested,
		Source:    eventSource,
		RequestID: requestID,
		Metadata:  map[string]string{"host": payload.Host, "key_type": payload.KeyType, "fingerprint": payload.Fingerprint},
	})
	return p.wait(ctx)
}

// Respond resolves the pending request requestID for every waiter. Unknown and already
// resolved ids are ignored.
func (b *Broker) Respond(requestID string, accept bool) {
	if !b.finish(requestID, accept) {
		return
	}
	if accept {
		log.Printf("approval: request %s approved", requestID)
	} else {
		log.Printf("approval: request %s denied", requestID)
	}
	telemetry.EmitAsync(b.emitter, &telemetrydomain.Event{
		EventType: telemetrydomain.EventApprovalResolved,
		Source:    eventSource,
		RequestID: requestID,
		Metadata:  map[string]string{"accepted": strconv.FormatBool(accept)},
	})
}

// finish removes and resolves the request. Returns false if it was already gone.
func (b *Broker) finish(requestID string, accept bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[requestID]
	if !ok {
		return false
	}
	delete(b.pending, requestID)
	if b.byKey[p.dedupeKey] == p {
		delete(b.byKey, p.dedupeKey)
	}
	p.timer.Stop()
	p.accepted = accept
	close(p.done)
	for _, sub := range b.subscribers {
		if sub.onRemoved != nil {
			sub.onRemoved(requestID)
		}
	}
	return true
}

// RegisterResponder admits new prompts while at least one responder is registered. The returned
// release func is idempotent. Releasing the last responder does not cancel pending requests.
func (b *Broker) RegisterResponder() (release func()) {
	b.mu.Lock()
	b.responders++
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.responders--
			b.mu.Unlock()
		})
	}
}

// Subscribe registers listeners and returns the pending requests at the moment of registration,
// oldest first. Registration and snapshot happen in one critical section, so every request is
// seen exactly once: either in the snapshot or through onRequest. onRemoved may be nil.
func (b *Broker) Subscribe(onRequest func(domain.Request), onRemoved func(requestID string)) (snapshot []domain.Request, unsubscribe func()) {
	if onRequest == nil {
		onRequest = func(domain.Request) {}
	}
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.subscribers[id] = subscriber{onRequest: onRequest, onRemoved: onRemoved}
	snapshot = b.snapshotLocked()
	b.mu.Unlock()

	var once sync.Once
	return snapshot, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
		})
	}
}

// Pending returns the currently pending requests, oldest first.
func (b *Broker) Pending() []domain.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Broker) snapshotLocked() []domain.Request {
	list := make([]*pendingApproval, 0, len(b.pending))
	for _, p := range b.pending {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	out := make([]domain.Request, len(list))
	for i, p := range list {
		out[i] = p.request
	}
	return out
}

// Close rejects every pending request and refuses new ones. Used at process shutdown so no
// caller stays blocked.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.finish(id, false)
	}
}
