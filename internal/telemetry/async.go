package telemetry

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"remote-access-trust/backend/internal/telemetry/domain"
)

// emitTimeout is the max time allowed for a single async emit. Used by EmitAsync and by ShutdownDrainDuration.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait after the HTTP server stops before shutting down OTel providers,
// so in-flight async telemetry emits have time to complete. Must be >= emitTimeout.
const ShutdownDrainDuration = emitTimeout

// maxInFlight caps concurrent async emits. A stalled exporter then costs dropped events, not goroutines.
const maxInFlight = 512

var (
	inFlight = make(chan struct{}, maxInFlight)
	dropped  atomic.Int64
)

// EmitAsync runs Emit in a goroutine with a short timeout so the caller is not blocked.
// Used on broker, authority, and request paths for best-effort telemetry; errors are logged.
// When maxInFlight emits are already running the event is dropped.
//
// emitter and event may be nil; EmitAsync returns immediately without starting a goroutine.
// CreatedAt is filled with the current UTC time when zero.
func EmitAsync(emitter EventEmitter, event *domain.Event) {
	if emitter == nil || event == nil {
		return
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	select {
	case inFlight <- struct{}{}:
	default:
		if n := dropped.Add(1); n == 1 || n%1000 == 0 {
			log.Printf("telemetry: emitter saturated, dropped %d events so far (latest %s)", n, event.EventType)
		}
		return
	}
	go func() {
		defer func() { <-inFlight }()
		emitCtx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := emitter.Emit(emitCtx, event); err != nil {
			log.Printf("telemetry: async emit %s failed: %v", event.EventType, err)
		}
	}()
}

// Dropped returns how many events EmitAsync discarded because too many emits were in flight.
func Dropped() int64 {
	return dropped.Load()
}
