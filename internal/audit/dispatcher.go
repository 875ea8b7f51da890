package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/welldanyogia/authguard/internal/metrics"
)

// DefaultBufferSize is the dispatcher queue length
const DefaultBufferSize = 1024

const sinkWriteTimeout = 5 * time.Second

// Config controls dispatcher buffering behavior
type Config struct {
	BufferSize int
}

// Dispatcher asynchronously forwards audit events to its sinks. Events
// are dropped, never queued behind, when the buffer is full or the
// dispatcher is closed. Every recorded event is either delivered or
// counted in Dropped.
type Dispatcher struct {
	sinks   []Sink
	logger  *slog.Logger
	now     func() time.Time
	ch      chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Uint64

	// mu guards closed. Record holds it shared across the enqueue so Close
	// cannot signal the drain while a send is in flight.
	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts the dispatcher goroutine
func NewDispatcher(cfg Config, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		sinks:  sinks,
		logger: logger,
		now:    time.Now,
		ch:     make(chan Event, cfg.BufferSize),
		done:   make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.deliver(event)
		case <-d.done:
			for {
				select {
				case event := <-d.ch:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(event Event) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
		err := sink.Write(ctx, event)
		cancel()
		if err != nil {
			metrics.AuditSinkErrors.WithLabelValues(sink.Name()).Inc()
			d.logger.Warn("audit sink write failed",
				"sink", sink.Name(),
				"action", string(event.Action),
				"event_id", event.ID,
				"error", err,
			)
		}
	}
}

// Record enqueues the event. It never blocks and never fails the caller.
func (d *Dispatcher) Record(_ context.Context, event Event) {
	if d == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = d.now().UTC()
	}
	if event.ResourceType == "" {
		event.ResourceType = ResourceTypeUser
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop()
		return
	}
	select {
	case d.ch <- event:
	default:
		d.drop()
	}
}

func (d *Dispatcher) drop() {
	d.dropped.Add(1)
	metrics.AuditEventsDropped.Inc()
}

// Close stops accepting events and drains the queue
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.done)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Dropped returns how many events were discarded, either because the
// buffer was full or because they arrived after Close
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
