// Package engine wires enumeration, scheduling, download execution, and
// recovery supervision into the bulk-download pipeline.
package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType enumerates the structured events emitted to external sinks.
type EventType string

const (
	EventDownloadStarted   EventType = "download.started"
	EventDownloadProgress  EventType = "download.progress"
	EventDownloadCompleted EventType = "download.completed"
	EventDownloadFailed    EventType = "download.failed"
	EventPipelineStats     EventType = "pipeline.stats"
	EventSupervisorMode    EventType = "supervisor.mode_changed"
)

// Event is one structured progress record. Only the fields relevant to
// the Type are populated.
type Event struct {
	Type EventType
	Time time.Time

	TaskID      string
	Kind        string
	URL         string
	Destination string

	BytesCompleted int64
	BytesTotal     int64

	Bytes          int64
	DurationS      float64
	ThroughputMbps float64

	ErrorClass string
	Message    string
	Attempt    int

	Pipeline  string
	Active    int
	Queued    int
	ErrorRate float64

	// Filter counters ride on pipeline.stats when the base model
	// filter is active.
	FilterAccepted int64
	FilterRejected int64

	From   string
	To     string
	Reason string
}

// Sink consumes events. Implementations must be fast or buffer
// internally; the emitter decouples them from the pipelines regardless.
type Sink interface {
	Emit(Event)
}

// emitterBuffer bounds the event queue; events beyond it are dropped
// rather than stalling a download worker on a slow sink.
const emitterBuffer = 1024

// Emitter fans events out to registered sinks from a single drain
// goroutine. Emit never blocks.
type Emitter struct {
	ch      chan Event
	sinks   []Sink
	dropped atomic.Int64

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

// NewEmitter creates an emitter for the given sinks and starts its drain
// goroutine.
func NewEmitter(sinks ...Sink) *Emitter {
	e := &Emitter{
		ch:    make(chan Event, emitterBuffer),
		sinks: sinks,
		done:  make(chan struct{}),
	}

	e.wg.Add(1)

	go e.drain()

	return e
}

// Emit queues an event, stamping its time if unset. Drops when the
// buffer is full.
func (e *Emitter) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	select {
	case e.ch <- ev:
	default:
		e.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded due to backpressure.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Close flushes queued events and stops the drain goroutine.
func (e *Emitter) Close() {
	e.once.Do(func() {
		close(e.done)
		e.wg.Wait()
	})
}

func (e *Emitter) drain() {
	defer e.wg.Done()

	for {
		select {
		case ev := <-e.ch:
			e.deliver(ev)
		case <-e.done:
			// Flush whatever is queued, then exit.
			for {
				select {
				case ev := <-e.ch:
					e.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) deliver(ev Event) {
	for _, s := range e.sinks {
		s.Emit(ev)
	}
}
