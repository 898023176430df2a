package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// Dispatcher fans events out to one sink from a bounded buffer. Publish
// never blocks: when the buffer is full the event is dropped and counted.
// A nil *Dispatcher is a valid no-op publisher.
type Dispatcher struct {
	sink      Sink
	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher starts the delivery goroutine. bufferSize <= 0 gets a
// minimal buffer of one.
func NewDispatcher(sink Sink, bufferSize int) *Dispatcher {
	if sink == nil {
		sink = NoOpSink{}
	}
	if bufferSize <= 0 {
		bufferSize = 1
	}

	d := &Dispatcher{
		sink: sink,
		ch:   make(chan Event, bufferSize),
		done: make(chan struct{}),
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
			d.sink.Emit(context.Background(), event)
		case <-d.done:
			// Drain what was accepted before close.
			for {
				select {
				case event := <-d.ch:
					d.sink.Emit(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

// Publish queues an event for delivery. Fire-and-forget: a full buffer or a
// closed dispatcher drops the event and reports false.
func (d *Dispatcher) Publish(event Event) bool {
	if d == nil || d.closed.Load() {
		return false
	}
	select {
	case d.ch <- event:
		return true
	case <-d.done:
		return false
	default:
		d.dropped.Add(1)
		return false
	}
}

// Dropped reports how many events were discarded due to backpressure.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Close stops accepting events, delivers what is buffered, and waits for
// the delivery goroutine to exit.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}
