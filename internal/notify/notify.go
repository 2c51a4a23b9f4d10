// Package notify fans chunk events out to in-process subscribers.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/CZERTAINLY/nbexec/internal/model"
)

type EventType string

const (
	ChunkOutput        EventType = "chunk_output"
	ChunkExecCompleted EventType = "chunk_exec_completed"
)

// Event carries exactly one of Output or Completed.
type Event struct {
	Type      EventType                  `json:"type"`
	Output    *model.ChunkOutputEvent    `json:"output,omitempty"`
	Completed *model.ChunkCompletedEvent `json:"completed,omitempty"`
}

// Key returns the document and chunk the event refers to.
func (e Event) Key() (docID, chunkID string) {
	switch {
	case e.Output != nil:
		return e.Output.DocID, e.Output.ChunkID
	case e.Completed != nil:
		return e.Completed.DocID, e.Completed.ChunkID
	}
	return "", ""
}

const DefaultBuffer = 64

// Bus delivers events without blocking the publisher. A subscriber whose
// buffer is full misses the event.
type Bus struct {
	mx     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[uint64]chan Event),
	}
}

// Subscribe returns a channel of events and a function releasing it.
// The channel is closed on release or when the bus is closed.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish sends ev to every subscriber.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mx.RLock()
	defer b.mx.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.WarnContext(ctx, "subscriber is full: event dropped", "subscriber", id, "type", ev.Type)
		}
	}
}

// ChunkOutput publishes a chunk output event.
func (b *Bus) ChunkOutput(ctx context.Context, ev model.ChunkOutputEvent) {
	b.Publish(ctx, Event{Type: ChunkOutput, Output: &ev})
}

// ChunkExecCompleted publishes a chunk completion event.
func (b *Bus) ChunkExecCompleted(ctx context.Context, ev model.ChunkCompletedEvent) {
	b.Publish(ctx, Event{Type: ChunkExecCompleted, Completed: &ev})
}

// Close releases all subscribers. Later subscriptions get a closed channel.
func (b *Bus) Close() {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
