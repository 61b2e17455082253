// Package eventbus delivers member state-change notifications to
// subscribers through a bounded worker pool.
package eventbus

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fand/internal/fan"
)

// Default configuration
const (
	DefaultWorkerCount = 4
	DefaultQueueSize   = 100
)

// Change describes one member's state transition. Old is nil for the first
// report of a member, New is nil when a member is removed.
type Change struct {
	MemberID string
	Old      *fan.MemberState
	New      *fan.MemberState
}

// Handler is a function that handles state changes.
type Handler func(Change)

// work represents a unit of work for the worker pool
type work struct {
	change  Change
	handler Handler
}

// Subscription is a handle for one registered handler. It is released with
// Unsubscribe, which is safe to call more than once.
type Subscription struct {
	id      string
	bus     *Bus
	members map[string]struct{}
	handler Handler
	once    sync.Once
}

// Unsubscribe removes the subscription from the bus. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s.id)
	})
}

// Bus routes member state changes to subscribers with a bounded worker pool.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*Subscription

	// Worker pool
	workQueue chan work
	wg        sync.WaitGroup

	// Shutdown signaling - closing this channel signals publishers to stop
	// Using a channel in select is race-free (unlike mutex + bool)
	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a new event bus with default settings
func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig creates a new event bus with custom worker count and queue size
func NewWithConfig(workerCount, queueSize int) *Bus {
	b := &Bus{
		subs:      make(map[string]*Subscription),
		workQueue: make(chan work, queueSize),
		closing:   make(chan struct{}),
	}

	// Start worker pool
	for i := 0; i < workerCount; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}

	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Event bus worker pool started")
	return b
}

// worker processes changes from the work queue. On shutdown it drains
// whatever is already queued, then exits. The queue itself is never closed
// so late publishers cannot hit a closed channel.
func (b *Bus) worker(id int) {
	defer b.wg.Done()

	for {
		select {
		case w := <-b.workQueue:
			b.handle(id, w)
		case <-b.closing:
			for {
				select {
				case w := <-b.workQueue:
					b.handle(id, w)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) handle(id int, w work) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("member_id", w.change.MemberID).
				Int("worker", id).
				Msg("Change handler panicked")
		}
	}()
	w.handler(w.change)
}

// SubscribeMembers registers a handler invoked whenever any of the given
// member ids changes state. The returned subscription must be released with
// Unsubscribe when the watcher goes away.
func (b *Bus) SubscribeMembers(memberIDs []string, handler Handler) *Subscription {
	members := make(map[string]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		members[id] = struct{}{}
	}

	sub := &Subscription{
		id:      uuid.NewString(),
		bus:     b,
		members: members,
		handler: handler,
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return sub
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish delivers a change to all subscriptions watching its member id.
// Non-blocking: if the work queue is full or the bus is closing, changes
// are dropped with a warning.
func (b *Bus) Publish(change Change) {
	b.mu.RLock()
	var handlers []Handler
	for _, sub := range b.subs {
		if _, ok := sub.members[change.MemberID]; ok {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		select {
		case <-b.closing:
			log.Warn().Str("member_id", change.MemberID).Msg("Event bus closing, dropping change")
			return
		default:
		}

		select {
		case b.workQueue <- work{change: change, handler: handler}:
			// Successfully queued
		default:
			// Queue full - drop change with warning
			log.Warn().
				Str("member_id", change.MemberID).
				Msg("Event bus queue full, dropping change")
		}
	}
}

// Close shuts down the worker pool gracefully. Safe to call more than once.
// Signals publishers and workers to stop, then waits for the workers to
// drain the queued changes. The work queue stays open: a publisher racing
// the shutdown drops its change instead of panicking.
func (b *Bus) Close(ctx context.Context) {
	b.closeOnce.Do(func() {
		close(b.closing)
	})

	// Wait for workers to finish with timeout
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Event bus workers stopped gracefully")
	case <-ctx.Done():
		log.Warn().Msg("Event bus shutdown timed out, some changes may be lost")
	}
}
