// Package poller implements the readiness multiplexer each server component
// blocks on. A Set owns a group of connections; for every member a watcher
// goroutine parks on a one-byte peek and posts an event when the peer
// becomes readable or faults. The owning component is the only goroutine
// allowed to read a member, and a connection leaves one Set before it may
// enter another, so two components can never read the same descriptor
// concurrently.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/smercas/chess-server/logger"
	"github.com/smercas/chess-server/wire"
)

// Kind classifies a readiness event.
type Kind int

const (
	// Readable means one byte has been peeked into the connection's
	// pushback buffer and a read will not block.
	Readable Kind = iota
	// Fault means the peek failed: the peer hung up or the read errored.
	Fault
)

// Event is one readiness report for one member connection.
type Event struct {
	Conn *wire.Conn
	Kind Kind
	// Err is the peek failure for Fault events, nil otherwise.
	Err error

	// epoch ties the event to one membership stint, so a leftover event
	// from before a Remove can never be mistaken for a fresh one if the
	// connection later re-enters the set.
	epoch uint64
}

type watcher struct {
	stop chan struct{}
	done chan struct{}
}

type member struct {
	w     *watcher
	epoch uint64
}

// Set is a readiness set. Add arms a watcher for the connection; Wait
// blocks until some member is readable or faulted; Remove detaches the
// connection so its ownership can move elsewhere. After servicing a
// Readable event the owner must either Rearm the connection or Remove it.
type Set struct {
	log logger.Logger

	mu      sync.Mutex
	members map[*wire.Conn]*member
	epoch   uint64
	events  chan Event
}

// NewSet creates an empty readiness set.
func NewSet(log logger.Logger) *Set {
	return &Set{
		log:     log,
		members: make(map[*wire.Conn]*member),
		events:  make(chan Event, 32),
	}
}

// Add inserts the connection into the set and arms its watcher. Adding a
// member twice is a no-op.
func (s *Set) Add(c *wire.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[c]; ok {
		return
	}
	s.epoch++
	s.members[c] = &member{w: s.arm(c, s.epoch), epoch: s.epoch}
}

// Rearm restarts the watcher after the owner has serviced a Readable
// event. It must only be called by the owning component, for a connection
// whose previous watcher has already delivered.
func (s *Set) Rearm(c *wire.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[c]
	if !ok {
		return
	}
	m.w = s.arm(c, m.epoch)
}

// Remove detaches the connection from the set, stopping and joining its
// watcher first. On return no set goroutine will touch the connection
// again; a byte peeked before the removal stays in the connection's
// pushback buffer for the next owner.
func (s *Set) Remove(c *wire.Conn) {
	s.mu.Lock()
	m := s.members[c]
	delete(s.members, c)
	s.mu.Unlock()
	if m == nil {
		return
	}
	close(m.w.stop)
	// Wake a peek that is parked without a deadline. The deadline is
	// re-asserted until the watcher exits, because the watcher clears
	// deadlines between peeks and could otherwise swallow a single wake.
	for {
		_ = c.SetReadDeadline(time.Now())
		select {
		case <-m.w.done:
			return
		case <-time.After(time.Millisecond):
		}
	}
}

// Members returns a snapshot of the current member connections, for
// drain-and-close on shutdown.
func (s *Set) Members() []*wire.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*wire.Conn, 0, len(s.members))
	for c := range s.members {
		conns = append(conns, c)
	}
	return conns
}

// Contains reports set membership.
func (s *Set) Contains(c *wire.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[c]
	return ok
}

// Len returns the number of members.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// Wait blocks until a member becomes ready or the context is canceled.
// Events whose connection left the set, or that belong to an earlier
// membership stint, are dropped. The second return is false only on
// cancellation.
func (s *Set) Wait(ctx context.Context) (Event, bool) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, false
		case ev := <-s.events:
			s.mu.Lock()
			m, ok := s.members[ev.Conn]
			s.mu.Unlock()
			if !ok || m.epoch != ev.epoch {
				continue
			}
			return ev, true
		}
	}
}

func (s *Set) arm(c *wire.Conn, epoch uint64) *watcher {
	w := &watcher{stop: make(chan struct{}), done: make(chan struct{})}
	go s.watch(c, w, epoch)
	return w
}

// watch parks on a one-byte peek and posts a single event, then exits.
// A deadline expiry without a stop signal is a stray from an earlier
// probe and is retried.
func (s *Set) watch(c *wire.Conn, w *watcher, epoch uint64) {
	defer close(w.done)
	for {
		_ = c.SetReadDeadline(time.Time{})
		err := c.Peek()
		select {
		case <-w.stop:
			return
		default:
		}
		if err != nil && wire.IsWouldBlock(err) {
			continue
		}
		ev := Event{Conn: c, Kind: Readable, epoch: epoch}
		if err != nil {
			ev.Kind = Fault
			ev.Err = err
		}
		select {
		case s.events <- ev:
		case <-w.stop:
		}
		return
	}
}
