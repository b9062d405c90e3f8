// Package queue implements matchmaking: a rank-ordered waiting list, a
// watcher that services players changing their mind while they wait, and
// a pairing worker that commits the two lowest-ranked entries into a
// match after probing both for a last-moment departure.
package queue

import (
	"context"
	"sync"

	"github.com/smercas/chess-server/account"
	"github.com/smercas/chess-server/logger"
	"github.com/smercas/chess-server/poller"
	"github.com/smercas/chess-server/wire"
)

// Admitter takes a connection back into the lobby.
type Admitter interface {
	Admit(c *wire.Conn)
}

// Starter launches a match for two committed players. It must not block
// the pairing worker; the match runs on its own goroutine.
type Starter interface {
	Start(ctx context.Context, a, b *account.Session)
}

// Queue owns every connection waiting for an opponent. Enqueue may be
// called from any goroutine; RunWatcher and RunPairer each run on their
// own.
type Queue struct {
	// Lobby and Matches must be set before the workers run.
	Lobby   Admitter
	Matches Starter

	accounts *account.Service
	set      *poller.Set
	log      logger.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	waiting []*account.Session
}

// New creates an empty matchmaking queue.
func New(accounts *account.Service, log logger.Logger) *Queue {
	q := &Queue{
		accounts: accounts,
		set:      poller.NewSet(log),
		log:      log,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue inserts a player into the waiting list, keeping it sorted by
// ascending rank with ties in arrival order, and wakes the pairing
// worker.
func (q *Queue) Enqueue(sess *account.Session) {
	q.mu.Lock()
	i := 0
	for i < len(q.waiting) && q.waiting[i].Rank <= sess.Rank {
		i++
	}
	q.waiting = append(q.waiting, nil)
	copy(q.waiting[i+1:], q.waiting[i:])
	q.waiting[i] = sess
	q.set.Add(sess.Conn)
	depth := len(q.waiting)
	q.mu.Unlock()
	q.cond.Signal()

	q.log.Info("player queued",
		logger.Field{Key: "username", Value: sess.Username},
		logger.Field{Key: "rank", Value: sess.Rank},
		logger.Field{Key: "depth", Value: depth})
}

// Len returns the number of waiting players.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// RunWatcher services waiting connections that speak up: abort_match
// returns the player to the lobby, quit disconnects them, anything else
// is a violation. Events for entries the pairer has already claimed are
// dropped; the peeked byte stays buffered for the pairer's probe.
func (q *Queue) RunWatcher(ctx context.Context) error {
	for {
		ev, ok := q.set.Wait(ctx)
		if !ok {
			q.shutdown()
			return ctx.Err()
		}
		sess, claimed := q.take(ev.Conn)
		if !claimed {
			continue
		}
		q.set.Remove(ev.Conn)
		if ev.Kind == poller.Fault {
			q.fail(sess, ev.Err)
			continue
		}
		q.service(sess)
	}
}

// RunPairer blocks until two players wait, claims the two lowest-ranked,
// and commits them into a match unless a probe shows one already spoke.
func (q *Queue) RunPairer(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		q.cond.Broadcast()
	}()

	for {
		q.mu.Lock()
		for len(q.waiting) < 2 && ctx.Err() == nil {
			q.cond.Wait()
		}
		if ctx.Err() != nil {
			q.mu.Unlock()
			return ctx.Err()
		}
		a, b := q.waiting[0], q.waiting[1]
		q.waiting = append(q.waiting[:0], q.waiting[2:]...)
		q.mu.Unlock()

		// The entries are ours now; detach the watchers before reading.
		q.set.Remove(a.Conn)
		q.set.Remove(b.Conn)
		q.pair(ctx, a, b)
	}
}

// pair probes both claimed connections. Only two silent peers start a
// match; a peer with data in flight is serviced like a watcher event, a
// faulted one is dropped, and a silent partner of a non-silent one goes
// back into the queue.
func (q *Queue) pair(ctx context.Context, a, b *account.Session) {
	pa := a.Conn.Probe()
	pb := b.Conn.Probe()

	if pa == wire.ProbeEmpty && pb == wire.ProbeEmpty {
		q.log.Info("match committed",
			logger.Field{Key: "player_a", Value: a.Username},
			logger.Field{Key: "player_b", Value: b.Username})
		q.Matches.Start(ctx, a, b)
		return
	}

	q.settleProbe(a, pa)
	q.settleProbe(b, pb)
}

func (q *Queue) settleProbe(sess *account.Session, p wire.ProbeResult) {
	switch p {
	case wire.ProbeEmpty:
		q.Enqueue(sess)
	case wire.ProbeData:
		q.service(sess)
	case wire.ProbeHangup, wire.ProbeError:
		q.fail(sess, nil)
	}
}

// service consumes one opcode from a claimed connection and settles it.
func (q *Queue) service(sess *account.Session) {
	op, err := sess.Conn.ReadOpcode()
	if err != nil {
		q.fail(sess, err)
		return
	}
	switch op {
	case wire.AbortMatch:
		q.log.Info("search aborted",
			logger.Field{Key: "username", Value: sess.Username})
		if err := sess.Conn.WriteOpcode(wire.Confirmation); err != nil {
			q.fail(sess, err)
			return
		}
		q.Lobby.Admit(sess.Conn)
	case wire.Quit:
		_ = sess.Conn.WriteOpcode(wire.Confirmation)
		q.accounts.LogOut(sess.Conn)
		_ = sess.Conn.Close()
	default:
		q.log.Warn("protocol violation while queued",
			logger.Field{Key: "username", Value: sess.Username},
			logger.Field{Key: "opcode", Value: op.String()})
		q.accounts.LogOut(sess.Conn)
		_ = sess.Conn.Close()
	}
}

// take removes the session owning conn from the waiting list. It fails
// when the pairer claimed the entry first.
func (q *Queue) take(conn *wire.Conn) (*account.Session, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, sess := range q.waiting {
		if sess.Conn == conn {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return sess, true
		}
	}
	return nil, false
}

func (q *Queue) fail(sess *account.Session, err error) {
	fields := []logger.Field{{Key: "username", Value: sess.Username}}
	if err != nil {
		fields = append(fields, logger.Field{Key: "error", Value: err.Error()})
	}
	q.log.Info("queued connection faulted", fields...)
	q.accounts.LogOut(sess.Conn)
	if err == nil || !wire.IsClosedConn(err) {
		_ = sess.Conn.Close()
	}
}

func (q *Queue) shutdown() {
	q.mu.Lock()
	waiting := q.waiting
	q.waiting = nil
	q.mu.Unlock()
	for _, sess := range waiting {
		q.set.Remove(sess.Conn)
		q.accounts.LogOut(sess.Conn)
		_ = sess.Conn.Close()
	}
	q.log.Info("queue drained", logger.Field{Key: "closed", Value: len(waiting)})
}
