// Package game runs matches. A Manager spawns one engine goroutine per
// match; the engine owns exactly the two connections of its match, relays
// and referees moves through the board oracle, and arbitrates the races
// between the two peers' messages. When a match ends every surviving
// connection goes back to the lobby; the rest are closed.
package game

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/smercas/chess-server/account"
	"github.com/smercas/chess-server/board"
	"github.com/smercas/chess-server/logger"
	"github.com/smercas/chess-server/poller"
	"github.com/smercas/chess-server/wire"
)

// Admitter takes a surviving connection back into the lobby.
type Admitter interface {
	Admit(c *wire.Conn)
}

// Requeuer puts a player back into matchmaking, used when their would-be
// opponent faults before the match properly starts.
type Requeuer interface {
	Enqueue(sess *account.Session)
}

// Manager starts and tracks match engines.
type Manager struct {
	// Lobby and Queue must be set before Start is called.
	Lobby Admitter
	Queue Requeuer

	accounts *account.Service
	log      logger.Logger
	wg       sync.WaitGroup
}

// NewManager creates a match manager.
func NewManager(accounts *account.Service, log logger.Logger) *Manager {
	return &Manager{accounts: accounts, log: log}
}

// Start launches a match between two committed players on a fresh
// goroutine. It implements the queue's Starter.
func (m *Manager) Start(ctx context.Context, a, b *account.Session) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.play(ctx, a, b)
	}()
}

// Wait blocks until every running match engine has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// play assigns colors, notifies both players and runs the engine. A
// player whose color notice cannot be delivered is dropped and the
// partner goes back into the queue.
func (m *Manager) play(ctx context.Context, a, b *account.Session) {
	white, black := a, b
	if rand.IntN(2) == 1 {
		white, black = b, a
	}

	if err := white.Conn.WriteOpcode(wire.White); err != nil {
		m.log.Info("color notice failed, recycling opponent",
			logger.Field{Key: "username", Value: white.Username})
		m.drop(white, err)
		m.Queue.Enqueue(black)
		return
	}
	if err := black.Conn.WriteOpcode(wire.Black); err != nil {
		m.log.Info("color notice failed, recycling opponent",
			logger.Field{Key: "username", Value: black.Username})
		m.drop(black, err)
		m.Queue.Enqueue(white)
		return
	}

	log := m.log.With(
		logger.Field{Key: "white", Value: white.Username},
		logger.Field{Key: "black", Value: black.Username})
	log.Info("match started")

	e := &engine{
		mgr:   m,
		set:   poller.NewSet(log),
		white: white,
		black: black,
		turn:  white,
		brd:   board.New(),
		log:   log,
	}
	e.run(ctx)
}

func (m *Manager) drop(sess *account.Session, err error) {
	m.accounts.LogOut(sess.Conn)
	if err == nil || !wire.IsClosedConn(err) {
		_ = sess.Conn.Close()
	}
}

// class is the per-socket event classification for one scheduling tick.
type class int

const (
	classNone class = iota // probed side had nothing in flight
	classFaultHangup
	classFaultError
	classMove    // move opcode from the turn-holder, payload read
	classControl // abort_match or quit
	classInvalid // anything else, including move out of turn
)

func (c class) fault() bool { return c == classFaultHangup || c == classFaultError }

// input is one side's classified contribution to a tick.
type input struct {
	kind class
	op   wire.Opcode
	ms   wire.Moveset
	err  error
}

// engine is one running match. It is the sole owner of both connections
// for the duration of the match.
type engine struct {
	mgr          *Manager
	set          *poller.Set
	white, black *account.Session
	turn         *account.Session
	brd          *board.Board
	log          logger.Logger
}

func (e *engine) run(ctx context.Context) {
	e.set.Add(e.white.Conn)
	e.set.Add(e.black.Conn)

	for {
		ev, ok := e.set.Wait(ctx)
		if !ok {
			e.mgr.drop(e.white, nil)
			e.mgr.drop(e.black, nil)
			e.log.Info("match canceled on shutdown")
			return
		}

		me, other := e.sides(ev.Conn)
		// Claim both sockets for this tick; the other side may have sent
		// something in the same instant without its watcher reporting yet.
		e.set.Remove(me.Conn)
		e.set.Remove(other.Conn)

		a := e.classifyEvent(ev, me)
		b := e.classifyProbe(other)

		if e.resolve(ctx, me, a, other, b) {
			return
		}
		e.set.Add(me.Conn)
		e.set.Add(other.Conn)
	}
}

func (e *engine) sides(c *wire.Conn) (me, other *account.Session) {
	if e.white.Conn == c {
		return e.white, e.black
	}
	return e.black, e.white
}

func (e *engine) classifyEvent(ev poller.Event, s *account.Session) input {
	if ev.Kind == poller.Fault {
		return faultInput(ev.Err)
	}
	return e.read(s)
}

func (e *engine) classifyProbe(s *account.Session) input {
	switch s.Conn.Probe() {
	case wire.ProbeEmpty:
		return input{kind: classNone}
	case wire.ProbeData:
		return e.read(s)
	case wire.ProbeHangup:
		return input{kind: classFaultHangup}
	default:
		return input{kind: classFaultError}
	}
}

// read consumes one message and classifies it. A move is only a MOVE from
// the turn-holder; from the other side it is a violation.
func (e *engine) read(s *account.Session) input {
	op, err := s.Conn.ReadOpcode()
	if err != nil {
		return faultInput(err)
	}
	switch op {
	case wire.Move:
		if s != e.turn {
			return input{kind: classInvalid, op: op}
		}
		ms, err := s.Conn.ReadMoveset()
		if err != nil {
			return faultInput(err)
		}
		return input{kind: classMove, op: op, ms: ms}
	case wire.AbortMatch, wire.Quit:
		return input{kind: classControl, op: op}
	default:
		return input{kind: classInvalid, op: op}
	}
}

func faultInput(err error) input {
	if err == nil || wire.IsHangup(err) {
		return input{kind: classFaultHangup, err: err}
	}
	return input{kind: classFaultError, err: err}
}

// resolve applies the tick resolution table, most specific case first.
// It returns true when the match is over. The connections are re-armed by
// the caller only when it returns false.
func (e *engine) resolve(ctx context.Context, x *account.Session, a input, y *account.Session, b input) bool {
	// Normalize so a's class is never "less decided" than b's where the
	// table is symmetric.
	switch {
	case a.kind.fault() && b.kind.fault():
		e.log.Info("both sides faulted, match canceled")
		e.mgr.drop(x, a.err)
		e.mgr.drop(y, b.err)
		return true

	case a.kind.fault() && b.kind == classControl:
		e.mgr.drop(x, a.err)
		e.ackControl(y, b.op)
		return true
	case b.kind.fault() && a.kind == classControl:
		e.mgr.drop(y, b.err)
		e.ackControl(x, a.op)
		return true

	case a.kind.fault() && b.kind == classMove:
		e.finishMoveRace(ctx, y, b.ms, x, a)
		return true
	case b.kind.fault() && a.kind == classMove:
		e.finishMoveRace(ctx, x, a.ms, y, b)
		return true

	case a.kind.fault() && b.kind == classInvalid:
		// The invalid side keeps its seat: its peer is gone, so its
		// message never mattered. Per-tick payload is discarded.
		y.Conn.Drain()
		e.mgr.drop(x, a.err)
		e.forfeit(y, nil)
		return true
	case b.kind.fault() && a.kind == classInvalid:
		x.Conn.Drain()
		e.mgr.drop(y, b.err)
		e.forfeit(x, nil)
		return true

	case a.kind.fault():
		// Single-socket fault: the quiet side gets a forfeit notice.
		e.mgr.drop(x, a.err)
		e.forfeit(y, nil)
		return true
	case b.kind.fault():
		e.mgr.drop(y, b.err)
		e.forfeit(x, nil)
		return true

	case a.kind == classMove:
		return e.finishMove(ctx, x, a, y, b)
	case b.kind == classMove:
		return e.finishMove(ctx, y, b, x, a)

	case a.kind == classControl && b.kind == classControl:
		e.ackControl(x, a.op)
		e.ackControl(y, b.op)
		return true

	case a.kind == classControl && b.kind == classInvalid:
		e.ackControl(x, a.op)
		e.disconnect(y)
		return true
	case b.kind == classControl && a.kind == classInvalid:
		e.ackControl(y, b.op)
		e.disconnect(x)
		return true

	case a.kind == classControl: // b is classNone
		e.ackControl(x, a.op)
		e.forfeit(y, nil)
		return true
	case b.kind == classControl:
		e.ackControl(y, b.op)
		e.forfeit(x, nil)
		return true

	case a.kind == classInvalid && b.kind == classInvalid:
		e.log.Info("both sides violated the protocol, match canceled")
		e.disconnect(x)
		e.disconnect(y)
		return true

	case a.kind == classInvalid:
		e.disconnect(x)
		e.forfeit(y, nil)
		return true
	default: // b invalid, a none
		e.disconnect(y)
		e.forfeit(x, nil)
		return true
	}
}

// finishMove processes the turn-holder's move when no side faulted. other
// is the opponent's same-tick contribution: silence continues the game,
// a control or violation ends it around the move's outcome.
func (e *engine) finishMove(ctx context.Context, mover *account.Session, mv input, opp *account.Session, other input) bool {
	if other.kind == classNone {
		return e.finishQuietMove(ctx, mover, mv.ms, opp)
	}

	v := e.brd.Apply(mv.ms)
	e.log.Info("move resolved against a departing opponent",
		logger.Field{Key: "move", Value: mv.ms.String()},
		logger.Field{Key: "verdict", Value: int(v)})

	// Terminal outcomes survive the race; non-terminal ones are downgraded
	// for the mover, since no further play is possible.
	switch v {
	case board.VerdictWon:
		e.settle(ctx, mover, opp)
		e.notify(mover, wire.Won, nil)
		e.deliverDeparture(opp, other, wire.Lost, &mv.ms)
	case board.VerdictDraw:
		e.notify(mover, wire.Draw, nil)
		e.deliverDeparture(opp, other, wire.Draw, &mv.ms)
	case board.VerdictContinue:
		e.notify(mover, wire.Forfeit, nil)
		e.deliverDeparture(opp, other, wire.Confirmation, &mv.ms)
	default: // illegal: the rejection stays private, nothing is relayed
		e.notify(mover, wire.Forfeit, nil)
		e.deliverDeparture(opp, other, wire.Confirmation, nil)
	}
	return true
}

// finishMoveRace handles the turn-holder's move when the opponent
// faulted in the same tick. The move is still evaluated so a decisive
// result is never discarded; there is no one left to notify of it.
func (e *engine) finishMoveRace(ctx context.Context, mover *account.Session, ms wire.Moveset, opp *account.Session, fault input) {
	e.mgr.drop(opp, fault.err)

	v := e.brd.Apply(ms)
	switch v {
	case board.VerdictWon:
		e.settle(ctx, mover, opp)
		e.notify(mover, wire.Won, nil)
	case board.VerdictDraw:
		e.notify(mover, wire.Draw, nil)
	default:
		e.notify(mover, wire.Forfeit, nil)
	}
}

// finishQuietMove is the ordinary path: a move with a silent opponent.
func (e *engine) finishQuietMove(ctx context.Context, mover *account.Session, ms wire.Moveset, opp *account.Session) bool {
	v := e.brd.Apply(ms)
	e.log.Debug("move evaluated",
		logger.Field{Key: "move", Value: ms.String()},
		logger.Field{Key: "verdict", Value: int(v)})

	switch v {
	case board.VerdictIllegal:
		if err := mover.Conn.WriteOpcode(wire.Rejection); err != nil {
			e.mgr.drop(mover, err)
			e.forfeit(opp, nil)
			return true
		}
		return false // same player's turn

	case board.VerdictContinue:
		if err := mover.Conn.WriteOpcode(wire.Confirmation); err != nil {
			e.mgr.drop(mover, err)
			e.forfeit(opp, &ms)
			return true
		}
		if err := opp.Conn.WriteMove(wire.Move, ms); err != nil {
			e.mgr.drop(opp, err)
			e.forfeit(mover, nil)
			return true
		}
		e.turn = opp
		return false

	case board.VerdictWon:
		e.settle(ctx, mover, opp)
		e.log.Info("match won",
			logger.Field{Key: "winner", Value: mover.Username},
			logger.Field{Key: "move", Value: ms.String()})
		e.notify(mover, wire.Won, nil)
		e.notify(opp, wire.Lost, &ms)
		return true

	default: // draw
		e.log.Info("match drawn", logger.Field{Key: "move", Value: ms.String()})
		e.notify(mover, wire.Draw, nil)
		e.notify(opp, wire.Draw, &ms)
		return true
	}
}

// deliverDeparture sends the departing opponent its closing notice and
// honors its control disposition: abort returns it to the lobby, quit
// disconnects it, a violation disconnects it without ceremony.
func (e *engine) deliverDeparture(opp *account.Session, other input, op wire.Opcode, ms *wire.Moveset) {
	if other.kind == classInvalid {
		e.disconnect(opp)
		return
	}

	var err error
	if ms != nil {
		err = opp.Conn.WriteMove(op, *ms)
	} else {
		err = opp.Conn.WriteOpcode(op)
	}
	if err != nil {
		e.mgr.drop(opp, err)
		return
	}
	switch other.op {
	case wire.AbortMatch:
		e.mgr.Lobby.Admit(opp.Conn)
	default: // quit
		e.mgr.accounts.LogOut(opp.Conn)
		_ = opp.Conn.Close()
	}
}

// ackControl honors a control message: abort_match is confirmed and the
// player returns to the lobby; quit is confirmed and the player leaves.
func (e *engine) ackControl(s *account.Session, op wire.Opcode) {
	switch op {
	case wire.AbortMatch:
		e.log.Info("match aborted",
			logger.Field{Key: "username", Value: s.Username})
		if err := s.Conn.WriteOpcode(wire.Confirmation); err != nil {
			e.mgr.drop(s, err)
			return
		}
		e.mgr.Lobby.Admit(s.Conn)
	default: // quit
		e.log.Info("player quit mid-match",
			logger.Field{Key: "username", Value: s.Username})
		_ = s.Conn.WriteOpcode(wire.Confirmation)
		e.mgr.accounts.LogOut(s.Conn)
		_ = s.Conn.Close()
	}
}

// forfeit tells the quiet side its match ended without its involvement
// and returns it to the lobby. The drain probe first discards anything
// that arrived in the same instant; it is inconsequential now.
func (e *engine) forfeit(s *account.Session, ms *wire.Moveset) {
	s.Conn.Drain()
	var err error
	if ms != nil {
		err = s.Conn.WriteMove(wire.Forfeit, *ms)
	} else {
		err = s.Conn.WriteOpcode(wire.Forfeit)
	}
	if err != nil {
		e.mgr.drop(s, err)
		return
	}
	e.mgr.Lobby.Admit(s.Conn)
}

// notify sends a terminal outcome and settles the survivor into the
// lobby.
func (e *engine) notify(s *account.Session, op wire.Opcode, ms *wire.Moveset) {
	var err error
	if ms != nil {
		err = s.Conn.WriteMove(op, *ms)
	} else {
		err = s.Conn.WriteOpcode(op)
	}
	if err != nil {
		e.mgr.drop(s, err)
		return
	}
	e.mgr.Lobby.Admit(s.Conn)
}

// disconnect terminates a protocol violator.
func (e *engine) disconnect(s *account.Session) {
	e.log.Warn("protocol violation mid-match",
		logger.Field{Key: "username", Value: s.Username})
	e.mgr.accounts.LogOut(s.Conn)
	_ = s.Conn.Close()
}

func (e *engine) settle(ctx context.Context, winner, loser *account.Session) {
	if err := e.mgr.accounts.Settle(ctx, winner, loser); err != nil {
		e.log.Error("rank settlement failed",
			logger.Field{Key: "error", Value: err.Error()})
	}
}
