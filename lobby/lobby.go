// Package lobby implements the multiplexer that owns every idle
// connection: freshly accepted sockets waiting to authenticate and
// logged-in players between games. It dispatches account commands and
// hands play requests to the matchmaking queue.
package lobby

import (
	"context"

	"github.com/smercas/chess-server/account"
	"github.com/smercas/chess-server/logger"
	"github.com/smercas/chess-server/poller"
	"github.com/smercas/chess-server/wire"
)

// Matchmaker receives a logged-in player who asked for a game. The lobby
// has already released the connection; the matchmaker owns it from the
// moment Enqueue is called.
type Matchmaker interface {
	Enqueue(sess *account.Session)
}

// Lobby services idle connections. One goroutine runs the loop; Admit may
// be called from any goroutine.
type Lobby struct {
	// Queue must be set before Run.
	Queue Matchmaker

	accounts *account.Service
	set      *poller.Set
	log      logger.Logger
}

// New creates a lobby over the given account service.
func New(accounts *account.Service, log logger.Logger) *Lobby {
	return &Lobby{
		accounts: accounts,
		set:      poller.NewSet(log),
		log:      log,
	}
}

// Admit takes ownership of a connection: a fresh accept, or a socket
// coming back from the queue or a finished match.
func (l *Lobby) Admit(c *wire.Conn) {
	l.set.Add(c)
	l.log.Debug("connection admitted to lobby",
		logger.Field{Key: "conn_id", Value: c.ID()})
}

// Run services readiness events until the context is canceled. On
// shutdown every owned connection is closed.
func (l *Lobby) Run(ctx context.Context) error {
	for {
		ev, ok := l.set.Wait(ctx)
		if !ok {
			l.shutdown()
			return ctx.Err()
		}
		if ev.Kind == poller.Fault {
			l.fail(ev.Conn, ev.Err)
			continue
		}
		l.dispatch(ctx, ev.Conn)
	}
}

// dispatch reads one opcode and runs the lobby state table. Opcodes legal
// only with a session, or only without one, terminate the peer when sent
// from the wrong state.
func (l *Lobby) dispatch(ctx context.Context, c *wire.Conn) {
	op, err := c.ReadOpcode()
	if err != nil {
		l.fail(c, err)
		return
	}

	_, loggedIn := l.accounts.SessionFor(c)
	l.log.Debug("lobby request",
		logger.Field{Key: "conn_id", Value: c.ID()},
		logger.Field{Key: "opcode", Value: op.String()},
		logger.Field{Key: "logged_in", Value: loggedIn})

	switch {
	case (op == wire.SignupData || op == wire.LoginData) && !loggedIn:
		l.authenticate(ctx, c, op)

	case op == wire.Play && loggedIn:
		sess, _ := l.accounts.SessionFor(c)
		l.set.Remove(c)
		l.Queue.Enqueue(sess)

	case op == wire.Logout && loggedIn:
		l.accounts.LogOut(c)
		l.reply(c, wire.Confirmation)

	case op == wire.DeleteAccount && loggedIn:
		if err := l.accounts.Delete(ctx, c); err != nil {
			l.log.Warn("account deletion refused",
				logger.Field{Key: "conn_id", Value: c.ID()},
				logger.Field{Key: "error", Value: err.Error()})
			l.reply(c, wire.Rejection)
			return
		}
		l.reply(c, wire.Confirmation)

	case op == wire.Quit:
		_ = c.WriteOpcode(wire.Confirmation)
		l.drop(c)

	default:
		l.log.Warn("protocol violation in lobby",
			logger.Field{Key: "conn_id", Value: c.ID()},
			logger.Field{Key: "opcode", Value: op.String()})
		l.drop(c)
	}
}

// authenticate reads the credential payload and opens a session. Directory
// refusals answer with a rejection and keep the connection; transport
// errors terminate it.
func (l *Lobby) authenticate(ctx context.Context, c *wire.Conn, op wire.Opcode) {
	username, password, err := c.ReadCredentials()
	if err != nil {
		l.fail(c, err)
		return
	}

	if op == wire.SignupData {
		_, err = l.accounts.SignUp(ctx, c, username, password)
	} else {
		_, err = l.accounts.LogIn(ctx, c, username, password)
	}
	if err != nil {
		l.log.Info("authentication refused",
			logger.Field{Key: "conn_id", Value: c.ID()},
			logger.Field{Key: "username", Value: username},
			logger.Field{Key: "error", Value: err.Error()})
		l.reply(c, wire.Rejection)
		return
	}
	l.reply(c, wire.Confirmation)
}

// reply sends a bare opcode and rearms the connection, or fails it when
// the send does not go through.
func (l *Lobby) reply(c *wire.Conn, op wire.Opcode) {
	if err := c.WriteOpcode(op); err != nil {
		l.fail(c, err)
		return
	}
	l.set.Rearm(c)
}

// fail handles a peer fault: the session dies with the connection. A
// descriptor the OS already reports as closed is not re-closed.
func (l *Lobby) fail(c *wire.Conn, err error) {
	l.log.Info("lobby connection faulted",
		logger.Field{Key: "conn_id", Value: c.ID()},
		logger.Field{Key: "error", Value: err.Error()})
	l.accounts.LogOut(c)
	l.set.Remove(c)
	if !wire.IsClosedConn(err) {
		_ = c.Close()
	}
}

// drop terminates a connection deliberately (quit or violation).
func (l *Lobby) drop(c *wire.Conn) {
	l.accounts.LogOut(c)
	l.set.Remove(c)
	_ = c.Close()
}

func (l *Lobby) shutdown() {
	members := l.set.Members()
	for _, c := range members {
		l.accounts.LogOut(c)
		l.set.Remove(c)
		_ = c.Close()
	}
	l.log.Info("lobby drained", logger.Field{Key: "closed", Value: len(members)})
}
