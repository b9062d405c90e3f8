package account

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/smercas/chess-server/logger"
	"github.com/smercas/chess-server/wire"
)

// RankStake is how much rank a decided game transfers: the winner gains
// it, the loser pays it, both saturating.
const RankStake = 50

var (
	// ErrBadCredentials rejects empty, oversized or whitespace-bearing
	// usernames and passwords. Whitespace would corrupt the users file.
	ErrBadCredentials = errors.New("invalid username or password")
	// ErrUsernameTaken rejects a signup for an existing username.
	ErrUsernameTaken = errors.New("username already registered")
	// ErrUnknownUser rejects a login for an unregistered username.
	ErrUnknownUser = errors.New("unknown username")
	// ErrWrongPassword rejects a login whose password does not match.
	ErrWrongPassword = errors.New("wrong password")
	// ErrAlreadyActive rejects a login for an account that is already
	// logged in on another connection.
	ErrAlreadyActive = errors.New("account already logged in")
	// ErrNoSession reports an operation that needs a session on a
	// connection that has none.
	ErrNoSession = errors.New("connection has no session")
)

// Session is one logged-in player bound to one connection. It is created
// by SignUp or LogIn and lives until logout, account deletion or
// disconnect.
type Session struct {
	Conn     *wire.Conn
	Username string
	Rank     uint16
}

// Service manages sessions on top of a Store. A single mutex spans the
// uniqueness or password check and the matching write, so signups, logins
// and deletions are linearizable.
type Service struct {
	store *Store
	log   logger.Logger

	mu     sync.Mutex
	byName map[string]*Session
	byConn map[*wire.Conn]*Session
}

// NewService creates a session service over the given store.
func NewService(store *Store, log logger.Logger) *Service {
	return &Service{
		store:  store,
		log:    log,
		byName: make(map[string]*Session),
		byConn: make(map[*wire.Conn]*Session),
	}
}

// SignUp registers a new account at DefaultRank and opens a session for it
// on conn.
func (s *Service) SignUp(ctx context.Context, conn *wire.Conn, username, password string) (*Session, error) {
	if err := validateCredentials(username, password); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, found, err := s.store.Lookup(ctx, username); err != nil {
		return nil, err
	} else if found {
		return nil, ErrUsernameTaken
	}
	rec := Record{Username: username, Password: password, Rank: DefaultRank}
	if err := s.store.Insert(ctx, rec); err != nil {
		return nil, err
	}

	sess := s.open(conn, rec)
	s.log.Info("account registered",
		logger.Field{Key: "username", Value: username},
		logger.Field{Key: "conn_id", Value: conn.ID()})
	return sess, nil
}

// LogIn opens a session on conn for an existing account. An account may
// be active on at most one connection.
func (s *Service) LogIn(ctx context.Context, conn *wire.Conn, username, password string) (*Session, error) {
	if err := validateCredentials(username, password); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, found, err := s.store.Lookup(ctx, username)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrUnknownUser
	}
	if rec.Password != password {
		return nil, ErrWrongPassword
	}
	if _, active := s.byName[username]; active {
		return nil, ErrAlreadyActive
	}

	sess := s.open(conn, rec)
	s.log.Info("player logged in",
		logger.Field{Key: "username", Value: username},
		logger.Field{Key: "conn_id", Value: conn.ID()})
	return sess, nil
}

// LogOut closes the session on conn, if any. The account record persists.
func (s *Service) LogOut(conn *wire.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, found := s.byConn[conn]
	if !found {
		return
	}
	delete(s.byConn, conn)
	delete(s.byName, sess.Username)
	s.log.Info("player logged out",
		logger.Field{Key: "username", Value: sess.Username})
}

// Delete removes the account behind conn's session from the directory and
// closes the session.
func (s *Service) Delete(ctx context.Context, conn *wire.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, found := s.byConn[conn]
	if !found {
		return ErrNoSession
	}
	if err := s.store.Remove(ctx, sess.Username); err != nil {
		return err
	}
	delete(s.byConn, conn)
	delete(s.byName, sess.Username)
	s.log.Info("account deleted",
		logger.Field{Key: "username", Value: sess.Username})
	return nil
}

// SessionFor returns the session bound to conn, if any.
func (s *Service) SessionFor(conn *wire.Conn) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, found := s.byConn[conn]
	return sess, found
}

// Settle transfers RankStake from the loser to the winner, saturating at
// the bounds of the rank range, and persists both records.
func (s *Service) Settle(ctx context.Context, winner, loser *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if winner.Rank > ^uint16(0)-RankStake {
		winner.Rank = ^uint16(0)
	} else {
		winner.Rank += RankStake
	}
	if loser.Rank < RankStake {
		loser.Rank = 0
	} else {
		loser.Rank -= RankStake
	}

	for _, sess := range []*Session{winner, loser} {
		rec, found, err := s.store.Lookup(ctx, sess.Username)
		if err != nil {
			return err
		}
		if !found {
			// Deleted mid-match; nothing to persist.
			continue
		}
		rec.Rank = sess.Rank
		if err := s.store.Update(ctx, rec); err != nil {
			return err
		}
	}

	s.log.Info("ranks settled",
		logger.Field{Key: "winner", Value: winner.Username},
		logger.Field{Key: "winner_rank", Value: winner.Rank},
		logger.Field{Key: "loser", Value: loser.Username},
		logger.Field{Key: "loser_rank", Value: loser.Rank})
	return nil
}

func (s *Service) open(conn *wire.Conn, rec Record) *Session {
	sess := &Session{Conn: conn, Username: rec.Username, Rank: rec.Rank}
	s.byName[rec.Username] = sess
	s.byConn[conn] = sess
	return sess
}

func validateCredentials(username, password string) error {
	for _, field := range []string{username, password} {
		if field == "" || len(field) > wire.MaxCredentialLen {
			return ErrBadCredentials
		}
		if strings.ContainsAny(field, " \t\r\n") {
			return ErrBadCredentials
		}
	}
	return nil
}
