package account

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smercas/chess-server/cacher"
	"github.com/smercas/chess-server/logger"
	"github.com/smercas/chess-server/wire"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.txt")
	cache := cacher.NewMemoryCacher[map[string]Record](time.Minute, time.Minute)
	store := NewStore(path, cache, time.Minute, logger.Nop())
	return NewService(store, logger.Nop()), path
}

func newTestConn(t *testing.T, id uint64) *wire.Conn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return wire.NewConn(a, id, nil)
}

func TestSignUp(t *testing.T) {
	t.Run("registers at the default rank", func(t *testing.T) {
		svc, path := newTestService(t)
		conn := newTestConn(t, 1)

		sess, err := svc.SignUp(context.Background(), conn, "alice", "secret")
		require.NoError(t, err)
		assert.Equal(t, "alice", sess.Username)
		assert.Equal(t, uint16(DefaultRank), sess.Rank)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "alice secret 1000\n", string(data))
	})

	t.Run("rejects a taken username", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.SignUp(context.Background(), newTestConn(t, 1), "alice", "secret")
		require.NoError(t, err)

		_, err = svc.SignUp(context.Background(), newTestConn(t, 2), "alice", "other")
		assert.ErrorIs(t, err, ErrUsernameTaken)
	})

	t.Run("rejects malformed credentials", func(t *testing.T) {
		svc, _ := newTestService(t)
		conn := newTestConn(t, 1)

		for _, tc := range []struct{ username, password string }{
			{"", "secret"},
			{"alice", ""},
			{"al ice", "secret"},
			{"alice", "pass\nword"},
		} {
			_, err := svc.SignUp(context.Background(), conn, tc.username, tc.password)
			assert.ErrorIs(t, err, ErrBadCredentials)
		}
	})
}

func TestLogIn(t *testing.T) {
	t.Run("opens a session for a registered account", func(t *testing.T) {
		svc, _ := newTestService(t)
		first := newTestConn(t, 1)
		_, err := svc.SignUp(context.Background(), first, "alice", "secret")
		require.NoError(t, err)
		svc.LogOut(first)

		conn := newTestConn(t, 2)
		sess, err := svc.LogIn(context.Background(), conn, "alice", "secret")
		require.NoError(t, err)
		assert.Equal(t, uint16(DefaultRank), sess.Rank)

		got, found := svc.SessionFor(conn)
		require.True(t, found)
		assert.Same(t, sess, got)
	})

	t.Run("rejects unknown users and wrong passwords", func(t *testing.T) {
		svc, _ := newTestService(t)
		first := newTestConn(t, 1)
		_, err := svc.SignUp(context.Background(), first, "alice", "secret")
		require.NoError(t, err)
		svc.LogOut(first)

		_, err = svc.LogIn(context.Background(), newTestConn(t, 2), "bob", "secret")
		assert.ErrorIs(t, err, ErrUnknownUser)

		_, err = svc.LogIn(context.Background(), newTestConn(t, 3), "alice", "wrong")
		assert.ErrorIs(t, err, ErrWrongPassword)
	})

	t.Run("rejects a second session for an active account", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.SignUp(context.Background(), newTestConn(t, 1), "alice", "secret")
		require.NoError(t, err)

		_, err = svc.LogIn(context.Background(), newTestConn(t, 2), "alice", "secret")
		assert.ErrorIs(t, err, ErrAlreadyActive)
	})
}

func TestLogOutFreesTheUsername(t *testing.T) {
	svc, _ := newTestService(t)
	conn := newTestConn(t, 1)
	_, err := svc.SignUp(context.Background(), conn, "alice", "secret")
	require.NoError(t, err)

	svc.LogOut(conn)
	_, found := svc.SessionFor(conn)
	assert.False(t, found)

	_, err = svc.LogIn(context.Background(), newTestConn(t, 2), "alice", "secret")
	assert.NoError(t, err)
}

func TestDelete(t *testing.T) {
	t.Run("removes the record and the session", func(t *testing.T) {
		svc, path := newTestService(t)
		conn := newTestConn(t, 1)
		_, err := svc.SignUp(context.Background(), conn, "alice", "secret")
		require.NoError(t, err)

		require.NoError(t, svc.Delete(context.Background(), conn))

		_, found := svc.SessionFor(conn)
		assert.False(t, found)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Empty(t, string(data))

		// The username is free to register again.
		_, err = svc.SignUp(context.Background(), newTestConn(t, 2), "alice", "fresh")
		assert.NoError(t, err)
	})

	t.Run("requires a session", func(t *testing.T) {
		svc, _ := newTestService(t)
		err := svc.Delete(context.Background(), newTestConn(t, 1))
		assert.ErrorIs(t, err, ErrNoSession)
	})
}

func TestSettle(t *testing.T) {
	t.Run("transfers the stake and persists both ranks", func(t *testing.T) {
		svc, path := newTestService(t)
		winner, err := svc.SignUp(context.Background(), newTestConn(t, 1), "alice", "a")
		require.NoError(t, err)
		loser, err := svc.SignUp(context.Background(), newTestConn(t, 2), "bob", "b")
		require.NoError(t, err)

		require.NoError(t, svc.Settle(context.Background(), winner, loser))
		assert.Equal(t, uint16(1050), winner.Rank)
		assert.Equal(t, uint16(950), loser.Rank)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "alice a 1050\nbob b 950\n", string(data))
	})

	t.Run("saturates at the bottom of the range", func(t *testing.T) {
		svc, _ := newTestService(t)
		winner, err := svc.SignUp(context.Background(), newTestConn(t, 1), "alice", "a")
		require.NoError(t, err)
		loser, err := svc.SignUp(context.Background(), newTestConn(t, 2), "bob", "b")
		require.NoError(t, err)
		loser.Rank = 20

		require.NoError(t, svc.Settle(context.Background(), winner, loser))
		assert.Equal(t, uint16(0), loser.Rank)
	})
}

func TestStoreReadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.txt")
	require.NoError(t, os.WriteFile(path, []byte("alice secret 1200\nbob hunter2 800\n"), 0o644))

	cache := cacher.NewMemoryCacher[map[string]Record](time.Minute, time.Minute)
	store := NewStore(path, cache, time.Minute, logger.Nop())

	rec, found, err := store.Lookup(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint16(1200), rec.Rank)

	_, found, err = store.Lookup(context.Background(), "carol")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStoreSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.txt")
	require.NoError(t, os.WriteFile(path, []byte("alice secret 1200\ngarbage\nbob hunter2 notanumber\n"), 0o644))

	cache := cacher.NewMemoryCacher[map[string]Record](time.Minute, time.Minute)
	store := NewStore(path, cache, time.Minute, logger.Nop())

	_, found, err := store.Lookup(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, found)

	_, found, err = store.Lookup(context.Background(), "bob")
	require.NoError(t, err)
	assert.False(t, found)
}
