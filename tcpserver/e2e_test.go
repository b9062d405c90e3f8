package tcpserver_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/smercas/chess-server/account"
	"github.com/smercas/chess-server/cacher"
	"github.com/smercas/chess-server/client"
	"github.com/smercas/chess-server/game"
	"github.com/smercas/chess-server/lobby"
	"github.com/smercas/chess-server/logger"
	"github.com/smercas/chess-server/queue"
	"github.com/smercas/chess-server/tcpserver"
	"github.com/smercas/chess-server/wire"
)

// startStack wires the full server the way cmd/chess-server does and
// returns the dial address plus the users file for persistence checks.
func startStack(t *testing.T) (addr, usersFile string) {
	t.Helper()
	usersFile = filepath.Join(t.TempDir(), "users.txt")
	cache := cacher.NewMemoryCacher[map[string]account.Record](time.Minute, time.Minute)
	store := account.NewStore(usersFile, cache, time.Minute, logger.Nop())
	accounts := account.NewService(store, logger.Nop())

	lob := lobby.New(accounts, logger.Nop())
	q := queue.New(accounts, logger.Nop())
	matches := game.NewManager(accounts, logger.Nop())
	lob.Queue = q
	q.Lobby = lob
	q.Matches = matches
	matches.Lobby = lob
	matches.Queue = q

	srv := tcpserver.New("chess-test", "127.0.0.1:0", lob, logger.Nop())
	require.NoError(t, srv.Start())

	ctx, cancel := context.WithCancel(context.Background())
	g := &errgroup.Group{}
	g.Go(func() error { return lob.Run(ctx) })
	g.Go(func() error { return q.RunWatcher(ctx) })
	g.Go(func() error { return q.RunPairer(ctx) })
	t.Cleanup(func() {
		srv.Stop()
		cancel()
		_ = g.Wait()
		matches.Wait()
	})
	return srv.ListenAddr(), usersFile
}

func dial(t *testing.T, addr string) *client.Client {
	t.Helper()
	c, err := client.Dial(client.DefaultConfig(addr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// enter runs a player through the full account flow: register, step out,
// and come back in through login.
func enter(t *testing.T, c *client.Client, username, password string) {
	t.Helper()
	ok, err := c.Signup(username, password)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Send(wire.Logout))
	op, err := c.Recv()
	require.NoError(t, err)
	require.Equal(t, wire.Confirmation, op)

	ok, err = c.Login(username, password)
	require.NoError(t, err)
	require.True(t, ok)
}

func recv(t *testing.T, c *client.Client) wire.Opcode {
	t.Helper()
	op, err := c.Recv()
	require.NoError(t, err)
	return op
}

func TestFullMatchLifecycle(t *testing.T) {
	addr, usersFile := startStack(t)

	alice := dial(t, addr)
	bob := dial(t, addr)
	enter(t, alice, "alice", "p1")
	enter(t, bob, "bob", "p2")

	require.NoError(t, alice.Send(wire.Play))
	require.NoError(t, bob.Send(wire.Play))

	var white, black *client.Client
	switch recv(t, alice) {
	case wire.White:
		white, black = alice, bob
		require.Equal(t, wire.Black, recv(t, bob))
	case wire.Black:
		white, black = bob, alice
		require.Equal(t, wire.White, recv(t, bob))
	default:
		t.Fatal("expected a color notice after pairing")
	}

	// One full exchange: white's move is confirmed and relayed verbatim.
	require.NoError(t, white.SendMove(wire.Moveset{8, 16, 0}))
	assert.Equal(t, wire.Confirmation, recv(t, white))
	assert.Equal(t, wire.Move, recv(t, black))
	ms, err := black.RecvMoveset()
	require.NoError(t, err)
	assert.Equal(t, wire.Moveset{8, 16, 0}, ms)

	// Black quits mid-match; white is forfeited back to the lobby and can
	// leave cleanly from there.
	require.NoError(t, black.Send(wire.Quit))
	assert.Equal(t, wire.Confirmation, recv(t, black))
	assert.Equal(t, wire.Forfeit, recv(t, white))

	require.NoError(t, white.Send(wire.Quit))
	assert.Equal(t, wire.Confirmation, recv(t, white))

	// Both accounts survived the session at the starting rank.
	data, err := os.ReadFile(usersFile)
	require.NoError(t, err)
	assert.Equal(t, "alice p1 1000\nbob p2 1000\n", string(data))
}

func TestAbortedSearchReturnsToLobby(t *testing.T) {
	addr, _ := startStack(t)

	c := dial(t, addr)
	enter(t, c, "carol", "pw")

	require.NoError(t, c.Send(wire.Play))
	require.NoError(t, c.Send(wire.AbortMatch))
	assert.Equal(t, wire.Confirmation, recv(t, c))

	// Back in the lobby: lobby commands work again.
	require.NoError(t, c.Send(wire.Logout))
	assert.Equal(t, wire.Confirmation, recv(t, c))
}

func TestAccountDeletionEndToEnd(t *testing.T) {
	addr, usersFile := startStack(t)

	c := dial(t, addr)
	ok, err := c.Signup("dave", "pw")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Send(wire.DeleteAccount))
	assert.Equal(t, wire.Confirmation, recv(t, c))

	data, err := os.ReadFile(usersFile)
	require.NoError(t, err)
	assert.Empty(t, string(data))

	// The name is free immediately.
	ok, err = c.Signup("dave", "pw")
	require.NoError(t, err)
	assert.True(t, ok)
}
