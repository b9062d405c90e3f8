// Command chess-server runs the matchmaking and match-relay server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/smercas/chess-server/account"
	"github.com/smercas/chess-server/cacher"
	"github.com/smercas/chess-server/config"
	"github.com/smercas/chess-server/game"
	"github.com/smercas/chess-server/lobby"
	"github.com/smercas/chess-server/logger"
	"github.com/smercas/chess-server/queue"
	"github.com/smercas/chess-server/tcpserver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("bad log level %q: %w", cfg.LogLevel, err)
	}
	log := logger.NewConsole("chess-server", level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rosterCache cacher.Cacher[map[string]account.Record]
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		rosterCache = cacher.NewRedisCacher[map[string]account.Record](rdb)
		log.Info("account snapshot cache on redis",
			logger.Field{Key: "addr", Value: cfg.RedisAddr})
	} else {
		rosterCache = cacher.NewMemoryCacher[map[string]account.Record](cfg.CacheTTL, time.Minute)
	}

	store := account.NewStore(cfg.UsersFile, rosterCache, cfg.CacheTTL, log)
	accounts := account.NewService(store, log)

	lob := lobby.New(accounts, log)
	q := queue.New(accounts, log)
	matches := game.NewManager(accounts, log)
	lob.Queue = q
	q.Lobby = lob
	q.Matches = matches
	matches.Lobby = lob
	matches.Queue = q

	srv := tcpserver.New("chess", cfg.ListenAddr, lob, log)
	if err := srv.Start(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return lob.Run(ctx) })
	g.Go(func() error { return q.RunWatcher(ctx) })
	g.Go(func() error { return q.RunPairer(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		srv.Stop()
		matches.Wait()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
