// Package account holds the player directory: persistent records in a
// line-oriented users file, and the set of currently logged-in sessions.
package account

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/smercas/chess-server/cacher"
	"github.com/smercas/chess-server/logger"
)

// DefaultRank is the rank assigned to every new account.
const DefaultRank = 1000

// rosterKey is the single cache key under which the parsed users file is
// kept.
const rosterKey = "account:roster"

// Record is one persisted account. One line of the users file:
// "username password rank".
type Record struct {
	Username string
	Password string
	Rank     uint16
}

// Store reads and rewrites the users file. Reads go through a cacher
// snapshot of the whole file; every write rewrites the file and
// invalidates the snapshot. Store does not serialize writers; Service
// holds the lock that does.
type Store struct {
	path  string
	cache cacher.Cacher[map[string]Record]
	ttl   time.Duration
	log   logger.Logger
}

// NewStore creates a store over the users file at path. A missing file
// reads as an empty roster and is created on first write.
func NewStore(path string, cache cacher.Cacher[map[string]Record], ttl time.Duration, log logger.Logger) *Store {
	return &Store{path: path, cache: cache, ttl: ttl, log: log}
}

// Lookup returns the record for username and whether it exists.
func (s *Store) Lookup(ctx context.Context, username string) (Record, bool, error) {
	roster, err := s.snapshot(ctx)
	if err != nil {
		return Record{}, false, err
	}
	rec, found := roster[username]
	return rec, found, nil
}

// Insert adds a new record. The caller has already established the
// username is free.
func (s *Store) Insert(ctx context.Context, rec Record) error {
	return s.mutate(ctx, func(roster map[string]Record) {
		roster[rec.Username] = rec
	})
}

// Update overwrites the record for rec.Username.
func (s *Store) Update(ctx context.Context, rec Record) error {
	return s.mutate(ctx, func(roster map[string]Record) {
		roster[rec.Username] = rec
	})
}

// Remove deletes the record for username, rewriting the file without it.
func (s *Store) Remove(ctx context.Context, username string) error {
	return s.mutate(ctx, func(roster map[string]Record) {
		delete(roster, username)
	})
}

func (s *Store) snapshot(ctx context.Context) (map[string]Record, error) {
	return s.cache.GetOrFetch(ctx, rosterKey, s.ttl, s.readFile)
}

// mutate applies fn to a copy of the roster, rewrites the file and drops
// the cached snapshot.
func (s *Store) mutate(ctx context.Context, fn func(map[string]Record)) error {
	roster, err := s.snapshot(ctx)
	if err != nil {
		return err
	}
	next := maps.Clone(roster)
	fn(next)
	if err := s.writeFile(next); err != nil {
		return err
	}
	return s.cache.Delete(ctx, rosterKey)
}

func (s *Store) readFile(context.Context) (map[string]Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.log.Info("users file absent, starting with empty roster",
				logger.Field{Key: "path", Value: s.path})
			return map[string]Record{}, nil
		}
		return nil, fmt.Errorf("read users file: %w", err)
	}

	roster := make(map[string]Record)
	for i, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			s.log.Warn("skipping malformed users file line",
				logger.Field{Key: "line", Value: i + 1})
			continue
		}
		rank, err := strconv.ParseUint(fields[2], 10, 16)
		if err != nil {
			s.log.Warn("skipping users file line with bad rank",
				logger.Field{Key: "line", Value: i + 1})
			continue
		}
		roster[fields[0]] = Record{
			Username: fields[0],
			Password: fields[1],
			Rank:     uint16(rank),
		}
	}
	return roster, nil
}

// writeFile rewrites the whole users file, sorted by username so repeated
// rewrites of the same roster are byte-identical. The write goes through a
// temp file and a rename.
func (s *Store) writeFile(roster map[string]Record) error {
	names := make([]string, 0, len(roster))
	for name := range roster {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		rec := roster[name]
		fmt.Fprintf(&sb, "%s %s %d\n", rec.Username, rec.Password, rec.Rank)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write users file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace users file: %w", err)
	}
	return nil
}
