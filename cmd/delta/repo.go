package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/mschirtzinger/deltarepo/internal/config"
	"github.com/mschirtzinger/deltarepo/internal/delta/db"
	"github.com/mschirtzinger/deltarepo/internal/delta/memstore"
	"github.com/mschirtzinger/deltarepo/internal/delta/pgstore"
	"github.com/mschirtzinger/deltarepo/internal/delta/schema"
	deltasync "github.com/mschirtzinger/deltarepo/internal/delta/sync"
	"github.com/mschirtzinger/deltarepo/internal/delta/transport"
	"github.com/mschirtzinger/deltarepo/internal/lockfile"
)

// localRepo is what Master and Mirror have in common.
type localRepo interface {
	ID() schema.RepoPk
	Read(ctx context.Context, fn func(ctx context.Context) error) error
	Write(ctx context.Context, fn func(ctx context.Context) error) error
	NewPk(ctx context.Context) (schema.Address, error)
	InsertOrReplace(ctx context.Context, items []schema.Item) ([]schema.Item, error)
	DeleteByPk(ctx context.Context, addrs []schema.Address) (int, error)
	Get(ctx context.Context, addr schema.Address) (*schema.Item, error)
	List(ctx context.Context, includeDeleted bool) ([]schema.Item, error)
	Page(ctx context.Context, start int64, order deltasync.Order, limit int) (deltasync.Page, error)
	Stats(ctx context.Context) (deltasync.Stats, error)
}

var (
	_ localRepo = (*deltasync.Master)(nil)
	_ localRepo = (*deltasync.Mirror)(nil)
)

// session is an opened repo and the resources behind it.
type session struct {
	cfg    *config.Config
	master *deltasync.Master
	mirror *deltasync.Mirror

	lock    *lockfile.Lock
	closers []func() error
}

// openRepo opens the configured repo and takes the repo lock. role, when
// set, must match the configured role. observer receives sync events and
// may be nil.
func openRepo(role string, observer deltasync.Observer) (*session, error) {
	return open(role, observer, true)
}

// openShared opens the repo without the repo lock, for commands that only
// read and may run next to a daemon or server.
func openShared(role string) (*session, error) {
	return open(role, nil, false)
}

func open(role string, observer deltasync.Observer, exclusive bool) (*session, error) {
	if cfg.Repo.ID == "" {
		return nil, errors.New("repo has no id; run 'delta init' first")
	}
	if role != "" && cfg.Repo.Role != role {
		return nil, fmt.Errorf("this repo is a %s, not a %s", cfg.Repo.Role, role)
	}

	s := &session{cfg: cfg}
	if exclusive && cfg.Store.Driver == config.DriverSQLite {
		if err := os.MkdirAll(cfg.Repo.Path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create repo directory: %w", err)
		}
		lock, err := lockfile.Acquire(cfg.LockPath())
		if err != nil {
			if errors.Is(err, lockfile.ErrLocked) {
				return nil, fmt.Errorf("%w (is a daemon or server running on %s?)", err, cfg.Repo.Path)
			}
			return nil, err
		}
		s.lock = lock
	}

	syncConfig := &deltasync.Config{
		BatchSize:             cfg.Sync.BatchSize,
		MaxRetainedTombstones: cfg.Sync.MaxRetainedTombstones,
		Logger:                newLogger("sync"),
		Observer:              observer,
	}
	id := schema.RepoPk(cfg.Repo.ID)

	var err error
	if cfg.Repo.Role == config.RoleMaster {
		var adapter deltasync.MasterAdapter
		adapter, err = s.masterAdapter()
		if err == nil {
			s.master = deltasync.NewMaster(id, adapter, syncConfig)
		}
	} else {
		var adapter deltasync.MirrorAdapter
		adapter, err = s.mirrorAdapter()
		if err == nil {
			s.mirror = deltasync.NewMirror(id, adapter, syncConfig)
		}
	}
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) masterAdapter() (deltasync.MasterAdapter, error) {
	switch s.cfg.Store.Driver {
	case config.DriverPostgres:
		store, err := pgstore.Open(pgstore.Config{
			DSN:    s.cfg.Store.DSN,
			Merge:  s.cfg.Merge(),
			Logger: newLogger("pgstore"),
		})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store.Close)
		return store, nil
	case config.DriverMemory:
		return memstore.New(s.cfg.Merge()), nil
	}
	database, err := s.openSQLite()
	if err != nil {
		return nil, err
	}
	return db.NewMasterStore(database, s.cfg.Merge()), nil
}

func (s *session) mirrorAdapter() (deltasync.MirrorAdapter, error) {
	if s.cfg.Store.Driver == config.DriverMemory {
		return memstore.New(s.cfg.Merge()), nil
	}
	database, err := s.openSQLite()
	if err != nil {
		return nil, err
	}
	return db.NewMirrorStore(database, s.cfg.Merge()), nil
}

func (s *session) openSQLite() (*db.DB, error) {
	database, err := db.Open(s.cfg.DBPath())
	if err != nil {
		return nil, err
	}
	if err := database.InitSchema(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	s.closers = append(s.closers, database.Close)
	return database, nil
}

// repo returns whichever coordinator the session holds.
func (s *session) repo() localRepo {
	if s.master != nil {
		return s.master
	}
	return s.mirror
}

// Close releases the store and the repo lock.
func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close store: %v\n", err)
		}
	}
	s.closers = nil
	if err := s.lock.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to release lock: %v\n", err)
	}
}

// dialUpstream connects to the configured upstream master.
func (s *session) dialUpstream(ctx context.Context) (*transport.Client, error) {
	if s.cfg.Upstream.URL == "" {
		return nil, errors.New("upstream.url is not set")
	}
	return s.dial(ctx, s.cfg.Upstream.URL)
}

// dialPeers connects to every configured peer mirror.
func (s *session) dialPeers(ctx context.Context) ([]deltasync.Peer, error) {
	peers := make([]deltasync.Peer, 0, len(s.cfg.Peers))
	for _, url := range s.cfg.Peers {
		client, err := s.dial(ctx, url)
		if err != nil {
			return nil, err
		}
		peers = append(peers, client)
	}
	return peers, nil
}

func (s *session) dial(ctx context.Context, url string) (*transport.Client, error) {
	return transport.Dial(ctx, transport.ClientConfig{
		URL:    url,
		Caller: schema.RepoPk(s.cfg.Repo.ID),
		Secret: s.cfg.Server.Secret,
		Token:  s.cfg.Upstream.Token,
	})
}
