package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	ce "github.com/ineyio/creditengine"
	"github.com/ineyio/creditengine/ledger"
	pgledger "github.com/ineyio/creditengine/ledger/postgres"
	redisledger "github.com/ineyio/creditengine/ledger/redis"
	sqliteledger "github.com/ineyio/creditengine/ledger/sqlite"
	"github.com/ineyio/creditengine/registry"
	pgregistry "github.com/ineyio/creditengine/registry/postgres"
	sqliteregistry "github.com/ineyio/creditengine/registry/sqlite"
)

type schemaOwner interface {
	EnsureSchema(ctx context.Context) error
}

// Stores holds the storage backends selected by config.
type Stores struct {
	Ledger   ce.LedgerStore
	Registry ce.JobRegistry
	Orphans  ce.OrphanLog

	schemas []schemaOwner
	closers []func() error
}

// NewDBPool creates a pgx pool with sane defaults for this service.
func NewDBPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// OpenStores connects the ledger and registry backends named in cfg.
// Backends that share a DSN share one connection.
func OpenStores(ctx context.Context, cfg ce.Config) (*Stores, error) {
	s := &Stores{}
	pools := map[string]*pgxpool.Pool{}
	dbs := map[string]*sql.DB{}

	pgPool := func(dsn string) (*pgxpool.Pool, error) {
		if p, ok := pools[dsn]; ok {
			return p, nil
		}
		p, err := NewDBPool(ctx, dsn)
		if err != nil {
			return nil, err
		}
		pools[dsn] = p
		s.closers = append(s.closers, func() error { p.Close(); return nil })
		return p, nil
	}
	sqliteDB := func(path string) (*sql.DB, error) {
		if db, ok := dbs[path]; ok {
			return db, nil
		}
		db, err := sqliteledger.Open(path)
		if err != nil {
			return nil, err
		}
		dbs[path] = db
		s.closers = append(s.closers, db.Close)
		return db, nil
	}

	var err error
	switch cfg.Ledger.Driver {
	case ce.DriverPostgres:
		var pool *pgxpool.Pool
		if pool, err = pgPool(cfg.Ledger.DSN); err == nil {
			st := pgledger.New(pool, pgledger.WithTablePrefix(prefixOr(cfg.Ledger.Prefix, "creditengine_")))
			s.Ledger = st
			s.schemas = append(s.schemas, st)
		}
	case ce.DriverRedis:
		var client *goredis.Client
		if client, err = newRedisClient(ctx, cfg.Ledger.DSN); err == nil {
			s.Ledger = redisledger.New(client, redisledger.WithKeyPrefix(prefixOr(cfg.Ledger.Prefix, "creditengine:balance:")))
			s.closers = append(s.closers, client.Close)
		}
	case ce.DriverSQLite:
		var db *sql.DB
		if db, err = sqliteDB(cfg.Ledger.DSN); err == nil {
			st := sqliteledger.New(db, sqliteledger.WithTablePrefix(prefixOr(cfg.Ledger.Prefix, "creditengine_")))
			s.Ledger = st
			s.schemas = append(s.schemas, st)
		}
	default:
		s.Ledger = ledger.NewMemoryStore()
	}
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	switch cfg.Registry.Driver {
	case ce.DriverPostgres:
		var pool *pgxpool.Pool
		if pool, err = pgPool(cfg.Registry.DSN); err == nil {
			st := pgregistry.New(pool, pgregistry.WithTablePrefix(prefixOr(cfg.Registry.Prefix, "creditengine_")))
			s.Registry, s.Orphans = st, st
			s.schemas = append(s.schemas, st)
		}
	case ce.DriverSQLite:
		var db *sql.DB
		if db, err = sqliteDB(cfg.Registry.DSN); err == nil {
			st := sqliteregistry.New(db, sqliteregistry.WithTablePrefix(prefixOr(cfg.Registry.Prefix, "creditengine_")))
			s.Registry, s.Orphans = st, st
			s.schemas = append(s.schemas, st)
		}
	default:
		mem := registry.NewMemory()
		s.Registry, s.Orphans = mem, mem
	}
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open registry: %w", err)
	}

	return s, nil
}

// Migrate creates the tables of every SQL backend.
func (s *Stores) Migrate(ctx context.Context) error {
	for _, sc := range s.schemas {
		if err := sc.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every connection opened by OpenStores.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func newRedisClient(ctx context.Context, dsn string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func prefixOr(prefix, def string) string {
	if prefix == "" {
		return def
	}
	return prefix
}
