package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nfrund/dmrelay/internal/config"
	"github.com/nfrund/dmrelay/internal/database"
	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/nfrund/dmrelay/internal/storage/badgerdb"
	"github.com/nfrund/dmrelay/internal/storage/memory"
	"github.com/samber/do/v2"
)

const (
	connectTimeout  = 30 * time.Second
	monitorInterval = 30 * time.Second
)

// Stores is the persistence backend selected by STORE_BACKEND.
type Stores struct {
	Backend  string
	Messages domain.MessageStore
	Users    domain.UserRepository
	// Health is pinged by the health endpoint.
	Health domain.Pinger
}

func provideStores(i do.Injector) (*Stores, error) {
	cfg := do.MustInvoke[config.Provider](i)
	closers := do.MustInvoke[*closers](i)

	stores, closeFn, err := OpenStores(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	closers.add("stores", closeFn)
	return stores, nil
}

// OpenStores opens the configured backend. The returned function releases it.
func OpenStores(ctx context.Context, cfg config.Provider) (*Stores, func(context.Context) error, error) {
	backend := cfg.GetStoreBackend()
	logger := slog.Default().With("service", "stores", "backend", backend)

	switch backend {
	case config.BackendMemory:
		messages := memory.NewMessageStore()
		logger.Warn("Using in-memory store; messages are lost on restart")
		return &Stores{
			Backend:  backend,
			Messages: messages,
			Users:    memory.NewUserStore(),
			Health:   messages,
		}, func(context.Context) error { return nil }, nil

	case config.BackendBadger:
		db, err := badgerdb.Open(cfg.GetBadgerPath())
		if err != nil {
			return nil, nil, err
		}
		messages := badgerdb.NewMessageStore(db)
		return &Stores{
			Backend:  backend,
			Messages: messages,
			Users:    badgerdb.NewUserStore(db),
			Health:   messages,
		}, func(context.Context) error { return db.Close() }, nil

	case config.BackendSurreal:
		conn := database.NewConnection(cfg)
		connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := conn.Connect(connectCtx); err != nil {
			return nil, nil, fmt.Errorf("connect to surrealdb: %w", err)
		}
		if err := database.EnsureSchema(connectCtx, conn); err != nil {
			_ = conn.Close(ctx)
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		conn.StartMonitoring(monitorInterval)
		return &Stores{
			Backend:  backend,
			Messages: database.NewMessageStore(conn, cfg.GetDBQueryTimeout(), cfg.GetDBExecuteTimeout()),
			Users:    database.NewUserStore(conn, cfg.GetDBQueryTimeout(), cfg.GetDBExecuteTimeout()),
			Health:   conn,
		}, conn.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
