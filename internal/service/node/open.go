package node

import (
	"context"
	"fmt"

	"pq_chat/internal/config"
	"pq_chat/internal/cryptographic/kem"
	"pq_chat/internal/repository/identity"
	"pq_chat/internal/service/discovery"
	"pq_chat/internal/service/redis"
	"pq_chat/internal/service/seen"
)

// Open builds a node with the backends named in cfg.
func Open(ctx context.Context, cfg *config.Config) (*Node, error) {
	ids, closeIDs, err := OpenIdentities(ctx, cfg)
	if err != nil {
		return nil, err
	}
	deps := Deps{
		Identities: ids,
		Discovery: discovery.New(discovery.Config{
			Service: cfg.Discovery.Service,
			Domain:  cfg.Discovery.Domain,
			Timeout: cfg.Discovery.Timeout,
		}),
		Closers: []func() error{closeIDs},
	}

	switch cfg.Seen.Backend {
	case config.BackendRedis:
		rdb, err := redis.Dial(ctx, cfg.Redis.Addr)
		if err != nil {
			closeIDs()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		deps.Seen = seen.NewRedisSet(rdb, cfg.Seen.TTL)
		deps.Closers = append(deps.Closers, rdb.Close)
	default:
		set, err := seen.NewMemorySet(cfg.Seen.MaxEntries, cfg.Seen.TTL, nil)
		if err != nil {
			closeIDs()
			return nil, err
		}
		deps.Seen = set
	}

	n, err := New(cfg, deps)
	if err != nil {
		for _, c := range deps.Closers {
			c()
		}
		return nil, err
	}
	return n, nil
}

// OpenIdentities returns the configured key store and its closer.
func OpenIdentities(ctx context.Context, cfg *config.Config) (identity.Store, func() error, error) {
	switch cfg.Identity.Store {
	case config.BackendMongo:
		client, err := identity.Connect(ctx, cfg.Mongo.URI)
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		closer := func() error { return client.Disconnect(context.Background()) }
		return identity.NewMongoStore(client.Database(cfg.Mongo.Database)), closer, nil
	default:
		scheme, err := kem.SchemeByName(cfg.KEM.Scheme)
		if err != nil {
			return nil, nil, err
		}
		store, err := identity.NewFileStore(cfg.KeysDir(), cfg.SharedKeysDir(), scheme)
		if err != nil {
			return nil, nil, err
		}
		return store, func() error { return nil }, nil
	}
}
