package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gustycube/cyberstreams/internal/cache"
	"github.com/gustycube/cyberstreams/internal/config"
	"github.com/gustycube/cyberstreams/internal/credential"
	"github.com/gustycube/cyberstreams/internal/docstore"
	"github.com/gustycube/cyberstreams/internal/feeds"
	"github.com/gustycube/cyberstreams/internal/fetch"
	"github.com/gustycube/cyberstreams/internal/ingest"
	"github.com/gustycube/cyberstreams/internal/logging"
	"github.com/gustycube/cyberstreams/internal/predict"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// app holds what every subcommand builds from configuration. Fields left
// nil mean the dependency is not configured.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	redis   *redis.Client
	cache   cache.Cache
	closers []func() error
}

func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(configFile, flagOverrides(cmd))
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}
	if cfg.Environment == config.EnvDevelopment {
		a.log = logging.NewDevelopment(cfg.LogLevel)
	} else {
		a.log = logging.NewWithLevel(cfg.LogLevel)
	}
	a.closers = append(a.closers, func() error { _ = a.log.Sync(); return nil })

	if cfg.RedisAddr != "" {
		cli, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		switch {
		case err != nil && cfg.IsProduction():
			return nil, err
		case err != nil:
			a.log.Warnw("redis unavailable, continuing without it", "addr", cfg.RedisAddr, "err", err)
		default:
			a.log.Infow("redis connected", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
			a.redis = cli
			a.closers = append(a.closers, cli.Close)
		}
	}
	if a.redis != nil {
		a.cache = cache.NewRedis(a.redis)
	} else {
		a.cache = cache.NewMemory(10000, time.Hour)
	}
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// credentials opens the API-key store. Without a database path keys live in
// memory; development keys are seeded when enabled.
func (a *app) credentials(requireDurable bool) (credential.Store, error) {
	var seeds []credential.Seed
	if a.cfg.SeedDevKeys != nil && *a.cfg.SeedDevKeys {
		seeds = credential.DevelopmentSeeds()
	}

	var inner credential.Store
	if a.cfg.CredentialsDB != "" {
		db, err := credential.OpenBolt(a.cfg.CredentialsDB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		if err := db.Seed(seeds); err != nil {
			return nil, fmt.Errorf("seed credentials: %w", err)
		}
		inner = db
		a.log.Infow("credential store opened", "path", a.cfg.CredentialsDB, "seeded", len(seeds))
	} else {
		if requireDurable {
			return nil, fmt.Errorf("credentials_db is not configured; keys would not persist")
		}
		if a.cfg.IsProduction() {
			a.log.Warnw("no credentials_db configured, API keys are held in memory only")
		}
		inner = credential.NewMemory(seeds...)
	}
	ttl := time.Duration(a.cfg.APIKeyCacheTTLSec) * time.Second
	return credential.NewCached(inner, a.cache, ttl, a.log), nil
}

// docStore connects to OpenSearch, or falls back to an in-memory store.
func (a *app) docStore() (docstore.Store, error) {
	if a.cfg.OpenSearchURL == "" {
		a.log.Warnw("no opensearch_url configured, documents are kept in memory")
		return docstore.NewMemory(), nil
	}
	return docstore.NewOpenSearch(docstore.OpenSearchConfig{
		URL:      a.cfg.OpenSearchURL,
		Username: a.cfg.OpenSearchUsername,
		Password: a.cfg.OpenSearchPassword,
		Index:    a.cfg.OpenSearchIndex,
		Alias:    a.cfg.OpenSearchAlias,
		Pipeline: a.cfg.OpenSearchPipeline,
		Insecure: a.cfg.OpenSearchInsecure,
	}, a.log)
}

func (a *app) classifier() *predict.Client {
	if a.cfg.MLServiceURL == "" {
		return nil
	}
	return predict.New(a.cfg.MLServiceURL, 5*time.Second)
}

// feeds loads the configured feed list.
func (a *app) feeds() ([]feeds.Descriptor, error) {
	list, err := feeds.Resolve(a.cfg.FeedsFile)
	if err != nil {
		return nil, err
	}
	a.log.Infow("feeds loaded", "total", len(list), "enabled", len(feeds.Enabled(list)))
	return list, nil
}

// engine builds the ingestion engine over list. store may be nil for a dry
// run; the hook fields of opts are passed through.
func (a *app) engine(list []feeds.Descriptor, store docstore.Store, cls *predict.Client, hooks ingest.Options) (*ingest.Engine, error) {
	opts := ingest.Options{
		Feeds: list,
		Fetcher: fetch.New(fetch.Options{
			Timeout:       a.cfg.FetchTimeout(),
			UserAgent:     a.cfg.UA,
			RespectRobots: a.cfg.RespectRobots,
			PerHostRate:   a.cfg.PerHostRate,
		}),
		Store:       store,
		MemoryLimit: a.cfg.MemoryLimit,
		Workers:     a.cfg.FetchConcurrency,
		SpoolDir:    a.cfg.SpoolDir,
		OnNew:       hooks.OnNew,
		OnFeed:      hooks.OnFeed,
		Log:         a.log,
	}
	if cls != nil {
		opts.Classifier = cls
	}
	if a.redis != nil {
		opts.Locker = cache.NewRedisLocker(a.redis)
	}
	return ingest.New(opts)
}
