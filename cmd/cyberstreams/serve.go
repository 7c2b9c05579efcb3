package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/gustycube/cyberstreams/internal/api"
	"github.com/gustycube/cyberstreams/internal/auth"
	"github.com/gustycube/cyberstreams/internal/broadcast"
	"github.com/gustycube/cyberstreams/internal/dedup"
	"github.com/gustycube/cyberstreams/internal/docstore"
	"github.com/gustycube/cyberstreams/internal/health"
	"github.com/gustycube/cyberstreams/internal/ingest"
	"github.com/gustycube/cyberstreams/internal/logging"
	"github.com/gustycube/cyberstreams/internal/metrics"
	"github.com/gustycube/cyberstreams/internal/ratelimit"
	"github.com/gustycube/cyberstreams/internal/search"
	"github.com/gustycube/cyberstreams/internal/telemetry"
	"github.com/gustycube/cyberstreams/internal/types"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

var noWorker bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, activity stream and background ingestion",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("listen", "", "API listen address (default :3001)")
	f.String("metrics-addr", "", "metrics and probe listen address (default :9090)")
	f.String("feeds", "", "path to a feeds file (YAML or JSON)")
	f.Int("interval", 0, "seconds between ingestion cycles")
	f.Int("concurrency", 0, "feeds fetched concurrently")
	f.BoolVar(&noWorker, "no-worker", false, "serve only; do not run background ingestion")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.close()
	cfg, log := a.cfg, a.log

	shutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.OTELService, cfg.Version, cfg.Environment, cfg.OTELInsecure)
	if err != nil {
		log.Warnw("otel init failed", "err", err)
	} else {
		defer shutdown(context.Background())
	}

	hh := health.NewHandler(log, cfg.Version)
	hh.SetMetadata("environment", cfg.Environment)
	if a.redis != nil {
		hh.RegisterChecker("redis", health.NewRedisChecker(func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }))
	} else {
		hh.RegisterChecker("redis", health.NewRedisChecker(nil))
	}

	creds, err := a.credentials(false)
	if err != nil {
		return err
	}
	issuer, err := auth.NewIssuer(auth.IssuerConfig{
		Secret:        cfg.JWTSecret,
		Issuer:        cfg.JWTIssuer,
		MinExpiry:     time.Duration(cfg.TokenMinExpirySec) * time.Second,
		MaxExpiry:     time.Duration(cfg.TokenMaxExpirySec) * time.Second,
		DefaultExpiry: time.Duration(cfg.TokenDefExpirySec) * time.Second,
		DefaultScopes: cfg.DefaultScopes,
	})
	if err != nil {
		return err
	}
	authn := auth.NewAuthenticator(creds, issuer, log)
	defer authn.Close()

	store, err := a.docStore()
	if err != nil {
		return err
	}
	if _, ok := store.(*docstore.OpenSearch); ok {
		hh.RegisterChecker("opensearch", health.CheckFunc(store.Ping))
	} else {
		hh.RegisterChecker("opensearch", health.Unconfigured("OpenSearch not configured, serving from memory"))
	}

	cls := a.classifier()
	if cls != nil {
		hh.RegisterChecker("ml-service", health.CheckFunc(cls.Ping))
	}

	bus, err := a.bus()
	if err != nil {
		return err
	}
	hb := time.Duration(cfg.HeartbeatSec) * time.Second
	bc := broadcast.New(bus, cfg.ActivityChannel, hb, log)

	list, err := a.feeds()
	if err != nil {
		return err
	}
	engine, err := a.engine(list, store, cls, ingest.Options{OnNew: publishThreats(bc, a.announced(), log)})
	if err != nil {
		return err
	}

	lim := ratelimit.New(nil, log)
	if a.redis != nil {
		lim = ratelimit.New(a.redis, log)
	}
	srv := api.New(api.Deps{
		Auth:        authn,
		Issuer:      issuer,
		Limiter:     lim,
		Search:      search.NewGateway(store, a.cache, time.Duration(cfg.SearchCacheTTLSec)*time.Second, log),
		Broadcaster: bc,
		Docs:        store,
		Credentials: creds,
		Recent:      engine.Documents,
		Health:      hh,
		CORSOrigins: cfg.CORSOrigins,
		Log:         log,
	})

	if cfg.MetricsAddr != "" {
		go metrics.ServeWithHealth(ctx, cfg.MetricsAddr, hh, log)
		log.Infow("metrics and health server started", "addr", cfg.MetricsAddr)
	}

	workerDone := make(chan error, 1)
	if noWorker {
		workerDone <- nil
	} else {
		hh.RegisterChecker("ingest", health.NewCycleChecker(func() (time.Time, bool) {
			res, at, ok := engine.LastResult()
			if !ok {
				return time.Time{}, false
			}
			return at, res.FeedsProcessed > 0 && res.FailureCount == res.FeedsProcessed
		}, 2*cfg.FetchInterval()+time.Minute))
		go func() {
			workerDone <- ingest.NewScheduler(engine, cfg.FetchInterval(), log).Run(ctx)
		}()
	}

	log.Infow("starting cyberstreams",
		"version", cfg.Version,
		"environment", cfg.Environment,
		"listen", cfg.ListenAddr,
		"worker", !noWorker,
		"bus", cfg.ActivityBus)
	hh.SetReady(true)

	err = srv.ListenAndServe(ctx, cfg.ListenAddr)
	cancel()
	if werr := <-workerDone; werr != nil && ctx.Err() == nil {
		log.Errorw("ingestion worker stopped", "err", werr)
	}
	log.Infow("shutdown complete")
	return err
}

// bus selects the activity transport. Redis falls back to an in-process bus
// when Redis is unavailable outside production.
func (a *app) bus() (broadcast.Bus, error) {
	switch a.cfg.ActivityBus {
	case "nats":
		nc, err := nats.Connect(a.cfg.NATSURL, nats.Name("cyberstreams"), nats.MaxReconnects(-1))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.closers = append(a.closers, func() error { return nc.Drain() })
		a.log.Infow("activity bus: nats", "url", a.cfg.NATSURL)
		return broadcast.NewNATSBus(nc), nil
	case "redis":
		if a.redis != nil {
			return broadcast.NewRedisBus(a.redis), nil
		}
		if a.cfg.IsProduction() {
			return nil, fmt.Errorf("activity_bus is redis but redis is not available")
		}
		a.log.Warnw("activity bus falling back to in-process delivery")
	}
	return broadcast.NewLocalBus(), nil
}

// announced tracks which documents were already announced, shared through
// Redis when available so a failover replica does not repeat them.
func (a *app) announced() dedup.Interface {
	ttl := 7 * 24 * time.Hour
	if a.redis != nil {
		return dedup.NewRedis(a.redis, "cyberstreams:announced:", ttl)
	}
	return dedup.NewMemory(50000, ttl)
}

// publishThreats announces newly ingested high and critical documents on the
// activity stream, once per document id.
func publishThreats(bc *broadcast.Broadcaster, seen dedup.Interface, log *logging.Logger) func(context.Context, []types.Document) {
	return func(ctx context.Context, docs []types.Document) {
		for _, d := range docs {
			if d.Risk != types.RiskHigh && d.Risk != types.RiskCritical {
				continue
			}
			dup, err := seen.Seen(ctx, d.ID)
			if err != nil {
				log.Warnw("announcement dedup unavailable", "id", d.ID, "err", err)
			}
			if dup {
				continue
			}
			data, err := json.Marshal(d)
			if err != nil {
				continue
			}
			if err := bc.Publish(ctx, "new-threat", data, "ingest-worker"); err != nil {
				log.Warnw("threat announcement failed", "id", d.ID, "err", err)
				return
			}
		}
	}
}
