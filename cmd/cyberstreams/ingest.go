package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gustycube/cyberstreams/internal/docstore"
	"github.com/gustycube/cyberstreams/internal/feeds"
	"github.com/gustycube/cyberstreams/internal/ingest"
	"github.com/gustycube/cyberstreams/internal/output"
	"github.com/gustycube/cyberstreams/internal/telemetry"
	"github.com/gustycube/cyberstreams/internal/types"
	"github.com/gustycube/cyberstreams/internal/ui"
	"github.com/spf13/cobra"
)

var (
	ingestOnce   bool
	ingestOutput string
	ingestDryRun bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch feeds and index their documents",
	Long: `Runs ingestion without the API. With --once a single cycle runs and the
process exits; otherwise cycles repeat every fetch interval.

--output writes documents to stdout: every document of the cycle with
--once, otherwise each newly seen document as it arrives.`,
	Example: `  cyberstreams ingest --once --output jsonl
  cyberstreams ingest --once --dry-run --output csv > docs.csv
  cyberstreams ingest --feeds feeds.json --interval 900`,
	Args: cobra.NoArgs,
	RunE: runIngest,
}

func init() {
	f := ingestCmd.Flags()
	f.String("feeds", "", "path to a feeds file (YAML or JSON)")
	f.Int("interval", 0, "seconds between cycles")
	f.Int("timeout", 0, "per-feed fetch timeout in seconds")
	f.Int("concurrency", 0, "feeds fetched concurrently")
	f.Bool("respect-robots", false, "skip feeds disallowed by robots.txt")
	f.BoolVar(&ingestOnce, "once", false, "run a single cycle and exit")
	f.StringVar(&ingestOutput, "output", "", "write documents to stdout (json, jsonl, csv)")
	f.BoolVar(&ingestDryRun, "dry-run", false, "do not index; keep documents in memory only")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, _ []string) error {
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

	var w *output.Writer
	if ingestOutput != "" {
		if w, err = output.NewWriter(ingestOutput, cmd.OutOrStdout()); err != nil {
			return err
		}
		defer w.Flush()
	}

	var store docstore.Store
	if !ingestDryRun {
		if store, err = a.docStore(); err != nil {
			return err
		}
	}

	var onNew func(context.Context, []types.Document)
	if w != nil && !ingestOnce {
		onNew = func(_ context.Context, docs []types.Document) {
			if err := w.WriteDocuments(docs); err != nil {
				log.Warnw("writing documents failed", "err", err)
			}
			_ = w.Flush()
		}
	}

	list, err := a.feeds()
	if err != nil {
		return err
	}
	hooks := ingest.Options{OnNew: onNew}
	var display *ui.Display
	if ingestOnce {
		display = ui.NewDisplay(cmd.ErrOrStderr(), len(feeds.Enabled(list)))
		hooks.OnFeed = func(_ feeds.Descriptor, n int, err error) { display.FeedDone(n, err) }
	}
	engine, err := a.engine(list, store, a.classifier(), hooks)
	if err != nil {
		return err
	}

	if !ingestOnce {
		log.Infow("continuous ingestion started", "interval", cfg.FetchInterval())
		return engine.RunContinuous(ctx, cfg.FetchInterval())
	}

	res, err := engine.Bootstrap(ctx)
	summary := display.Finish()
	if err != nil {
		return err
	}
	log.Infow("ingestion complete", "summary", summary, "indexed", res.DocumentsIndexed, "indexFailed", res.IndexFailed)
	if w != nil {
		if err := w.WriteDocuments(engine.LastDocuments()); err != nil {
			return err
		}
	}
	if res.FeedsProcessed > 0 && res.FailureCount == res.FeedsProcessed {
		return fmt.Errorf("every feed failed (%d)", res.FailureCount)
	}
	if res.IndexFailed {
		return fmt.Errorf("indexing failed; %d documents spooled to %s", res.DocumentsIndexed, cfg.SpoolDir)
	}
	return nil
}
