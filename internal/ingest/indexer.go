package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gustycube/cyberstreams/internal/docstore"
	"github.com/gustycube/cyberstreams/internal/logging"
	"github.com/gustycube/cyberstreams/internal/types"
)

// Indexer writes cycle output to the document store. Batches the store
// rejects are spooled to disk and replayed before the next cycle.
type Indexer struct {
	store    docstore.Store
	spoolDir string
	log      *logging.Logger
}

func NewIndexer(store docstore.Store, spoolDir string, log *logging.Logger) *Indexer {
	return &Indexer{store: store, spoolDir: spoolDir, log: log}
}

// Index bulk-writes docs. With no store configured it does nothing.
func (ix *Indexer) Index(ctx context.Context, docs []types.Document) error {
	if ix.store == nil || len(docs) == 0 {
		if ix.store == nil {
			ix.log.Debugw("no document store configured, skipping indexing", "documents", len(docs))
		}
		return nil
	}
	if err := ix.store.Bulk(ctx, docs); err != nil {
		ix.log.Errorw("failed to index documents", "documents", len(docs), "err", err)
		ix.spool(docs)
		return err
	}
	ix.log.Infow("indexed documents", "documents", len(docs))
	return nil
}

func (ix *Indexer) spool(docs []types.Document) {
	if ix.spoolDir == "" {
		return
	}
	if err := os.MkdirAll(ix.spoolDir, 0o755); err != nil {
		ix.log.Errorw("spool dir", "dir", ix.spoolDir, "err", err)
		return
	}
	name := time.Now().UTC().Format("20060102T150405.000000000") + ".json"
	path := filepath.Join(ix.spoolDir, name)
	f, err := os.Create(path)
	if err != nil {
		ix.log.Errorw("spool create", "path", path, "err", err)
		return
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(docs); err != nil {
		ix.log.Errorw("spool write", "path", path, "err", err)
		return
	}
	ix.log.Warnw("spooled batch for replay", "path", path, "documents", len(docs))
}

// Replay resends spooled batches oldest first, stopping at the first
// failure. It returns the number of documents written.
func (ix *Indexer) Replay(ctx context.Context) int {
	if ix.store == nil || ix.spoolDir == "" {
		return 0
	}
	entries, err := os.ReadDir(ix.spoolDir)
	if err != nil {
		return 0
	}
	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		if !ent.IsDir() && strings.HasSuffix(ent.Name(), ".json") {
			names = append(names, ent.Name())
		}
	}
	sort.Strings(names)

	written := 0
	for _, name := range names {
		p := filepath.Join(ix.spoolDir, name)
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var docs []types.Document
		if err := json.Unmarshal(b, &docs); err != nil {
			ix.log.Warnw("dropping unreadable spool file", "path", p, "err", err)
			_ = os.Remove(p)
			continue
		}
		if err := ix.store.Bulk(ctx, docs); err != nil {
			ix.log.Warnw("spool replay failed", "path", p, "err", err)
			return written
		}
		_ = os.Remove(p)
		written += len(docs)
	}
	if written > 0 {
		ix.log.Infow("replayed spooled documents", "documents", written)
	}
	return written
}
