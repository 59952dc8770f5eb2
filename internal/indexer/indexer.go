// Package indexer builds the embedding database from a directory of
// catalogue photographs.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"photomatch/internal/domain"
	"photomatch/internal/embedding"
	"photomatch/internal/vectorstore"
)

type Config struct {
	// URLPrefix is joined with the file name to form each record's image locator.
	URLPrefix string
	Workers   int
}

// Report summarizes a reindex run.
type Report struct {
	Indexed  int
	Skipped  []string
	Fallback int
	Took     time.Duration
}

// Indexer serializes its writes: each one reads the whole database and saves
// it back.
type Indexer struct {
	mu        sync.Mutex
	extractor embedding.Extractor
	store     vectorstore.Storage
	urlPrefix string
	workers   int
	log       *slog.Logger
}

func New(extractor embedding.Extractor, store vectorstore.Storage, cfg Config, log *slog.Logger) *Indexer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Indexer{
		extractor: extractor,
		store:     store,
		urlPrefix: strings.TrimRight(cfg.URLPrefix, "/"),
		workers:   cfg.Workers,
		log:       log,
	}
}

// Embed extracts and L2-normalizes the embedding of the image at path.
func (ix *Indexer) Embed(ctx context.Context, p string) (domain.Vector, embedding.Mode, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, embedding.ModePrimary, err
	}
	vec, mode, err := embedding.ExtractWithFallback(ctx, ix.extractor, domain.Image{Name: filepath.Base(p), Data: data}, ix.log)
	if err != nil {
		return nil, mode, err
	}
	return embedding.Normalize(vec), mode, nil
}

type result struct {
	rec  domain.RawRecord
	mode embedding.Mode
	ok   bool
}

// Reindex embeds every regular file in dir, in name order, and replaces the
// database with the result. Files that cannot be embedded are skipped. A
// missing directory produces an empty database.
func (ix *Indexer) Reindex(ctx context.Context, dir string) (Report, error) {
	start := time.Now()
	if err := ix.extractor.Load(ctx); err != nil {
		return Report{}, fmt.Errorf("load extractor %s: %w", ix.extractor.Name(), err)
	}
	names, err := listFiles(dir)
	if err != nil {
		return Report{}, err
	}
	var dups []string
	names, dups = uniqueStems(names)
	for _, name := range dups {
		ix.log.Warn("skip image with duplicate id", "file", name, "id", stem(name))
	}

	results := make([]result, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers)
	for i, name := range names {
		g.Go(func() error {
			vec, mode, err := ix.Embed(gctx, filepath.Join(dir, name))
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				ix.log.Warn("skip image", "file", name, "error", err)
				return nil
			}
			results[i] = result{
				rec: domain.RawRecord{
					ID:     stem(name),
					Image:  ix.locator(name),
					Vector: vec,
				},
				mode: mode,
				ok:   true,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	rep := Report{Skipped: dups}
	records := make([]domain.RawRecord, 0, len(names))
	for i, r := range results {
		if !r.ok {
			rep.Skipped = append(rep.Skipped, names[i])
			continue
		}
		if r.mode == embedding.ModeFallback {
			rep.Fallback++
		}
		records = append(records, r.rec)
	}
	ix.mu.Lock()
	err = ix.store.Save(ctx, records)
	ix.mu.Unlock()
	if err != nil {
		return Report{}, fmt.Errorf("save embeddings: %w", err)
	}
	rep.Indexed = len(records)
	rep.Took = time.Since(start)
	ix.log.Info("reindex complete", "dir", dir, "indexed", rep.Indexed, "skipped", len(rep.Skipped), "fallback", rep.Fallback, "took", rep.Took)
	return rep, nil
}

// Upsert embeds the image at imagePath and stores it under id with the given
// locator, replacing any existing record with that id. An empty locator is
// derived from the file name.
func (ix *Indexer) Upsert(ctx context.Context, id, imagePath, locator string) (domain.RawRecord, error) {
	if id == "" {
		return domain.RawRecord{}, errors.New("id is required")
	}
	if err := ix.extractor.Load(ctx); err != nil {
		return domain.RawRecord{}, fmt.Errorf("load extractor %s: %w", ix.extractor.Name(), err)
	}
	vec, _, err := ix.Embed(ctx, imagePath)
	if err != nil {
		return domain.RawRecord{}, err
	}
	if locator == "" {
		locator = ix.locator(filepath.Base(imagePath))
	}
	rec := domain.RawRecord{ID: id, Image: locator, Vector: vec}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := vectorstore.Upsert(ctx, ix.store, rec); err != nil {
		return domain.RawRecord{}, fmt.Errorf("upsert %s: %w", id, err)
	}
	ix.log.Info("record upserted", "id", id, "image", locator, "dimension", len(vec))
	return rec, nil
}

// Remove deletes the record with id.
func (ix *Indexer) Remove(ctx context.Context, id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := vectorstore.Delete(ctx, ix.store, id); err != nil {
		return err
	}
	ix.log.Info("record removed", "id", id)
	return nil
}

func (ix *Indexer) locator(name string) string {
	if ix.urlPrefix == "" {
		return name
	}
	return path.Join(ix.urlPrefix, name)
}

func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// uniqueStems keeps the first file of each id in name order and returns the
// rest as duplicates.
func uniqueStems(names []string) (kept, dups []string) {
	seen := make(map[string]bool, len(names))
	kept = names[:0:0]
	for _, name := range names {
		id := stem(name)
		if seen[id] {
			dups = append(dups, name)
			continue
		}
		seen[id] = true
		kept = append(kept, name)
	}
	return kept, dups
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
