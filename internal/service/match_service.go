package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"photomatch/internal/domain"
	"photomatch/internal/embedding"
	"photomatch/internal/lazy"
	"photomatch/internal/matcher"
	"photomatch/internal/telemetry"
	"photomatch/internal/vectorstore/memory"
)

// Option configures a MatchService.
type Option func(*MatchService)

func WithLogger(l *slog.Logger) Option {
	return func(s *MatchService) {
		if l != nil {
			s.log = l
		}
	}
}

func WithObserver(o telemetry.Observer) Option {
	return func(s *MatchService) {
		if o != nil {
			s.obs = o
		}
	}
}

// Status describes what the service has initialized so far.
type Status struct {
	Extractor   string `json:"extractor"`
	ModelLoaded bool   `json:"model_loaded"`
	StoreLoaded bool   `json:"store_loaded"`
	Records     int    `json:"records"`
	Dimension   int    `json:"dimension"`
}

// MatchService identifies a query photograph against the embedding database.
// The model handle, expected dimension and store snapshot are initialized
// lazily on first use; concurrent first callers share one initialization.
type MatchService struct {
	extractor embedding.Extractor
	source    domain.EmbeddingSource
	dims      domain.DimensionSource
	ranker    matcher.Ranker
	log       *slog.Logger
	obs       telemetry.Observer

	model     *lazy.Value[string]
	dimension *lazy.Value[int]
	snapshot  *lazy.Value[*memory.Storage]
}

// NewMatchService wires the pipeline. A nil dims source leaves the dimension
// unconstrained.
func NewMatchService(extractor embedding.Extractor, source domain.EmbeddingSource, dims domain.DimensionSource, ranker matcher.Ranker, opts ...Option) *MatchService {
	s := &MatchService{
		extractor: extractor,
		source:    source,
		dims:      dims,
		ranker:    ranker,
		log:       slog.Default(),
		obs:       telemetry.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.model = lazy.New(s.loadModel)
	s.dimension = lazy.New(s.loadDimension)
	s.snapshot = lazy.New(s.loadStore)
	return s
}

func (s *MatchService) loadModel(ctx context.Context) (string, error) {
	start := time.Now()
	if err := s.extractor.Load(ctx); err != nil {
		return "", err
	}
	s.log.Info("extractor loaded",
		"extractor", s.extractor.Name(),
		"primary_dim", s.extractor.NativeDimension(embedding.ModePrimary),
		"fallback_dim", s.extractor.NativeDimension(embedding.ModeFallback),
		"took", time.Since(start))
	return s.extractor.Name(), nil
}

func (s *MatchService) loadDimension(ctx context.Context) (int, error) {
	if s.dims == nil {
		return 0, nil
	}
	n, err := s.dims.Dimension(ctx)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %d", domain.ErrInvalidDimension, n)
	}
	return n, nil
}

// resolveDimension returns the expected dimension, or 0 when it cannot be
// determined. Failures are not cached.
func (s *MatchService) resolveDimension(ctx context.Context) int {
	n, err := s.dimension.Get(ctx)
	if err != nil {
		s.log.Warn("expected dimension unresolved, comparing unconstrained", "error", err)
		return 0
	}
	return n
}

// loadStore builds a fresh store each time so that a load overtaken by
// Reload never replaces the newer snapshot.
func (s *MatchService) loadStore(ctx context.Context) (*memory.Storage, error) {
	start := time.Now()
	dim := s.resolveDimension(ctx)
	raw, err := s.source.Records(ctx)
	if err != nil {
		s.obs.OnStoreLoad(time.Since(start), 0, err)
		return nil, fmt.Errorf("load embeddings: %w", err)
	}
	st := memory.NewStorage()
	st.Load(raw, dim)
	s.obs.OnStoreLoad(time.Since(start), len(raw), nil)
	s.log.Info("embedding store loaded", "records", len(raw), "dimension", dim, "took", time.Since(start))
	return st, nil
}

// IdentifyFromImage returns the best matching record for img. An empty
// database yields a decision with EmptyDatabase set and no ranking. When both
// extraction strategies fail the error is an *embedding.ExtractionError.
func (s *MatchService) IdentifyFromImage(ctx context.Context, img domain.Image) (decision domain.MatchDecision, err error) {
	start := time.Now()
	defer func() { s.obs.OnIdentify(time.Since(start), decision, err) }()

	if _, err := s.model.Get(ctx); err != nil {
		return domain.MatchDecision{}, fmt.Errorf("load extractor %s: %w", s.extractor.Name(), err)
	}
	s.resolveDimension(ctx)
	store, err := s.snapshot.Get(ctx)
	if err != nil {
		return domain.MatchDecision{}, err
	}

	records, target := store.Snapshot()
	if len(records) == 0 {
		s.log.Info("embedding database is empty", "image", img.Name)
		return domain.MatchDecision{Score: matcher.NoScore, EmptyDatabase: true}, nil
	}

	extractStart := time.Now()
	raw, mode, err := embedding.ExtractWithFallback(ctx, s.extractor, img, s.log)
	s.obs.OnExtraction(time.Since(extractStart), mode, err)
	if err != nil {
		return domain.MatchDecision{}, err
	}

	query := embedding.Prepare(raw, target)
	d := s.ranker.Rank(query, records)
	if d.Skipped > 0 {
		s.log.Debug("records skipped on length mismatch",
			"skipped", d.Skipped, "compared", d.Compared, "query_dim", len(query))
	}
	s.log.Info("identify",
		"image", img.Name, "mode", mode.String(), "id", d.ID,
		"score", d.Score, "accepted", d.Accepted, "took", time.Since(start))
	return d, nil
}

// Reload drops the cached dimension and store and loads them again. Readers
// keep ranking against the previous snapshot until the new one is swapped in.
func (s *MatchService) Reload(ctx context.Context) (int, error) {
	s.dimension.Reset()
	s.snapshot.Reset()
	store, err := s.snapshot.Get(ctx)
	if err != nil {
		return 0, err
	}
	return store.Len(), nil
}

// Records returns the loaded, normalized records.
func (s *MatchService) Records(ctx context.Context) ([]domain.EmbeddingRecord, error) {
	store, err := s.snapshot.Get(ctx)
	if err != nil {
		return nil, err
	}
	return store.All(), nil
}

// Record returns one loaded record by identifier.
func (s *MatchService) Record(ctx context.Context, id string) (domain.EmbeddingRecord, error) {
	store, err := s.snapshot.Get(ctx)
	if err != nil {
		return domain.EmbeddingRecord{}, err
	}
	r, ok := store.Get(id)
	if !ok {
		return domain.EmbeddingRecord{}, fmt.Errorf("record %q: %w", id, domain.ErrNotFound)
	}
	return r, nil
}

// ExpectedDimension reports the configured dimension; 0 means unconstrained.
func (s *MatchService) ExpectedDimension(ctx context.Context) (int, error) {
	return s.dimension.Get(ctx)
}

// Threshold returns the acceptance threshold used by the ranker.
func (s *MatchService) Threshold() float64 { return s.ranker.Threshold }

func (s *MatchService) Status() Status {
	st := Status{
		Extractor:   s.extractor.Name(),
		ModelLoaded: s.model.Loaded(),
	}
	if store, ok := s.snapshot.Peek(); ok {
		st.StoreLoaded = store.IsLoaded()
		st.Records = store.Len()
		st.Dimension = store.Dimension()
	}
	return st
}
