package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photomatch/internal/domain"
	"photomatch/internal/embedding"
	"photomatch/internal/logger"
	"photomatch/internal/matcher"
)

type fakeExtractor struct {
	loads   atomic.Int32
	loadErr error
	delay   time.Duration
	vectors map[embedding.Mode]domain.Vector
	errs    map[embedding.Mode]error
}

func (f *fakeExtractor) Name() string { return "fake" }

func (f *fakeExtractor) Load(ctx context.Context) error {
	f.loads.Add(1)
	time.Sleep(f.delay)
	return f.loadErr
}

func (f *fakeExtractor) NativeDimension(mode embedding.Mode) int { return len(f.vectors[mode]) }

func (f *fakeExtractor) Extract(ctx context.Context, img domain.Image, mode embedding.Mode) (domain.Vector, error) {
	if err := f.errs[mode]; err != nil {
		return nil, err
	}
	return f.vectors[mode], nil
}

func primary(v ...float64) *fakeExtractor {
	return &fakeExtractor{vectors: map[embedding.Mode]domain.Vector{embedding.ModePrimary: v}}
}

type fakeSource struct {
	calls   atomic.Int32
	records []domain.RawRecord
	err     error
}

func (f *fakeSource) Records(ctx context.Context) ([]domain.RawRecord, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

type fakeDims struct {
	calls atomic.Int32
	n     int
	err   error
}

func (f *fakeDims) Dimension(ctx context.Context) (int, error) {
	f.calls.Add(1)
	return f.n, f.err
}

func newService(ex embedding.Extractor, src domain.EmbeddingSource, dims domain.DimensionSource) *MatchService {
	return NewMatchService(ex, src, dims, matcher.NewRanker(matcher.DefaultThreshold), WithLogger(logger.Discard()))
}

var query = domain.Image{Name: "query.jpg", Data: []byte("img")}

func TestIdentifyExactMatch(t *testing.T) {
	src := &fakeSource{records: []domain.RawRecord{
		{ID: "a", Image: "/static/images/a.jpg", Vector: []float64{1, 0}},
		{ID: "b", Image: "/static/images/b.jpg", Vector: []float64{0, 1}},
	}}
	s := newService(primary(1, 0), src, &fakeDims{n: 2})

	d, err := s.IdentifyFromImage(context.Background(), query)
	require.NoError(t, err)
	assert.Equal(t, "a", d.ID)
	assert.Equal(t, "/static/images/a.jpg", d.Image)
	assert.InDelta(t, 1.0, d.Score, 1e-9)
	assert.True(t, d.Accepted)
	assert.False(t, d.EmptyDatabase)
}

func TestIdentifyEmptyDatabase(t *testing.T) {
	ex := &fakeExtractor{errs: map[embedding.Mode]error{
		embedding.ModePrimary:  errors.New("must not run"),
		embedding.ModeFallback: errors.New("must not run"),
	}}
	s := newService(ex, &fakeSource{}, &fakeDims{n: 1280})

	d, err := s.IdentifyFromImage(context.Background(), query)
	require.NoError(t, err)
	assert.True(t, d.EmptyDatabase)
	assert.False(t, d.HasCandidate())
	assert.False(t, d.Accepted)
	assert.Empty(t, d.ID)
	assert.Equal(t, matcher.NoScore, d.Score)
	assert.Zero(t, d.Compared)
}

func TestIdentifyPadsQueryToExpectedDimension(t *testing.T) {
	src := &fakeSource{records: []domain.RawRecord{
		{ID: "x", Vector: []float64{1, 2, 3, 0, 0}},
		{ID: "y", Vector: []float64{0, 0, 0, 1, 1}},
	}}
	s := newService(primary(1, 2, 3), src, &fakeDims{n: 5})

	d, err := s.IdentifyFromImage(context.Background(), query)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Compared)
	assert.Zero(t, d.Skipped)
	assert.Equal(t, "x", d.ID)
	assert.InDelta(t, 1.0, d.Score, 1e-9)
}

func TestIdentifyBelowThreshold(t *testing.T) {
	// cos([1,0], [0.3, sqrt(0.91)]) = 0.3
	src := &fakeSource{records: []domain.RawRecord{{ID: "only", Vector: []float64{0.3, 0.9539392014169456}}}}
	s := newService(primary(1, 0), src, &fakeDims{n: 2})

	d, err := s.IdentifyFromImage(context.Background(), query)
	require.NoError(t, err)
	assert.Equal(t, "only", d.ID)
	assert.InDelta(t, 0.3, d.Score, 1e-9)
	assert.True(t, d.HasCandidate())
	assert.False(t, d.Accepted)
}

func TestIdentifyUnresolvedDimensionSkipsMismatchedLengths(t *testing.T) {
	src := &fakeSource{records: []domain.RawRecord{
		{ID: "a", Vector: make([]float64, 1001)},
		{ID: "b", Vector: make([]float64, 1001)},
	}}
	src.records[0].Vector[0] = 1
	src.records[1].Vector[1] = 1
	q := make([]float64, 1000)
	q[0] = 1
	dims := &fakeDims{err: errors.New("metadata endpoint down")}
	s := newService(primary(q...), src, dims)

	d, err := s.IdentifyFromImage(context.Background(), query)
	require.NoError(t, err)
	assert.Empty(t, d.ID)
	assert.False(t, d.HasCandidate())
	assert.False(t, d.Accepted)
	assert.Equal(t, 2, d.Skipped)
}

func TestDimensionFailureIsRetried(t *testing.T) {
	dims := &fakeDims{err: errors.New("down")}
	s := newService(primary(1), &fakeSource{records: []domain.RawRecord{{ID: "a", Vector: []float64{1}}}}, dims)
	ctx := context.Background()

	_, err := s.IdentifyFromImage(ctx, query)
	require.NoError(t, err)
	first := dims.calls.Load()

	_, err = s.ExpectedDimension(ctx)
	require.Error(t, err)
	assert.Greater(t, dims.calls.Load(), first)

	dims.err = nil
	dims.n = 1
	n, err := s.ExpectedDimension(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIdentifyFallsBackToSecondaryMode(t *testing.T) {
	ex := &fakeExtractor{
		vectors: map[embedding.Mode]domain.Vector{embedding.ModeFallback: {0, 1}},
		errs:    map[embedding.Mode]error{embedding.ModePrimary: embedding.ErrModeUnavailable},
	}
	src := &fakeSource{records: []domain.RawRecord{{ID: "a", Vector: []float64{1, 0}}, {ID: "b", Vector: []float64{0, 1}}}}
	s := newService(ex, src, &fakeDims{n: 2})

	d, err := s.IdentifyFromImage(context.Background(), query)
	require.NoError(t, err)
	assert.Equal(t, "b", d.ID)
}

func TestIdentifyBothModesFail(t *testing.T) {
	primaryErr := errors.New("layer missing")
	fallbackErr := errors.New("decode failed")
	ex := &fakeExtractor{errs: map[embedding.Mode]error{
		embedding.ModePrimary:  primaryErr,
		embedding.ModeFallback: fallbackErr,
	}}
	src := &fakeSource{records: []domain.RawRecord{{ID: "a", Vector: []float64{1}}}}
	s := newService(ex, src, nil)

	_, err := s.IdentifyFromImage(context.Background(), query)
	var exErr *embedding.ExtractionError
	require.ErrorAs(t, err, &exErr)
	assert.ErrorIs(t, err, primaryErr)
	assert.ErrorIs(t, err, fallbackErr)
}

func TestModelLoadFailureIsNotCached(t *testing.T) {
	ex := primary(1)
	ex.loadErr = errors.New("weights missing")
	src := &fakeSource{records: []domain.RawRecord{{ID: "a", Vector: []float64{1}}}}
	s := newService(ex, src, nil)

	_, err := s.IdentifyFromImage(context.Background(), query)
	require.ErrorIs(t, err, ex.loadErr)
	assert.Zero(t, src.calls.Load())

	ex.loadErr = nil
	d, err := s.IdentifyFromImage(context.Background(), query)
	require.NoError(t, err)
	assert.Equal(t, "a", d.ID)
	assert.Equal(t, int32(2), ex.loads.Load())
}

func TestSourceFailurePropagates(t *testing.T) {
	boom := errors.New("disk gone")
	s := newService(primary(1), &fakeSource{err: boom}, nil)
	_, err := s.IdentifyFromImage(context.Background(), query)
	assert.ErrorIs(t, err, boom)
	assert.False(t, s.Status().StoreLoaded)
}

func TestConcurrentFirstCallsInitializeOnce(t *testing.T) {
	ex := primary(1, 0)
	ex.delay = 20 * time.Millisecond
	src := &fakeSource{records: []domain.RawRecord{{ID: "a", Vector: []float64{1, 0}}}}
	dims := &fakeDims{n: 2}
	s := newService(ex, src, dims)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := s.IdentifyFromImage(context.Background(), query)
			assert.NoError(t, err)
			assert.Equal(t, "a", d.ID)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ex.loads.Load())
	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, int32(1), dims.calls.Load())
}

func TestReloadReplacesSnapshot(t *testing.T) {
	src := &fakeSource{records: []domain.RawRecord{{ID: "old", Vector: []float64{1, 0}}}}
	s := newService(primary(1, 0), src, &fakeDims{n: 2})
	ctx := context.Background()

	d, err := s.IdentifyFromImage(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, "old", d.ID)

	src.records = []domain.RawRecord{{ID: "new", Vector: []float64{1, 0}}, {ID: "other", Vector: []float64{0, 1}}}
	n, err := s.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	d, err = s.IdentifyFromImage(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, "new", d.ID)

	records, err := s.Records(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	st := s.Status()
	assert.True(t, st.ModelLoaded)
	assert.Equal(t, 2, st.Records)
	assert.Equal(t, 2, st.Dimension)
}

func TestRecordLooksUpNormalizedRecord(t *testing.T) {
	src := &fakeSource{records: []domain.RawRecord{{ID: "a", Image: "/static/images/a.jpg", Vector: []float64{3, 4}}}}
	s := newService(primary(1, 0), src, &fakeDims{n: 2})
	ctx := context.Background()

	r, err := s.Record(ctx, "a")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.6, 0.8}, []float64(r.Vector), 1e-9)

	_, err = s.Record(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type gatedSource struct {
	mu      sync.Mutex
	records []domain.RawRecord
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedSource) Records(ctx context.Context) ([]domain.RawRecord, error) {
	g.mu.Lock()
	records := g.records
	g.mu.Unlock()
	select {
	case g.entered <- struct{}{}:
		<-g.gate
	default:
	}
	return records, nil
}

func TestReloadDuringInitialLoadSeesNewRecords(t *testing.T) {
	src := &gatedSource{
		records: []domain.RawRecord{{ID: "old", Vector: []float64{1, 0}}},
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	s := newService(primary(1, 0), src, &fakeDims{n: 2})
	ctx := context.Background()

	first := make(chan error)
	go func() {
		_, err := s.Records(ctx)
		first <- err
	}()
	<-src.entered

	src.mu.Lock()
	src.records = append(src.records, domain.RawRecord{ID: "new", Vector: []float64{0, 1}})
	src.mu.Unlock()

	n, err := s.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	close(src.gate)
	require.NoError(t, <-first)

	records, err := s.Records(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, 2, s.Status().Records)
}
