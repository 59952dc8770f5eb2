package jsonfile

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photomatch/internal/domain"
	"photomatch/internal/vectorstore"
)

var _ vectorstore.Storage = (*Storage)(nil)

func sample() []domain.RawRecord {
	return []domain.RawRecord{
		{ID: "cat", Image: "/static/images/cat.jpg", Vector: []float64{0.6, 0.8}},
		{ID: "dog", Image: "/static/images/dog.jpg", Vector: []float64{1, 0, 0}},
	}
}

func TestRecordsMissingFile(t *testing.T) {
	s := NewStorage(filepath.Join(t.TempDir(), "embeddings.json"))
	records, err := s.Records(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSaveAndLoad(t *testing.T) {
	for _, name := range []string{"embeddings.json", "embeddings.json.zst"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "static", name)
			s := NewStorage(path)
			require.NoError(t, s.Save(context.Background(), sample()))

			entries, err := os.ReadDir(filepath.Dir(path))
			require.NoError(t, err)
			require.Len(t, entries, 1, "temp file removed")
			assert.Equal(t, name, entries[0].Name())

			got, err := s.Records(context.Background())
			require.NoError(t, err)
			assert.Equal(t, sample(), got)
		})
	}
}

func TestSaveReplacesContents(t *testing.T) {
	s := NewStorage(filepath.Join(t.TempDir(), "embeddings.json"))
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sample()))
	require.NoError(t, s.Save(ctx, sample()[:1]))

	got, err := s.Records(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCompressedFileIsNotPlainJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embeddings.json.zst")
	require.NoError(t, NewStorage(path).Save(context.Background(), sample()))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, byte('['), raw[0])
}

func TestRecordsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embeddings.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))
	_, err := NewStorage(path).Records(context.Background())
	assert.Error(t, err)
}

func TestUpsertThroughFile(t *testing.T) {
	s := NewStorage(filepath.Join(t.TempDir(), "embeddings.json"))
	ctx := context.Background()
	require.NoError(t, vectorstore.Upsert(ctx, s, domain.RawRecord{ID: "new", Vector: []float64{1}}))
	got, err := s.Records(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)
}

func TestConcurrentSavesDoNotShareTempFile(t *testing.T) {
	s := NewStorage(filepath.Join(t.TempDir(), "embeddings.json"))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Save(ctx, sample()[:1+i%2])
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	got, err := s.Records(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, got)
}
