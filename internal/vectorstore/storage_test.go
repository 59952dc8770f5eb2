package vectorstore

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photomatch/internal/domain"
)

type sliceStorage struct {
	records []domain.RawRecord
	saves   int
}

func (s *sliceStorage) Records(ctx context.Context) ([]domain.RawRecord, error) {
	return append([]domain.RawRecord(nil), s.records...), nil
}

func (s *sliceStorage) Save(ctx context.Context, records []domain.RawRecord) error {
	s.records = append([]domain.RawRecord(nil), records...)
	s.saves++
	return nil
}

func TestDecodeRecords(t *testing.T) {
	in := `[{"id":"20240101-abc","image":"/static/images/20240101-abc.jpg","vector":[0.5,0.5]}]`
	records, err := DecodeRecords(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "20240101-abc", records[0].ID)
	assert.Equal(t, []float64{0.5, 0.5}, records[0].Vector)
}

func TestDecodeRecordsEmptyInputs(t *testing.T) {
	for _, in := range []string{"", "[]", "null"} {
		records, err := DecodeRecords(strings.NewReader(in))
		require.NoError(t, err, in)
		assert.NotNil(t, records, in)
		assert.Empty(t, records, in)
	}
}

func TestDecodeRecordsRejectsMissingID(t *testing.T) {
	_, err := DecodeRecords(strings.NewReader(`[{"id":"a","vector":[1]},{"image":"x","vector":[1]}]`))
	var recErr *domain.RecordError
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, 1, recErr.Index)
}

func TestDecodeRecordsMalformed(t *testing.T) {
	_, err := DecodeRecords(strings.NewReader(`{"id":`))
	assert.Error(t, err)
}

func TestEncodeRecordsNil(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeRecords(&buf, nil))
	assert.Equal(t, "[]\n", buf.String())
}

func TestUpsertReplacesOrAppends(t *testing.T) {
	ctx := context.Background()
	st := &sliceStorage{records: []domain.RawRecord{{ID: "a", Vector: []float64{1}}}}

	require.NoError(t, Upsert(ctx, st, domain.RawRecord{ID: "a", Image: "new", Vector: []float64{2}}))
	require.NoError(t, Upsert(ctx, st, domain.RawRecord{ID: "b", Vector: []float64{3}}))

	require.Len(t, st.records, 2)
	assert.Equal(t, "new", st.records[0].Image)
	assert.Equal(t, []float64{2}, st.records[0].Vector)
	assert.Equal(t, "b", st.records[1].ID)
	assert.Equal(t, 2, st.saves)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	st := &sliceStorage{records: []domain.RawRecord{{ID: "a"}, {ID: "b"}}}

	require.NoError(t, Delete(ctx, st, "a"))
	assert.Equal(t, []domain.RawRecord{{ID: "b"}}, st.records)

	err := Delete(ctx, st, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 1, st.saves)
}
