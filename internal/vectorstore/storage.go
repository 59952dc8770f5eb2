package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"photomatch/internal/domain"
)

// Storage reads and replaces a persisted embedding database.
type Storage interface {
	domain.EmbeddingSource
	domain.EmbeddingSink
}

// DecodeRecords reads a JSON array of records and validates it.
// An empty stream decodes to an empty database.
func DecodeRecords(r io.Reader) ([]domain.RawRecord, error) {
	var records []domain.RawRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		if errors.Is(err, io.EOF) {
			return []domain.RawRecord{}, nil
		}
		return nil, fmt.Errorf("decode embeddings: %w", err)
	}
	if err := Validate(records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []domain.RawRecord{}
	}
	return records, nil
}

// EncodeRecords writes records as a JSON array.
func EncodeRecords(w io.Writer, records []domain.RawRecord) error {
	if records == nil {
		records = []domain.RawRecord{}
	}
	return json.NewEncoder(w).Encode(records)
}

// Validate rejects records without an identifier.
func Validate(records []domain.RawRecord) error {
	for i, r := range records {
		if r.ID == "" {
			return domain.NewRecordError(i, r.ID, errors.New("missing id"))
		}
	}
	return nil
}

// Upsert replaces the record with rec.ID or appends rec, then saves the
// whole database.
func Upsert(ctx context.Context, st Storage, rec domain.RawRecord) error {
	records, err := st.Records(ctx)
	if err != nil {
		return err
	}
	replaced := false
	for i := range records {
		if records[i].ID == rec.ID {
			records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, rec)
	}
	return st.Save(ctx, records)
}

// Delete removes the record with id and saves the database. It returns
// domain.ErrNotFound when no record matched.
func Delete(ctx context.Context, st Storage, id string) error {
	records, err := st.Records(ctx)
	if err != nil {
		return err
	}
	out := records[:0]
	for _, r := range records {
		if r.ID != id {
			out = append(out, r)
		}
	}
	if len(out) == len(records) {
		return fmt.Errorf("record %q: %w", id, domain.ErrNotFound)
	}
	return st.Save(ctx, out)
}
