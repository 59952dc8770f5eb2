// Package jsonfile stores the embedding database as a JSON array on disk.
// Paths ending in ".zst" are zstd-compressed.
package jsonfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"photomatch/internal/domain"
	"photomatch/internal/vectorstore"
)

// Storage reads and writes a single embeddings file.
type Storage struct {
	path string
}

func NewStorage(path string) *Storage { return &Storage{path: path} }

func (s *Storage) Path() string { return s.path }

func (s *Storage) compressed() bool { return strings.HasSuffix(s.path, ".zst") }

// Records loads every record. A missing file is an empty database.
func (s *Storage) Records(ctx context.Context) ([]domain.RawRecord, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []domain.RawRecord{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if s.compressed() {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open zstd stream %s: %w", s.path, err)
		}
		defer dec.Close()
		r = dec
	}
	records, err := vectorstore.DecodeRecords(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	return records, nil
}

// Save writes records to a uniquely named temporary file in the target's
// directory and renames it over the target.
func (s *Storage) Save(ctx context.Context, records []domain.RawRecord) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+"-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := s.write(f, records); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Storage) write(w io.Writer, records []domain.RawRecord) error {
	if !s.compressed() {
		return vectorstore.EncodeRecords(w, records)
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	if err := vectorstore.EncodeRecords(enc, records); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}
