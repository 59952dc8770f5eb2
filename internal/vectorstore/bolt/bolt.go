// Package bolt keeps the embedding database in a bbolt file, one JSON record
// per key. Keys are bucket sequence numbers so iteration follows save order.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"go.etcd.io/bbolt"

	"photomatch/internal/domain"
)

type Storage struct {
	db     *bbolt.DB
	bucket []byte
}

func NewStorage(path, bucket string) (*Storage, error) {
	if bucket == "" {
		bucket = "embeddings"
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	name := []byte(bucket)
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(name)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Storage{db: db, bucket: name}, nil
}

func (s *Storage) Records(ctx context.Context) ([]domain.RawRecord, error) {
	records := []domain.RawRecord{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		i := 0
		return b.ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec domain.RawRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return domain.NewRecordError(i, "", err)
			}
			if rec.ID == "" {
				return domain.NewRecordError(i, "", errors.New("missing id"))
			}
			records = append(records, rec)
			i++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Save replaces the bucket contents in a single transaction.
func (s *Storage) Save(ctx context.Context, records []domain.RawRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(s.bucket) != nil {
			if err := tx.DeleteBucket(s.bucket); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket(s.bucket)
		if err != nil {
			return err
		}
		for i, rec := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			if rec.ID == "" {
				return domain.NewRecordError(i, "", errors.New("missing id"))
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return domain.NewRecordError(i, rec.ID, err)
			}
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			if err := b.Put(itob(seq), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
