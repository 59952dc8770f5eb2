package httpstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"photomatch/internal/domain"
	"photomatch/internal/vectorstore"
)

// Storage is a minimal REST client for a backend that serves the embedding
// database as a JSON array. GET returns the records, PUT replaces them.
type Storage struct {
	url        string
	apiKey     string
	client     *http.Client
	maxRetries uint64
}

type Config struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

func NewStorage(cfg Config) (*Storage, error) {
	if cfg.URL == "" {
		return nil, errors.New("embeddings url is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Storage{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		client:     &http.Client{Timeout: timeout},
		maxRetries: uint64(cfg.MaxRetries),
	}, nil
}

// Records fetches the full record list. A 404 is an empty database.
func (s *Storage) Records(ctx context.Context) ([]domain.RawRecord, error) {
	var records []domain.RawRecord
	err := s.do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := s.send(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			records = []domain.RawRecord{}
			return nil
		}
		out, err := vectorstore.DecodeRecords(resp.Body)
		if err != nil {
			return err
		}
		records = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", s.url, err)
	}
	return records, nil
}

// Save replaces the backend's record list.
func (s *Storage) Save(ctx context.Context, records []domain.RawRecord) error {
	var body bytes.Buffer
	if err := vectorstore.EncodeRecords(&body, records); err != nil {
		return err
	}
	data := body.Bytes()
	err := s.do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.url, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.send(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return errors.New(resp.Status)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("PUT %s: %w", s.url, err)
	}
	return nil
}

func (s *Storage) do(ctx context.Context, f retry.RetryFunc) error {
	b := retry.NewExponential(100 * time.Millisecond)
	b = retry.WithCappedDuration(2*time.Second, b)
	b = retry.WithMaxRetries(s.maxRetries, b)
	return retry.Do(ctx, b, f)
}

// send executes req. Transport failures, throttling and server errors are
// retryable. The caller closes the body of a returned response.
func (s *Storage) send(req *http.Request) (*http.Response, error) {
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, err
		}
		return nil, retry.RetryableError(err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, retry.RetryableError(errors.New(resp.Status))
	case resp.StatusCode == http.StatusNotFound:
		return resp, nil
	case resp.StatusCode >= 300:
		resp.Body.Close()
		return nil, errors.New(resp.Status)
	}
	return resp, nil
}
