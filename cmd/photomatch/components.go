package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"photomatch/internal/config"
	"photomatch/internal/dimension"
	"photomatch/internal/domain"
	"photomatch/internal/embedding"
	"photomatch/internal/embedding/pixel"
	"photomatch/internal/embedding/remote"
	"photomatch/internal/vectorstore"
	"photomatch/internal/vectorstore/bolt"
	"photomatch/internal/vectorstore/httpstore"
	"photomatch/internal/vectorstore/jsonfile"
	"photomatch/internal/vectorstore/s3"
)

func buildExtractor(cfg config.ExtractorConfig) (embedding.Extractor, error) {
	switch cfg.Type {
	case "pixel", "":
		pc := config.PixelExtractorConfig{}
		if cfg.Pixel != nil {
			pc = *cfg.Pixel
		}
		return pixel.NewExtractor(pixel.Config{
			GridSize:       pc.GridSize,
			HistogramBins:  pc.HistogramBins,
			MinPrimarySide: pc.MinPrimarySide,
		}), nil
	case "remote":
		if cfg.Remote == nil {
			return nil, errors.New("remote extractor config missing")
		}
		client, err := remote.NewClient(remote.Config{
			BaseURL:       cfg.Remote.BaseURL,
			APIKeyEnv:     cfg.Remote.APIKeyEnv,
			Model:         cfg.Remote.Model,
			PrimaryLayer:  cfg.Remote.PrimaryLayer,
			FallbackLayer: cfg.Remote.FallbackLayer,
			Timeout:       time.Duration(cfg.Remote.TimeoutSecs) * time.Second,
			MaxRetries:    cfg.Remote.MaxRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("remote extractor init failed: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown extractor: %s", cfg.Type)
	}
}

// buildStorage returns the configured embedding database and a close func.
func buildStorage(ctx context.Context, cfg config.EmbeddingsConfig) (vectorstore.Storage, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Type {
	case "file", "":
		path := "static/embeddings.json"
		if cfg.File != nil && cfg.File.Path != "" {
			path = cfg.File.Path
		}
		return jsonfile.NewStorage(path), noop, nil
	case "http":
		if cfg.HTTP == nil {
			return nil, nil, errors.New("http embeddings config missing")
		}
		st, err := httpstore.NewStorage(httpstore.Config{
			URL:        cfg.HTTP.URL,
			APIKey:     cfg.HTTP.APIKey,
			Timeout:    time.Duration(cfg.HTTP.TimeoutSecs) * time.Second,
			MaxRetries: cfg.HTTP.MaxRetries,
		})
		if err != nil {
			return nil, nil, err
		}
		return st, noop, nil
	case "bolt":
		if cfg.Bolt == nil {
			return nil, nil, errors.New("bolt embeddings config missing")
		}
		st, err := bolt.NewStorage(cfg.Bolt.Path, cfg.Bolt.Bucket)
		if err != nil {
			return nil, nil, fmt.Errorf("open bolt database %s: %w", cfg.Bolt.Path, err)
		}
		return st, st.Close, nil
	case "s3":
		if cfg.S3 == nil {
			return nil, nil, errors.New("s3 embeddings config missing")
		}
		st, err := s3.NewFromEnv(ctx, cfg.S3.Bucket, cfg.S3.Key, cfg.S3.Region)
		if err != nil {
			return nil, nil, err
		}
		return st, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown embeddings store: %s", cfg.Type)
	}
}

func buildDimension(cfg config.DimensionConfig, source domain.EmbeddingSource) (domain.DimensionSource, error) {
	switch cfg.Type {
	case "records", "":
		return dimension.FromRecords{Source: source}, nil
	case "static":
		if cfg.Value < 0 {
			return nil, fmt.Errorf("%w: %d", domain.ErrInvalidDimension, cfg.Value)
		}
		return dimension.Static(cfg.Value), nil
	case "http":
		return dimension.NewClient(cfg.URL, time.Duration(cfg.TimeoutSecs)*time.Second, 2)
	case "none":
		return dimension.None, nil
	default:
		return nil, fmt.Errorf("unknown dimension source: %s", cfg.Type)
	}
}

type identifyResult struct {
	Query    string               `json:"query"`
	Decision domain.MatchDecision `json:"decision"`
}

func newDecisionEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc
}

// describeDimension renders the expected dimension for the console summary.
func describeDimension(n int, err error) string {
	switch {
	case err != nil:
		return "unresolved"
	case n == 0:
		return "unconstrained"
	default:
		return strconv.Itoa(n)
	}
}
