// Package dimension resolves the embedding length stored records are adapted to.
package dimension

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"photomatch/internal/domain"
)

// Static always reports n.
type Static int

func (s Static) Dimension(context.Context) (int, error) {
	if s < 0 {
		return 0, fmt.Errorf("%w: %d", domain.ErrInvalidDimension, int(s))
	}
	return int(s), nil
}

// None reports an unconstrained dimension.
var None = Static(0)

// FromRecords reports the length of the first non-empty vector in the
// source, or 0 when every vector is empty.
type FromRecords struct {
	Source domain.EmbeddingSource
}

func (f FromRecords) Dimension(ctx context.Context) (int, error) {
	records, err := f.Source.Records(ctx)
	if err != nil {
		return 0, err
	}
	return OfRecords(records), nil
}

// OfRecords returns the length of the first non-empty vector.
func OfRecords(records []domain.RawRecord) int {
	for _, r := range records {
		if len(r.Vector) > 0 {
			return len(r.Vector)
		}
	}
	return 0
}

// Response is the wire shape of the dimension endpoint. A null dimension
// means unconstrained.
type Response struct {
	Dimension *int `json:"dimension"`
}

// Client fetches the dimension from a metadata endpoint.
type Client struct {
	url        string
	client     *http.Client
	maxRetries uint64
}

func NewClient(url string, timeout time.Duration, maxRetries int) (*Client, error) {
	if url == "" {
		return nil, errors.New("dimension url is required")
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{url: url, client: &http.Client{Timeout: timeout}, maxRetries: uint64(maxRetries)}, nil
}

func (c *Client) Dimension(ctx context.Context) (int, error) {
	var out Response
	b := retry.WithMaxRetries(c.maxRetries, retry.NewConstant(250*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(err)
		}
		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(body)))
		}
		if resp.StatusCode >= 300 {
			return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(body))
		}
		return json.Unmarshal(body, &out)
	})
	if err != nil {
		return 0, fmt.Errorf("fetch dimension from %s: %w", c.url, err)
	}
	if out.Dimension == nil {
		return 0, nil
	}
	if *out.Dimension < 0 {
		return 0, fmt.Errorf("%w: %d", domain.ErrInvalidDimension, *out.Dimension)
	}
	return *out.Dimension, nil
}
