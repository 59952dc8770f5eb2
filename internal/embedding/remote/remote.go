package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"photomatch/internal/domain"
	"photomatch/internal/embedding"
)

// Client talks to an HTTP model server that exposes named output layers of
// an image classifier. It implements embedding.Extractor.
type Client struct {
	baseURL       string
	apiKey        string
	model         string
	primaryLayer  string
	fallbackLayer string
	client        *http.Client
	maxRetries    uint64

	mu   sync.RWMutex
	dims map[string]int
}

// Config configures the model server client.
type Config struct {
	BaseURL       string
	APIKeyEnv     string
	Model         string
	PrimaryLayer  string
	FallbackLayer string
	Timeout       time.Duration
	MaxRetries    int
}

// NewClient creates a new model server client using the provided configuration.
// The API key is optional; when APIKeyEnv is set the variable must be non-empty.
func NewClient(cfg Config) (*Client, error) {
	var key string
	if cfg.APIKeyEnv != "" {
		key = os.Getenv(cfg.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("missing API key in env %s", cfg.APIKeyEnv)
		}
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("model server base url is required")
	}
	if cfg.Model == "" {
		cfg.Model = "mobilenet_v2_1.0_224"
	}
	if cfg.PrimaryLayer == "" {
		cfg.PrimaryLayer = "global_average_pooling"
	}
	if cfg.FallbackLayer == "" {
		cfg.FallbackLayer = "conv_preds"
	}
	t := cfg.Timeout
	if t == 0 {
		t = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{
		baseURL:       cfg.BaseURL,
		apiKey:        key,
		model:         cfg.Model,
		primaryLayer:  cfg.PrimaryLayer,
		fallbackLayer: cfg.FallbackLayer,
		client:        &http.Client{Timeout: t},
		maxRetries:    uint64(cfg.MaxRetries),
		dims:          map[string]int{},
	}, nil
}

// Name returns the identifier of this extractor implementation.
func (c *Client) Name() string { return "remote:" + c.model }

type modelInfo struct {
	Model   string `json:"model"`
	Outputs []struct {
		Layer     string `json:"layer"`
		Dimension int    `json:"dimension"`
	} `json:"outputs"`
}

// Load fetches the model description and records the output sizes of the
// known layers. It fails when the server does not know the model.
func (c *Client) Load(ctx context.Context) error {
	var info modelInfo
	u := fmt.Sprintf("%s/models/%s", c.baseURL, url.PathEscape(c.model))
	err := c.do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		payload, err := c.send(req)
		if err != nil {
			return err
		}
		return json.Unmarshal(payload, &info)
	})
	if err != nil {
		return fmt.Errorf("load model %s: %w", c.model, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range info.Outputs {
		c.dims[o.Layer] = o.Dimension
	}
	return nil
}

// NativeDimension returns the output size of the layer behind mode, as
// reported by Load, or 0 before Load.
func (c *Client) NativeDimension(mode embedding.Mode) int {
	layer, ok := c.layer(mode)
	if !ok {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dims[layer]
}

func (c *Client) layer(mode embedding.Mode) (string, bool) {
	switch mode {
	case embedding.ModePrimary:
		return c.primaryLayer, true
	case embedding.ModeFallback:
		return c.fallbackLayer, true
	default:
		return "", false
	}
}

// Extract uploads the image and returns the output of the layer for mode.
// An unknown layer is reported as embedding.ErrModeUnavailable.
func (c *Client) Extract(ctx context.Context, img domain.Image, mode embedding.Mode) (domain.Vector, error) {
	layer, ok := c.layer(mode)
	if !ok {
		return nil, fmt.Errorf("%w: %s", embedding.ErrModeUnavailable, mode)
	}
	u := fmt.Sprintf("%s/models/%s:extract?layer=%s", c.baseURL, url.PathEscape(c.model), url.QueryEscape(layer))
	var vec domain.Vector
	err := c.do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(img.Data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		payload, err := c.send(req)
		if err != nil {
			return err
		}
		v, err := decodeVector(payload)
		if err != nil {
			return retry.RetryableError(err)
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("extract %s layer %s: %w", img.Name, layer, err)
	}
	return vec, nil
}

// decodeVector accepts {"vector": [...]} and the OpenAI-compatible
// {"data": [{"embedding": [...]}]} response shapes.
func decodeVector(payload []byte) (domain.Vector, error) {
	var native struct {
		Vector []float64 `json:"vector"`
	}
	if err := json.Unmarshal(payload, &native); err == nil && len(native.Vector) > 0 {
		return native.Vector, nil
	}
	var openaiOut struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &openaiOut); err == nil {
		if len(openaiOut.Data) > 0 && len(openaiOut.Data[0].Embedding) > 0 {
			return openaiOut.Data[0].Embedding, nil
		}
	}
	return nil, errors.New("no feature vector returned")
}

func (c *Client) do(ctx context.Context, f retry.RetryFunc) error {
	b := retry.NewExponential(200 * time.Millisecond)
	b = retry.WithCappedDuration(5*time.Second, b)
	b = retry.WithMaxRetries(c.maxRetries, b)
	return retry.Do(ctx, b, f)
}

// send executes req and returns the response body. Throttling and server
// errors are retryable; 404 and 422 mean the requested layer does not exist.
func (c *Client) send(req *http.Request) ([]byte, error) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, err
		}
		return nil, retry.RetryableError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		// Respect Retry-After if provided
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				sleep(req.Context(), time.Duration(secs)*time.Second)
			}
		}
		return nil, retry.RetryableError(fmt.Errorf("model server: %s", resp.Status))
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: model server: %s", embedding.ErrModeUnavailable, resp.Status)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("model server: %s", resp.Status)
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.RetryableError(err)
	}
	return payload, nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
