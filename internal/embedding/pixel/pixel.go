package pixel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"photomatch/internal/domain"
	"photomatch/internal/embedding"
)

// Extractor derives feature vectors directly from decoded pixels.
// The primary mode is a spatial grid of mean colours, the fallback mode a
// per-channel colour histogram; the two have different lengths.
type Extractor struct {
	gridSize       int
	bins           int
	minPrimarySide int
}

// Config configures the pixel extractor.
type Config struct {
	GridSize       int
	HistogramBins  int
	MinPrimarySide int
}

// NewExtractor creates a pixel extractor, filling unset fields with defaults.
func NewExtractor(cfg Config) *Extractor {
	if cfg.GridSize <= 0 {
		cfg.GridSize = 16
	}
	if cfg.HistogramBins <= 0 {
		cfg.HistogramBins = 32
	}
	if cfg.HistogramBins > 256 {
		cfg.HistogramBins = 256
	}
	if cfg.MinPrimarySide <= 0 {
		cfg.MinPrimarySide = cfg.GridSize
	}
	return &Extractor{
		gridSize:       cfg.GridSize,
		bins:           cfg.HistogramBins,
		minPrimarySide: cfg.MinPrimarySide,
	}
}

// Name returns the identifier of this extractor implementation.
func (e *Extractor) Name() string { return "pixel" }

// Load has nothing to initialize.
func (e *Extractor) Load(ctx context.Context) error { return nil }

// NativeDimension returns the vector length produced for mode.
func (e *Extractor) NativeDimension(mode embedding.Mode) int {
	switch mode {
	case embedding.ModePrimary:
		return e.gridSize * e.gridSize * 3
	case embedding.ModeFallback:
		return e.bins * 3
	default:
		return 0
	}
}

// Extract decodes img and computes the features for mode.
func (e *Extractor) Extract(ctx context.Context, img domain.Image, mode embedding.Mode) (domain.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(img.Data) == 0 {
		return nil, errors.New("empty image")
	}
	decoded, _, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", img.Name, err)
	}
	switch mode {
	case embedding.ModePrimary:
		b := decoded.Bounds()
		if b.Dx() < e.minPrimarySide || b.Dy() < e.minPrimarySide {
			return nil, fmt.Errorf("%w: image %dx%d smaller than %d px grid", embedding.ErrModeUnavailable, b.Dx(), b.Dy(), e.minPrimarySide)
		}
		return e.grid(decoded), nil
	case embedding.ModeFallback:
		return e.histogram(decoded), nil
	default:
		return nil, fmt.Errorf("%w: %s", embedding.ErrModeUnavailable, mode)
	}
}

// grid averages each cell of a gridSize x gridSize partition and scales the
// channel means into [-1, 1].
func (e *Extractor) grid(img image.Image) domain.Vector {
	g := e.gridSize
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	sums := make([]float64, g*g*3)
	counts := make([]int, g*g)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		cy := (y - b.Min.Y) * g / h
		for x := b.Min.X; x < b.Max.X; x++ {
			cx := (x - b.Min.X) * g / w
			cell := cy*g + cx
			r, gr, bl := rgb8(img, x, y)
			sums[cell*3] += r
			sums[cell*3+1] += gr
			sums[cell*3+2] += bl
			counts[cell]++
		}
	}
	vec := make(domain.Vector, len(sums))
	for cell, n := range counts {
		if n == 0 {
			continue
		}
		for c := 0; c < 3; c++ {
			vec[cell*3+c] = sums[cell*3+c]/float64(n)/127.5 - 1.0
		}
	}
	return vec
}

// histogram counts channel intensities into bins and divides by pixel count.
func (e *Extractor) histogram(img image.Image) domain.Vector {
	b := img.Bounds()
	vec := make(domain.Vector, e.bins*3)
	total := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl := rgb8(img, x, y)
			vec[bin(r, e.bins)]++
			vec[e.bins+bin(g, e.bins)]++
			vec[2*e.bins+bin(bl, e.bins)]++
			total++
		}
	}
	if total == 0 {
		return vec
	}
	for i := range vec {
		vec[i] /= float64(total)
	}
	return vec
}

func rgb8(img image.Image, x, y int) (float64, float64, float64) {
	r, g, b, _ := img.At(x, y).RGBA()
	return float64(r >> 8), float64(g >> 8), float64(b >> 8)
}

func bin(v float64, bins int) int {
	i := int(v) * bins / 256
	if i >= bins {
		i = bins - 1
	}
	return i
}
