package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"photomatch/internal/domain"
)

// Mode selects which representation an Extractor emits.
type Mode int

const (
	// ModePrimary requests the intermediate feature layer.
	ModePrimary Mode = iota
	// ModeFallback requests the alternate pooled representation.
	ModeFallback
)

func (m Mode) String() string {
	switch m {
	case ModePrimary:
		return "primary"
	case ModeFallback:
		return "fallback"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ErrModeUnavailable is returned by an Extractor that cannot serve a mode at all.
var ErrModeUnavailable = errors.New("extraction mode unavailable")

// Extractor converts a query image into a raw feature vector.
// Load is idempotent; callers coalesce concurrent initialization themselves.
type Extractor interface {
	Name() string
	Load(ctx context.Context) error
	// NativeDimension returns the output length of mode, or 0 when unknown.
	NativeDimension(mode Mode) int
	Extract(ctx context.Context, img domain.Image, mode Mode) (domain.Vector, error)
}

// ExtractionError is returned when both extraction strategies failed.
type ExtractionError struct {
	Primary  error
	Fallback error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("feature extraction failed: primary: %v; fallback: %v", e.Primary, e.Fallback)
}

func (e *ExtractionError) Unwrap() []error { return []error{e.Primary, e.Fallback} }

// strategies is the ordered list of extraction variants tried per image.
var strategies = [...]Mode{ModePrimary, ModeFallback}

// ExtractWithFallback runs the primary strategy and switches to the fallback
// when the primary attempt returns an error. The mode that produced the vector
// is returned alongside it.
func ExtractWithFallback(ctx context.Context, ex Extractor, img domain.Image, log *slog.Logger) (domain.Vector, Mode, error) {
	if log == nil {
		log = slog.Default()
	}
	errs := make([]error, 0, len(strategies))
	for _, mode := range strategies {
		vec, err := ex.Extract(ctx, img, mode)
		if err == nil && len(vec) == 0 {
			err = errors.New("empty feature vector")
		}
		if err == nil {
			return vec, mode, nil
		}
		errs = append(errs, err)
		if mode == ModePrimary {
			log.Warn("primary extraction failed, using fallback",
				"extractor", ex.Name(), "image", img.Name, "error", err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	for len(errs) < len(strategies) {
		errs = append(errs, ctx.Err())
	}
	return nil, ModePrimary, &ExtractionError{Primary: errs[0], Fallback: errs[1]}
}
