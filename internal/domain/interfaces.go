package domain

import "context"

// Vector is an ordered, fixed-length sequence of feature values.
type Vector []float64

// RawRecord is a catalogued item as delivered by an embedding source.
// The JSON shape matches the embeddings database written by the indexer.
type RawRecord struct {
	ID     string    `json:"id"`
	Image  string    `json:"image"`
	Vector []float64 `json:"vector"`
}

// EmbeddingRecord is a stored item whose vector has been shape-adapted and
// normalized to the store's expected dimension.
type EmbeddingRecord struct {
	ID     string
	Image  string
	Vector Vector
}

// MatchDecision is the outcome of a single identification request.
type MatchDecision struct {
	ID       string  `json:"id,omitempty"`
	Image    string  `json:"image,omitempty"`
	Score    float64 `json:"score"`
	Compared int     `json:"compared"`
	Skipped  int     `json:"skipped"`
	Accepted bool    `json:"accepted"`
	// EmptyDatabase is set when the store holds no records; no ranking ran.
	EmptyDatabase bool `json:"empty_database,omitempty"`
}

// HasCandidate reports whether at least one stored record was compared.
func (d MatchDecision) HasCandidate() bool { return d.Compared > 0 }

// Image is an opaque query photograph handed to the feature extractor.
type Image struct {
	Name string
	Data []byte
}

// EmbeddingSource yields the raw records of the embedding database.
type EmbeddingSource interface {
	Records(ctx context.Context) ([]RawRecord, error)
}

// EmbeddingSink persists a complete embedding database, replacing prior contents.
type EmbeddingSink interface {
	Save(ctx context.Context, records []RawRecord) error
}

// DimensionSource reports the expected embedding dimensionality.
// A zero result means the dimension is unconstrained.
type DimensionSource interface {
	Dimension(ctx context.Context) (int, error)
}

// Identifier defines the operation exposed to display layers.
type Identifier interface {
	IdentifyFromImage(ctx context.Context, img Image) (MatchDecision, error)
}
