package embedding

import (
	"math"

	"photomatch/internal/domain"
)

// Adapt reconciles v to target entries.
//
// A target of zero or less means the dimension is unknown and v is passed
// through. Shorter vectors are padded with trailing zeros; longer vectors
// keep only their first target entries. Truncation is an approximation that
// assumes the two models share a common output prefix; it is not a
// dimensionality reduction.
func Adapt(v domain.Vector, target int) domain.Vector {
	if target <= 0 || target == len(v) {
		out := make(domain.Vector, len(v))
		copy(out, v)
		return out
	}
	out := make(domain.Vector, target)
	copy(out, v)
	return out
}

// Norm returns the Euclidean length of v.
func Norm(v domain.Vector) float64 {
	sum := 0.0
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// Normalize rescales v to unit length. An all-zero vector is returned
// unchanged.
func Normalize(v domain.Vector) domain.Vector {
	out := make(domain.Vector, len(v))
	n := Norm(v)
	if n == 0 {
		n = 1
	}
	for i, x := range v {
		out[i] = x / n
	}
	return out
}

// Prepare applies Adapt followed by Normalize.
func Prepare(v domain.Vector, target int) domain.Vector {
	return Normalize(Adapt(v, target))
}
