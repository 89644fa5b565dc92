package matcher

import (
	"errors"
	"fmt"
	"math"

	"github.com/andresmejia3/facematch/internal/types"
)

var (
	// ErrDimensionMismatch is raised when two descriptors of different length are compared.
	ErrDimensionMismatch = errors.New("descriptor dimension mismatch")
	// ErrNoReferenceFace means the reference image (or gallery) produced no descriptor to match against.
	ErrNoReferenceFace = errors.New("no face detected in reference image")
)

// DimensionError reports the two lengths involved in a mismatch.
type DimensionError struct {
	Want, Got int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("%v: want %d, got %d", ErrDimensionMismatch, e.Want, e.Got)
}

func (e *DimensionError) Unwrap() error { return ErrDimensionMismatch }

// Distance returns the Euclidean (L2) distance between two descriptors.
// Lower means more similar. Comparing descriptors of different length is a
// programming error and panics with a *DimensionError.
func Distance(a, b types.Descriptor) float64 {
	if len(a) != len(b) {
		panic(&DimensionError{Want: len(a), Got: len(b)})
	}
	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

// distances returns the distance from query to every descriptor, in order.
func distances(samples []types.Descriptor, query types.Descriptor) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = Distance(s, query)
	}
	return out
}
