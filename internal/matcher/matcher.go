// Package matcher decides which detected faces match a reference face or a
// labeled gallery of faces.
//
// Two policies are supported. PolicyBestLabel labels every candidate with its
// nearest gallery identity (or "unknown"). PolicySingleReference compares all
// candidates against one reference descriptor and flags only the single
// closest face in the image, and only if that face is under the threshold.
package matcher

import (
	"fmt"
	"math"
	"strconv"

	"github.com/andresmejia3/facematch/internal/types"
)

// Policy selects how candidates are matched.
type Policy string

const (
	PolicyBestLabel       Policy = "best-label"
	PolicySingleReference Policy = "single-reference"
)

// Aggregation selects how distances to the several samples of one identity are combined.
type Aggregation string

const (
	// AggregateNearest uses the closest sample of the identity.
	AggregateNearest Aggregation = "nearest"
	// AggregateMean uses the mean distance over all samples of the identity.
	AggregateMean Aggregation = "mean"
)

const (
	DefaultThreshold                = 0.6
	DefaultSingleReferenceThreshold = 0.405

	UnknownLabel     = "unknown"
	MatchFoundText   = "Match found."
	NoMatchFoundText = "No match found."
)

// Config holds the tunables of a Matcher.
type Config struct {
	Policy      Policy
	Threshold   float64
	Aggregation Aggregation
}

// DefaultConfig returns the configuration each policy has historically shipped with.
func DefaultConfig(p Policy) Config {
	cfg := Config{Policy: p, Threshold: DefaultThreshold, Aggregation: AggregateNearest}
	if p == PolicySingleReference {
		cfg.Threshold = DefaultSingleReferenceThreshold
	}
	return cfg
}

// ParsePolicy converts a flag value into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyBestLabel, PolicySingleReference:
		return Policy(s), nil
	}
	return "", fmt.Errorf("invalid policy %q: must be %q or %q", s, PolicyBestLabel, PolicySingleReference)
}

// ParseAggregation converts a flag value into an Aggregation.
func ParseAggregation(s string) (Aggregation, error) {
	switch Aggregation(s) {
	case AggregateNearest, AggregateMean:
		return Aggregation(s), nil
	}
	return "", fmt.Errorf("invalid aggregation %q: must be %q or %q", s, AggregateNearest, AggregateMean)
}

func (c Config) validate() error {
	if _, err := ParsePolicy(string(c.Policy)); err != nil {
		return err
	}
	if _, err := ParseAggregation(string(c.Aggregation)); err != nil {
		return err
	}
	if c.Threshold < 0 || math.IsNaN(c.Threshold) {
		return fmt.Errorf("invalid threshold %v: must be >= 0", c.Threshold)
	}
	return nil
}

// Matcher compares candidate descriptors against a fixed gallery.
// It is immutable after construction and safe for concurrent use.
type Matcher struct {
	cfg     Config
	gallery []types.LabeledDescriptor
	dim     int
}

// New builds a Matcher over a labeled gallery.
func New(gallery []types.LabeledDescriptor, cfg Config) (*Matcher, error) {
	if cfg.Aggregation == "" {
		cfg.Aggregation = AggregateNearest
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(gallery) == 0 {
		return nil, ErrNoReferenceFace
	}

	dim := -1
	owned := make([]types.LabeledDescriptor, len(gallery))
	for i, entry := range gallery {
		if len(entry.Descriptors) == 0 {
			return nil, fmt.Errorf("gallery entry %q has no descriptors", entry.Label)
		}
		descs := make([]types.Descriptor, len(entry.Descriptors))
		for j, d := range entry.Descriptors {
			if dim == -1 {
				dim = len(d)
			}
			if len(d) != dim || dim == 0 {
				return nil, fmt.Errorf("gallery entry %q: %w", entry.Label, &DimensionError{Want: dim, Got: len(d)})
			}
			descs[j] = append(types.Descriptor(nil), d...)
		}
		owned[i] = types.LabeledDescriptor{Label: entry.Label, Descriptors: descs}
	}

	if cfg.Policy == PolicySingleReference && (len(owned) != 1 || len(owned[0].Descriptors) != 1) {
		return nil, fmt.Errorf("policy %s requires exactly one reference descriptor", cfg.Policy)
	}

	return &Matcher{cfg: cfg, gallery: owned, dim: dim}, nil
}

// FromReference builds a Matcher from the faces detected in a reference image.
//
// For PolicyBestLabel every reference face becomes its own identity, labeled
// "person 1", "person 2", ... in detection order. For PolicySingleReference
// the highest-scoring face is the reference.
func FromReference(refs []types.Candidate, cfg Config) (*Matcher, error) {
	if len(refs) == 0 {
		return nil, ErrNoReferenceFace
	}
	if cfg.Policy == PolicySingleReference {
		best := types.Primary(refs)
		return New([]types.LabeledDescriptor{{Label: "reference", Descriptors: []types.Descriptor{best.Descriptor}}}, cfg)
	}
	gallery := make([]types.LabeledDescriptor, len(refs))
	for i, r := range refs {
		gallery[i] = types.LabeledDescriptor{
			Label:       fmt.Sprintf("person %d", i+1),
			Descriptors: []types.Descriptor{r.Descriptor},
		}
	}
	return New(gallery, cfg)
}

// Config returns the matcher configuration.
func (m *Matcher) Config() Config { return m.cfg }

// Dim returns the descriptor dimensionality the gallery was built with.
func (m *Matcher) Dim() int { return m.dim }

// Labels returns the gallery labels in gallery order.
func (m *Matcher) Labels() []string {
	out := make([]string, len(m.gallery))
	for i, e := range m.gallery {
		out[i] = e.Label
	}
	return out
}

func (m *Matcher) entryDistance(entry types.LabeledDescriptor, d types.Descriptor) float64 {
	ds := distances(entry.Descriptors, d)
	if m.cfg.Aggregation == AggregateMean {
		var sum float64
		for _, v := range ds {
			sum += v
		}
		return sum / float64(len(ds))
	}
	best := ds[0]
	for _, v := range ds[1:] {
		if v < best {
			best = v
		}
	}
	return best
}

// nearest returns the index and distance of the closest gallery entry.
// Ties keep the entry seen first.
func (m *Matcher) nearest(d types.Descriptor) (int, float64) {
	bestIdx, bestDist := -1, math.Inf(1)
	for i, entry := range m.gallery {
		if dist := m.entryDistance(entry, d); dist < bestDist {
			bestIdx, bestDist = i, dist
		}
	}
	return bestIdx, bestDist
}

// accepts reports whether dist is a match. Identical descriptors always match,
// so matching a face against itself succeeds even at threshold 0.
func (m *Matcher) accepts(dist float64) bool {
	return dist < m.cfg.Threshold || dist == 0
}

// BestMatch labels a single descriptor with its nearest gallery identity, or
// UnknownLabel if that identity is not strictly closer than the threshold.
func (m *Matcher) BestMatch(d types.Descriptor) types.MatchResult {
	idx, dist := m.nearest(d)
	if m.accepts(dist) {
		return types.MatchResult{Label: m.gallery[idx].Label, Distance: dist}
	}
	return types.MatchResult{Label: UnknownLabel, Distance: dist}
}

// Outcome is the result of matching all candidates of one query image.
type Outcome struct {
	// Results holds one entry per candidate, in candidate order.
	Results []types.MatchResult `json:"results"`
	// Flagged lists the indexes of candidates that matched.
	Flagged []int `json:"flagged"`
	// BestIndex is the candidate closest to the gallery, or -1 with no candidates.
	BestIndex int `json:"best_index"`
	// Summary is MatchFoundText or NoMatchFoundText.
	Summary string `json:"summary"`
}

// Match applies the configured policy to every candidate of a query image.
// No candidates yields an empty outcome, not an error.
func (m *Matcher) Match(candidates []types.Candidate) Outcome {
	out := Outcome{
		Results:   make([]types.MatchResult, len(candidates)),
		Flagged:   []int{},
		BestIndex: -1,
		Summary:   NoMatchFoundText,
	}
	if len(candidates) == 0 {
		return out
	}

	switch m.cfg.Policy {
	case PolicySingleReference:
		m.matchSingleReference(candidates, &out)
	default:
		m.matchBestLabel(candidates, &out)
	}
	return out
}

func (m *Matcher) matchBestLabel(candidates []types.Candidate, out *Outcome) {
	minDist := math.Inf(1)
	for i, c := range candidates {
		r := m.BestMatch(c.Descriptor)
		out.Results[i] = r
		if r.Distance < minDist {
			minDist = r.Distance
			out.BestIndex = i
		}
		if r.Label != UnknownLabel {
			out.Flagged = append(out.Flagged, i)
		}
	}
	if len(out.Flagged) > 0 {
		out.Summary = MatchFoundText
	}
}

// matchSingleReference tracks the global minimum across the image; only that
// one candidate can be flagged even if several are under the threshold.
func (m *Matcher) matchSingleReference(candidates []types.Candidate, out *Outcome) {
	ref := m.gallery[0].Descriptors[0]
	minDist := math.Inf(1)
	for i, c := range candidates {
		dist := Distance(ref, c.Descriptor)
		out.Results[i] = types.MatchResult{Label: UnknownLabel, Distance: dist}
		if dist < minDist {
			minDist = dist
			out.BestIndex = i
		}
	}
	if m.accepts(minDist) {
		out.Results[out.BestIndex].Label = MatchFoundText
		out.Flagged = append(out.Flagged, out.BestIndex)
		out.Summary = MatchFoundText
	}
}

// FormatLabel renders a result as drawn on the overlay, e.g. "Joel (0.42)".
// The distance is truncated to two decimals.
func FormatLabel(r types.MatchResult) string {
	return r.Label + " (" + strconv.FormatFloat(math.Floor(r.Distance*100)/100, 'f', -1, 64) + ")"
}
