package types

// Descriptor is a face embedding produced by the detector (128-d by convention).
// Treat it as immutable once produced.
type Descriptor []float64

// Dim returns the dimensionality of the descriptor.
func (d Descriptor) Dim() int { return len(d) }

// Box is a face bounding box in image pixel coordinates.
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Area returns the box area, zero for degenerate boxes.
func (b Box) Area() float64 {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// Candidate is one face detected in an image.
type Candidate struct {
	Box        Box        `json:"box"`
	Descriptor Descriptor `json:"descriptor"`
	Score      float64    `json:"score"` // detector confidence
}

// LabeledDescriptor associates one or more sample descriptors with an identity.
type LabeledDescriptor struct {
	Label       string       `json:"label"`
	Descriptors []Descriptor `json:"descriptors"`
}

// MatchResult is the outcome of comparing one candidate against a reference set.
type MatchResult struct {
	Label    string  `json:"label"`
	Distance float64 `json:"distance"`
}

// ImageTask is a single image sent to a worker for processing
type ImageTask struct {
	Index int
	Data  []byte
}

// ErrorResult is the JSON body of a failed request.
type ErrorResult struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Primary picks the face a single-face detection returns: the highest
// detector score, ties broken by the larger box. Returns nil for no faces.
func Primary(faces []Candidate) *Candidate {
	if len(faces) == 0 {
		return nil
	}
	best := &faces[0]
	for i := 1; i < len(faces); i++ {
		f := &faces[i]
		if f.Score > best.Score || (f.Score == best.Score && f.Box.Area() > best.Box.Area()) {
			best = f
		}
	}
	return best
}
