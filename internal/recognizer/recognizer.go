package recognizer

import "context"

// Category is one ranked classification produced by the model.
type Category struct {
	Index        int     `json:"index"`
	Score        float32 `json:"score"`
	CategoryName string  `json:"category_name"`
	DisplayName  string  `json:"display_name,omitempty"`
}

// Result holds the model's rankings, highest score first.
type Result struct {
	Handedness []Category `json:"handedness"`
	Gestures   []Category `json:"gestures"`
}

// Empty reports whether the result carries nothing usable: no handedness or
// no gesture ranking.
func (r *Result) Empty() bool {
	return r == nil || len(r.Handedness) == 0 || len(r.Gestures) == 0
}

// TopHandedness returns the highest ranked handedness label.
func (r *Result) TopHandedness() string {
	if r == nil || len(r.Handedness) == 0 {
		return ""
	}
	return r.Handedness[0].CategoryName
}

// TopGesture returns the highest ranked gesture label.
func (r *Result) TopGesture() string {
	if r == nil || len(r.Gestures) == 0 {
		return ""
	}
	return r.Gestures[0].CategoryName
}

// Recognizer is the external gesture model. Recognize returns a nil Result
// when nothing was recognized in the image at path; errors are failures of
// the model or its transport.
type Recognizer interface {
	Recognize(ctx context.Context, path string) (*Result, error)
}
