package model

import "errors"

var (
	ErrArtifactNotFound = errors.New("model artifact not found")
	ErrLabelMismatch    = errors.New("model output does not match label list")
	ErrOutputNotFound   = errors.New("model output not found")
	ErrAmbiguousOutput  = errors.New("model has several outputs and none was declared")
	ErrEmptyOutput      = errors.New("model output is empty")
	ErrInputSize        = errors.New("input size does not match model input")
)

// Model is a loaded classifier. Run receives one preprocessed batch and
// must be safe for concurrent use.
type Model interface {
	Run(input []float32) (Output, error)
	Close() error
}

// Tensor is one named float32 model output.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

// Output is everything a model produced for one batch.
type Output []Tensor

type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// TensorRequest carries an already preprocessed input batch.
type TensorRequest struct {
	Image []float32 `json:"image"`
}

// Info describes a registered classifier for the /models listing.
type Info struct {
	Name      string   `json:"name"`
	Route     string   `json:"route"`
	Labels    []string `json:"labels"`
	ImageSize int      `json:"image_size"`
	Layout    string   `json:"layout"`
}
