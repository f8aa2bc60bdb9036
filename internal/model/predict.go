package model

import (
	"fmt"
	"image"
	"math"

	"github.com/Brownie44l1/medscan-api/internal/config"
)

// Probabilities normalises a model output to a single probability vector.
// A lone tensor is used as is. With several tensors the declared name
// picks one; relying on output order is not allowed.
func (o Output) Probabilities(name string) ([]float32, error) {
	var t *Tensor
	switch {
	case name != "":
		for i := range o {
			if o[i].Name == name {
				t = &o[i]
				break
			}
		}
		if t == nil {
			return nil, fmt.Errorf("%w: %q", ErrOutputNotFound, name)
		}
	case len(o) == 1:
		t = &o[0]
	case len(o) == 0:
		return nil, ErrEmptyOutput
	default:
		return nil, fmt.Errorf("%w (%d outputs)", ErrAmbiguousOutput, len(o))
	}

	if len(t.Data) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrEmptyOutput, t.Name)
	}
	return t.Data, nil
}

// ArgMax returns the index and value of the largest element. Ties resolve
// to the lowest index.
func ArgMax(values []float32) (int, float32) {
	maxIdx := 0
	maxVal := values[0]
	for i, val := range values {
		if val > maxVal {
			maxVal = val
			maxIdx = i
		}
	}
	return maxIdx, maxVal
}

// Confidence converts a probability to a percentage rounded to 2 decimals.
func Confidence(p float32) float64 {
	return math.Round(float64(p)*100*100) / 100
}

// Predict maps a probability vector onto labels.
func Predict(probs []float32, labels []string) (*Prediction, error) {
	if len(probs) == 0 {
		return nil, ErrEmptyOutput
	}
	idx, val := ArgMax(probs)
	if idx >= len(labels) {
		return nil, fmt.Errorf("%w: class index %d, %d labels", ErrLabelMismatch, idx, len(labels))
	}
	return &Prediction{
		Label:      labels[idx],
		Confidence: Confidence(val),
	}, nil
}

// Classifier binds a model handle to its labels and input geometry.
type Classifier struct {
	Name       string
	Route      string
	Labels     []string
	OutputName string
	ImageSize  int
	Layout     string

	model Model
}

func newClassifier(name string, mc config.ModelConfig, m Model) *Classifier {
	return &Classifier{
		Name:       name,
		Route:      mc.Route,
		Labels:     mc.Labels,
		OutputName: mc.OutputName,
		ImageSize:  mc.ImageSize,
		Layout:     mc.Layout,
		model:      m,
	}
}

// InputLen is the number of float32 values in one input batch.
func (c *Classifier) InputLen() int {
	return c.ImageSize * c.ImageSize * Channels
}

// Classify preprocesses img and runs it through the model.
func (c *Classifier) Classify(img image.Image) (*Prediction, error) {
	return c.ClassifyTensor(Preprocess(img, c.ImageSize, c.Layout))
}

// ClassifyTensor runs an already preprocessed batch through the model.
func (c *Classifier) ClassifyTensor(input []float32) (*Prediction, error) {
	if len(input) != c.InputLen() {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrInputSize, c.InputLen(), len(input))
	}

	out, err := c.model.Run(input)
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	probs, err := out.Probabilities(c.OutputName)
	if err != nil {
		return nil, err
	}
	return Predict(probs, c.Labels)
}

func (c *Classifier) Info() Info {
	return Info{
		Name:      c.Name,
		Route:     c.Route,
		Labels:    c.Labels,
		ImageSize: c.ImageSize,
		Layout:    c.Layout,
	}
}
