// Package modeltest provides a Classifier that needs no model artifact.
package modeltest

import (
	"context"
	"sync"

	"github.com/Brownie44l1/digit-api/internal/model"
	"github.com/Brownie44l1/digit-api/internal/preprocess"
)

// Classifier returns a fixed distribution and records every tensor it sees.
type Classifier struct {
	Distribution []float32
	Err          error
	Meta         *model.Metadata

	mu     sync.Mutex
	inputs []*preprocess.Tensor
}

func New(distribution ...float32) *Classifier {
	return &Classifier{
		Distribution: distribution,
		Meta: &model.Metadata{
			InputShape:  []int64{1, 28, 28, 1},
			OutputShape: []int64{1, 10},
			Classes:     model.DigitClasses(),
			ImageSize:   28,
			InputName:   "input",
			OutputName:  "output",
		},
	}
}

func (c *Classifier) Predict(ctx context.Context, input *preprocess.Tensor) ([]float32, error) {
	c.mu.Lock()
	c.inputs = append(c.inputs, input)
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Err != nil {
		return nil, c.Err
	}
	out := make([]float32, len(c.Distribution))
	copy(out, c.Distribution)
	return out, nil
}

func (c *Classifier) Metadata() *model.Metadata {
	return c.Meta
}

// Calls is how many times Predict ran.
func (c *Classifier) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inputs)
}

// LastInput is the tensor passed to the most recent Predict call.
func (c *Classifier) LastInput() *preprocess.Tensor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inputs) == 0 {
		return nil
	}
	return c.inputs[len(c.inputs)-1]
}
