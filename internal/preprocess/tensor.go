package preprocess

import "fmt"

// Tensor is a batch of one single-channel image in NHWC layout.
type Tensor struct {
	Shape []int64
	Data  []float32
}

func newTensor(height, width int) *Tensor {
	return &Tensor{
		Shape: []int64{1, int64(height), int64(width), Channels},
		Data:  make([]float32, height*width*Channels),
	}
}

// At returns the value at row y, column x of the single batch element.
func (t *Tensor) At(y, x int) float32 {
	return t.Data[y*int(t.Shape[2])+x]
}

// Len is the number of elements the shape describes.
func (t *Tensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// Validate checks that Data matches Shape and every value lies in [0,1].
func (t *Tensor) Validate() error {
	if len(t.Shape) != 4 || t.Shape[0] != 1 || t.Shape[3] != Channels {
		return fmt.Errorf("tensor shape %v is not (1,H,W,1)", t.Shape)
	}
	if t.Len() != len(t.Data) {
		return fmt.Errorf("tensor shape %v needs %d values, has %d", t.Shape, t.Len(), len(t.Data))
	}
	for i, v := range t.Data {
		if v < 0 || v > 1 {
			return fmt.Errorf("tensor value %d is %v, outside [0,1]", i, v)
		}
	}
	return nil
}
