package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// Metadata describes the model artifact. It sits next to the .onnx file.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	// ApplySoftmax is set when the network ends in raw logits.
	ApplySoftmax bool `json:"apply_softmax"`
}

func LoadMetadata(path string) (*Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	metadata.setDefaults()
	if err := metadata.Validate(); err != nil {
		return nil, err
	}
	return &metadata, nil
}

func (m *Metadata) setDefaults() {
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if len(m.Classes) == 0 {
		m.Classes = DigitClasses()
	}
	if len(m.OutputShape) == 0 {
		m.OutputShape = []int64{1, int64(len(m.Classes))}
	}
	if m.ImageSize == 0 && len(m.InputShape) == 4 {
		m.ImageSize = int(m.InputShape[1])
	}
}

// Validate checks the metadata describes a (1,H,W,1) input and one score per class.
func (m *Metadata) Validate() error {
	if len(m.InputShape) != 4 || m.InputShape[0] != 1 || m.InputShape[3] != 1 {
		return fmt.Errorf("input_shape %v is not (1,H,W,1)", m.InputShape)
	}
	if m.InputShape[1] != int64(m.ImageSize) || m.InputShape[2] != int64(m.ImageSize) {
		return fmt.Errorf("input_shape %v does not match image_size %d", m.InputShape, m.ImageSize)
	}
	if got := elements(m.OutputShape); got != len(m.Classes) {
		return fmt.Errorf("output_shape %v has %d values for %d classes", m.OutputShape, got, len(m.Classes))
	}
	return nil
}

func (m *Metadata) InputSize() int {
	return elements(m.InputShape)
}

// DigitClasses are the labels "0" to "9".
func DigitClasses() []string {
	classes := make([]string, 10)
	for i := range classes {
		classes[i] = fmt.Sprint(i)
	}
	return classes
}

func elements(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}

type PredictionRequest struct {
	Image []float32 `json:"image" validate:"required"`
}

// PredictionResult is what every front-end renders for one request.
type PredictionResult struct {
	PredictedClass int     `json:"predicted_class"`
	Label          string  `json:"label"`
	Confidence     float64 `json:"confidence"`
	// RawPrediction is the unrounded distribution, in class order.
	RawPrediction []float32 `json:"raw_prediction"`
	Message       string    `json:"message"`
}

// PredictionResponse is the JSON API body: the result plus per-label scores.
type PredictionResponse struct {
	PredictionResult
	Predictions map[string]float32 `json:"predictions"`
}
