package model

import (
	"fmt"
	"math"

	"github.com/Brownie44l1/digit-api/internal/logger"
)

const sumTolerance = 1e-3

// Format turns a model distribution into a PredictionResult. Ties go to the
// lowest index. Confidence is the top probability in percent, rounded to two
// decimals; the distribution itself is kept unrounded.
func Format(distribution []float32, classes []string) (*PredictionResult, error) {
	if len(distribution) == 0 {
		return nil, fmt.Errorf("%w: empty distribution", ErrInference)
	}
	if len(classes) > 0 && len(distribution) != len(classes) {
		return nil, fmt.Errorf("%w: got %d scores for %d classes", ErrInference, len(distribution), len(classes))
	}

	maxIdx := 0
	maxVal := distribution[0]
	var sum float64
	for i, v := range distribution {
		if math.IsNaN(float64(v)) || v < 0 {
			return nil, fmt.Errorf("%w: score %d is %v", ErrInference, i, v)
		}
		sum += float64(v)
		if v > maxVal {
			maxVal = v
			maxIdx = i
		}
	}
	if math.Abs(sum-1) > sumTolerance {
		logger.Warn(logger.Fields{"sum": sum}, "Model output is not a probability distribution")
	}

	label := fmt.Sprint(maxIdx)
	if maxIdx < len(classes) {
		label = classes[maxIdx]
	}

	confidence := Round2(float64(maxVal) * 100)
	raw := make([]float32, len(distribution))
	copy(raw, distribution)

	return &PredictionResult{
		PredictedClass: maxIdx,
		Label:          label,
		Confidence:     confidence,
		RawPrediction:  raw,
		Message:        fmt.Sprintf("The image is predicted to be digit %s with %.2f%% confidence.", label, confidence),
	}, nil
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Softmax converts logits into probabilities.
func Softmax(logits []float32) []float32 {
	out := make([]float32, len(logits))
	if len(logits) == 0 {
		return out
	}

	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}

	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxVal))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

// Response adds the per-label score map used by the JSON API.
func (r *PredictionResult) Response(classes []string) *PredictionResponse {
	predictions := make(map[string]float32, len(r.RawPrediction))
	for i, v := range r.RawPrediction {
		key := fmt.Sprint(i)
		if i < len(classes) {
			key = classes[i]
		}
		predictions[key] = v
	}
	return &PredictionResponse{PredictionResult: *r, Predictions: predictions}
}
