package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Brownie44l1/digit-api/internal/ingest"
	"github.com/Brownie44l1/digit-api/internal/logger"
	"github.com/Brownie44l1/digit-api/internal/model"
	"github.com/Brownie44l1/digit-api/internal/preprocess"
)

// Prediction is the outcome of one request, ready for any front-end to render.
type Prediction struct {
	Result *model.PredictionResult
	// Image is a data URL of what to show next to the result: the client's own
	// drawing, or the 28x28 view the model saw for uploads.
	Image    string
	Source   ingest.Kind
	Policy   preprocess.Policy
	Inverted bool
}

type IPredictService interface {
	Predict(ctx context.Context, src ingest.Source) (*Prediction, error)
	PredictTensor(ctx context.Context, input *preprocess.Tensor) (*model.PredictionResult, error)
	Metadata() *model.Metadata
}

type predictService struct {
	pipeline   *preprocess.Pipeline
	classifier model.Classifier
	timeout    time.Duration
}

func NewPredictService(pipeline *preprocess.Pipeline, classifier model.Classifier, timeout time.Duration) IPredictService {
	return &predictService{
		pipeline:   pipeline,
		classifier: classifier,
		timeout:    timeout,
	}
}

func (s *predictService) Metadata() *model.Metadata {
	return s.classifier.Metadata()
}

// Predict decodes, normalizes and classifies src. Nothing reaches the model
// unless decoding and normalization succeed.
func (s *predictService) Predict(ctx context.Context, src ingest.Source) (*Prediction, error) {
	raw, err := ingest.Decode(src)
	if err != nil {
		return nil, err
	}

	out, err := s.pipeline.Normalize(raw)
	if err != nil {
		return nil, err
	}

	logger.WithRequestID(ctx).WithFields(logger.Fields{
		"source":   raw.Kind.String(),
		"format":   raw.Format,
		"width":    raw.Image.Bounds().Dx(),
		"height":   raw.Image.Bounds().Dy(),
		"policy":   out.Policy,
		"inverted": out.Inverted,
	}).Debug("Image normalized")

	result, err := s.PredictTensor(ctx, out.Tensor)
	if err != nil {
		return nil, err
	}

	echo := raw.Echo
	if echo == "" {
		if echo, err = ingest.EncodeDataURL(out.View); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrInference, err)
		}
	}

	return &Prediction{
		Result:   result,
		Image:    echo,
		Source:   raw.Kind,
		Policy:   out.Policy,
		Inverted: out.Inverted,
	}, nil
}

// PredictTensor classifies an already normalized tensor.
func (s *predictService) PredictTensor(ctx context.Context, input *preprocess.Tensor) (*model.PredictionResult, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	distribution, err := s.classifier.Predict(ctx, input)
	if err != nil {
		return nil, err
	}

	return model.Format(distribution, s.classifier.Metadata().Classes)
}
