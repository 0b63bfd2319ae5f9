package model

import (
	"context"
	"fmt"
	"os"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/digit-api/internal/logger"
	"github.com/Brownie44l1/digit-api/internal/preprocess"
)

// Classifier maps a normalized tensor to one score per class.
type Classifier interface {
	Predict(ctx context.Context, input *preprocess.Tensor) ([]float32, error)
	Metadata() *Metadata
}

type Options struct {
	ModelPath    string
	MetadataPath string
	// LibraryPath is the onnxruntime shared library. Empty keeps the default.
	LibraryPath string
	PoolSize    int
}

// session owns a runtime session and the tensors bound to it. A session is
// used by one request at a time.
type session struct {
	run    *ort.AdvancedSession
	input  *ort.Tensor[float32]
	output *ort.Tensor[float32]
}

func (s *session) destroy() {
	if s.run != nil {
		s.run.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
}

// Server runs the ONNX digit model. It is loaded once and is safe for
// concurrent use: requests borrow one of a fixed pool of sessions.
type Server struct {
	metadata *Metadata
	sessions chan *session
	all      []*session
}

// NewServer loads the model. Any failure wraps ErrModelUnavailable and the
// caller is expected to refuse to serve.
func NewServer(opts Options) (*Server, error) {
	if opts.PoolSize < 1 {
		opts.PoolSize = 1
	}

	metadata, err := LoadMetadata(opts.MetadataPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	if opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(opts.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize ONNX environment: %v", ErrModelUnavailable, err)
	}

	s := &Server{
		metadata: metadata,
		sessions: make(chan *session, opts.PoolSize),
	}
	for i := 0; i < opts.PoolSize; i++ {
		sess, err := newSession(opts.ModelPath, metadata)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("%w: session %d: %v", ErrModelUnavailable, i, err)
		}
		s.all = append(s.all, sess)
		s.sessions <- sess
	}

	logger.Info(logger.Fields{
		"model":        opts.ModelPath,
		"input_shape":  metadata.InputShape,
		"output_shape": metadata.OutputShape,
		"classes":      metadata.Classes,
		"pool_size":    opts.PoolSize,
	}, "Model loaded")

	return s, nil
}

func newSession(modelPath string, metadata *Metadata) (*session, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	// Parallelism comes from the pool, not from within a session.
	_ = options.SetIntraOpNumThreads(1)
	_ = options.SetInterOpNumThreads(1)

	run, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		options)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &session{run: run, input: inputTensor, output: outputTensor}, nil
}

func (s *Server) Metadata() *Metadata {
	return s.metadata
}

// Predict runs one tensor through the model and returns a copy of the output.
// It blocks until a session is free or ctx is done.
func (s *Server) Predict(ctx context.Context, input *preprocess.Tensor) ([]float32, error) {
	if err := checkShape(input, s.metadata.InputShape); err != nil {
		return nil, err
	}

	var sess *session
	select {
	case sess = <-s.sessions:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for a session: %v", ErrInference, ctx.Err())
	}
	defer func() { s.sessions <- sess }()

	copy(sess.input.GetData(), input.Data)
	if err := sess.run.Run(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	out := make([]float32, len(sess.output.GetData()))
	copy(out, sess.output.GetData())

	if s.metadata.ApplySoftmax {
		out = Softmax(out)
	}
	return out, nil
}

func checkShape(input *preprocess.Tensor, want []int64) error {
	if input == nil {
		return fmt.Errorf("%w: nil input", ErrInference)
	}
	if len(input.Shape) != len(want) {
		return fmt.Errorf("%w: input shape %v, model expects %v", ErrInference, input.Shape, want)
	}
	for i := range want {
		if input.Shape[i] != want[i] {
			return fmt.Errorf("%w: input shape %v, model expects %v", ErrInference, input.Shape, want)
		}
	}
	if len(input.Data) != elements(want) {
		return fmt.Errorf("%w: input has %d values, model expects %d", ErrInference, len(input.Data), elements(want))
	}
	return nil
}

func (s *Server) Close() {
	for _, sess := range s.all {
		sess.destroy()
	}
	s.all = nil
	ort.DestroyEnvironment()
}
