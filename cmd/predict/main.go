// Command predict classifies image files with the same pipeline the server
// uses and prints one JSON object per file.
//
//	predict -model models/digit_cnn.onnx -metadata models/model_metadata.json seven.png
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/Brownie44l1/digit-api/internal/ingest"
	"github.com/Brownie44l1/digit-api/internal/logger"
	"github.com/Brownie44l1/digit-api/internal/model"
	"github.com/Brownie44l1/digit-api/internal/preprocess"
	"github.com/Brownie44l1/digit-api/internal/service"
)

type fileResult struct {
	File string `json:"file"`
	*model.PredictionResult
	Policy   string `json:"policy,omitempty"`
	Inverted bool   `json:"inverted,omitempty"`
	Error    string `json:"error,omitempty"`
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		modelPath    = flag.String("model", "models/digit_cnn.onnx", "path to the ONNX model")
		metadataPath = flag.String("metadata", "models/model_metadata.json", "path to the model metadata JSON")
		libPath      = flag.String("lib", os.Getenv("ONNXRUNTIME_LIB"), "path to the onnxruntime shared library")
		polarity     = flag.String("polarity", "invert", "polarity policy for the files: invert, keep or auto")
		filterName   = flag.String("filter", "lanczos3", "resize filter")
		timeout      = flag.Duration("timeout", 10*time.Second, "per-file inference timeout")
		logLevel     = flag.String("log-level", "warn", "log level")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] image...\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	log := logger.New(logger.Options{Level: *logLevel})

	if flag.NArg() == 0 {
		flag.Usage()
		return 2
	}

	policy, err := preprocess.ParsePolicy(*polarity)
	if err != nil {
		log.Error(err)
		return 2
	}
	filter, err := preprocess.ParseFilter(*filterName)
	if err != nil {
		log.Error(err)
		return 2
	}

	classifier, err := model.NewServer(model.Options{
		ModelPath:    *modelPath,
		MetadataPath: *metadataPath,
		LibraryPath:  *libPath,
		PoolSize:     1,
	})
	if err != nil {
		log.Errorf("Failed to load model: %v", err)
		return 1
	}
	defer classifier.Close()

	pipeline := preprocess.New(preprocess.WithFilter(filter), preprocess.WithUploadPolicy(policy))
	svc := service.NewPredictService(pipeline, classifier, *timeout)

	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	failed := false
	for _, path := range flag.Args() {
		res := classify(svc, path)
		if res.Error != "" {
			failed = true
		}
		if err := enc.Encode(res); err != nil {
			log.Errorf("Failed to write result: %v", err)
			return 1
		}
	}

	if failed {
		return 1
	}
	return 0
}

func classify(svc service.IPredictService, path string) fileResult {
	res := fileResult{File: path}

	data, err := os.ReadFile(path)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	prediction, err := svc.Predict(context.Background(), ingest.UploadSource{Filename: filepath.Base(path), Data: data})
	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.PredictionResult = prediction.Result
	res.Policy = string(prediction.Policy)
	res.Inverted = prediction.Inverted
	return res
}
