package model

import (
	"context"
	"encoding/json"
	"image"
	"os"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrModelLoad wraps every failure to bring the model up at startup.
	ErrModelLoad = errors.New("failed to load model")
	// ErrInference wraps failures of a single inference call.
	ErrInference = errors.New("inference failed")
)

// Options configure NewServer.
type Options struct {
	ModelPath    string
	MetadataPath string
	// LibraryPath points at the onnxruntime shared library. Empty uses the runtime default.
	LibraryPath   string
	ConfThreshold float32
	IoUThreshold  float32
	MaxDetections int
}

// runner executes one forward pass. Implementations need not be safe for concurrent use.
type runner interface {
	Run(input []float32) ([]float32, error)
	Destroy() error
}

// onnxRunner is an ONNX Runtime session bound to fixed input and output tensors.
type onnxRunner struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func (o *onnxRunner) Run(input []float32) ([]float32, error) {
	copy(o.inputTensor.GetData(), input)
	if err := o.session.Run(); err != nil {
		return nil, err
	}
	return append([]float32(nil), o.outputTensor.GetData()...), nil
}

// Destroy releases the session, its tensors and the runtime environment.
func (o *onnxRunner) Destroy() error {
	return multierr.Combine(
		o.session.Destroy(),
		o.inputTensor.Destroy(),
		o.outputTensor.Destroy(),
		ort.DestroyEnvironment(),
	)
}

// Server runs a YOLO detection model. The runner binds fixed tensors, so runs are serialized with mu.
type Server struct {
	Metadata Metadata

	logger *zap.SugaredLogger
	post   postprocessOptions
	width  int
	height int
	mu     sync.Mutex
	runner runner
}

// LoadMetadata reads and validates the model metadata JSON.
func LoadMetadata(path string) (Metadata, error) {
	var metadata Metadata
	metaFile, err := os.ReadFile(path)
	if err != nil {
		return metadata, errors.Wrapf(ErrModelLoad, "failed to read metadata: %v", err)
	}
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return metadata, errors.Wrapf(ErrModelLoad, "failed to parse metadata: %v", err)
	}
	if metadata.InputName == "" {
		metadata.InputName = "images"
	}
	if metadata.OutputName == "" {
		metadata.OutputName = "output0"
	}
	if s := metadata.InputShape; len(s) != 4 || s[0] != 1 || s[1] != 3 || s[2] <= 0 || s[3] <= 0 {
		return metadata, errors.Wrapf(ErrModelLoad, "input_shape must be [1,3,H,W], got %v", s)
	}
	if s := metadata.OutputShape; len(s) != 3 || s[0] != 1 || s[1] <= 0 || s[2] <= 0 {
		return metadata, errors.Wrapf(ErrModelLoad, "output_shape must be [1,A,N], got %v", s)
	}
	return metadata, nil
}

// NewServer loads the model described by opts. It must be called once per process.
func NewServer(opts Options, logger *zap.SugaredLogger) (*Server, error) {
	metadata, err := LoadMetadata(opts.MetadataPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, errors.Wrapf(ErrModelLoad, "weights file: %v", err)
	}

	if opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(opts.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, errors.Wrapf(ErrModelLoad, "failed to initialize ONNX environment: %v", err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		_ = ort.DestroyEnvironment()
		return nil, errors.Wrapf(ErrModelLoad, "failed to create input tensor: %v", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		_ = multierr.Combine(inputTensor.Destroy(), ort.DestroyEnvironment())
		return nil, errors.Wrapf(ErrModelLoad, "failed to create output tensor: %v", err)
	}

	session, err := ort.NewAdvancedSession(opts.ModelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		_ = multierr.Combine(inputTensor.Destroy(), outputTensor.Destroy(), ort.DestroyEnvironment())
		return nil, errors.Wrapf(ErrModelLoad, "failed to create ONNX session: %v", err)
	}

	logger.Infow("model loaded",
		"model", opts.ModelPath,
		"input", metadata.InputShape,
		"output", metadata.OutputShape,
		"classes", metadata.Classes)

	return newServer(metadata, opts, &onnxRunner{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, logger), nil
}

func newServer(metadata Metadata, opts Options, r runner, logger *zap.SugaredLogger) *Server {
	return &Server{
		Metadata: metadata,
		logger:   logger,
		post: postprocessOptions{
			ConfThreshold: opts.ConfThreshold,
			IoUThreshold:  opts.IoUThreshold,
			MaxDetections: opts.MaxDetections,
		},
		height: int(metadata.InputShape[2]),
		width:  int(metadata.InputShape[3]),
		runner: r,
	}
}

// Detect runs the model on img. Pre- and postprocessing run on the caller's goroutine; only the
// session run is serialized.
func (s *Server) Detect(ctx context.Context, img image.Image) (*DetectionResult, error) {
	input := make([]float32, 3*s.width*s.height)
	lb := preprocessImage(img, s.width, s.height, input)

	output, err := s.run(ctx, input)
	if err != nil {
		return nil, err
	}

	dets, err := decodeOutput(output, s.Metadata.OutputShape, s.Metadata.Classes, lb, s.post)
	if err != nil {
		return nil, errors.Wrap(ErrInference, err.Error())
	}
	s.logger.Debugw("inference done", "detections", len(dets))
	return &DetectionResult{Detections: dets}, nil
}

func (s *Server) run(ctx context.Context, input []float32) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// waiting for the lock can outlast the request
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(ErrInference, err.Error())
	}
	if s.runner == nil {
		return nil, errors.Wrap(ErrInference, "server is closed")
	}

	output, err := s.runner.Run(input)
	if err != nil {
		return nil, errors.Wrap(ErrInference, err.Error())
	}
	return output, nil
}

// Close releases the model. Detect fails with ErrInference afterwards. Closing twice is a no-op.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runner == nil {
		return nil
	}
	err := s.runner.Destroy()
	s.runner = nil
	return err
}
