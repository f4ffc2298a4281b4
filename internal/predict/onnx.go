package predict

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"mbtiQuiz/internal/config"
)

var ortInitMu sync.Mutex

// ONNXClassifier 在进程启动时加载一次预训练模型，之后每次请求执行一次前向推理。
type ONNXClassifier struct {
	session    *ort.DynamicAdvancedSession
	inputShape ort.Shape
}

// NewONNXClassifier 初始化 onnxruntime 环境并加载模型。
func NewONNXClassifier(cfg config.InferenceConfig) (*ONNXClassifier, error) {
	dims, err := cfg.Shape()
	if err != nil {
		return nil, err
	}
	shape := ort.NewShape(dims...)
	if shape.FlattenedSize() != InputSize {
		return nil, fmt.Errorf("inference input shape %v holds %d values, want %d", dims, shape.FlattenedSize(), InputSize)
	}

	ortInitMu.Lock()
	if !ort.IsInitialized() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			ortInitMu.Unlock()
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}
	ortInitMu.Unlock()

	session, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("load model %q: %w", cfg.ModelPath, err)
	}

	return &ONNXClassifier{session: session, inputShape: shape}, nil
}

// Scores 把输入重塑为模型要求的张量形状并执行推理。
func (c *ONNXClassifier) Scores(ctx context.Context, input []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if int64(len(input)) != c.inputShape.FlattenedSize() {
		return nil, ErrInvalidInputLength
	}

	data := make([]float32, len(input))
	copy(data, input)

	inputTensor, err := ort.NewTensor(c.inputShape, data)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(Labels))))
	if err != nil {
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := c.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, fmt.Errorf("run session: %w", err)
	}

	out := outputTensor.GetData()
	scores := make([]float32, len(out))
	copy(scores, out)
	return scores, nil
}

// Close 释放模型会话与运行时环境。
func (c *ONNXClassifier) Close() error {
	var errs []error
	if c.session != nil {
		if err := c.session.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("destroy session: %w", err))
		}
	}
	ortInitMu.Lock()
	if ort.IsInitialized() {
		if err := ort.DestroyEnvironment(); err != nil {
			errs = append(errs, fmt.Errorf("destroy onnxruntime: %w", err))
		}
	}
	ortInitMu.Unlock()
	return errors.Join(errs...)
}
