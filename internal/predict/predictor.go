package predict

import (
	"context"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidInputLength 表示答案数量不是 InputSize。
	ErrInvalidInputLength = fmt.Errorf("input must contain exactly %d values", InputSize)
	// ErrInvalidInputValue 表示输入中含有 NaN 或 Inf。
	ErrInvalidInputValue = errors.New("input values must be finite numbers")
	// ErrUnexpectedOutput 表示模型输出的分数数量不是 16。
	ErrUnexpectedOutput = fmt.Errorf("classifier must return %d scores", len(Labels))
)

// Classifier 对一组答题向量执行一次前向推理，返回每个类型的分数。
type Classifier interface {
	Scores(ctx context.Context, input []float32) ([]float32, error)
}

// Result 是一次预测的结果。
type Result struct {
	Label  string
	Index  int
	Scores []float32
}

// Predictor 校验输入并把分类器输出映射为 MBTI 类型。
type Predictor struct {
	classifier Classifier
}

func NewPredictor(classifier Classifier) *Predictor {
	return &Predictor{classifier: classifier}
}

// Predict 要求恰好 InputSize 个有限数值。
func (p *Predictor) Predict(ctx context.Context, input []float64) (Result, error) {
	if len(input) != InputSize {
		return Result{}, ErrInvalidInputLength
	}

	vector := make([]float32, len(input))
	for i, v := range input {
		// 超出 float32 范围的有限值收窄后同样变成 Inf。
		f := float32(v)
		if math.IsNaN(v) || math.IsInf(float64(f), 0) {
			return Result{}, ErrInvalidInputValue
		}
		vector[i] = f
	}

	scores, err := p.classifier.Scores(ctx, vector)
	if err != nil {
		return Result{}, fmt.Errorf("run classifier: %w", err)
	}
	if len(scores) != len(Labels) {
		return Result{}, fmt.Errorf("%w: got %d", ErrUnexpectedOutput, len(scores))
	}

	idx := Argmax(scores)
	return Result{
		Label:  Labels[idx],
		Index:  idx,
		Scores: scores,
	}, nil
}

// Argmax 返回最大分数的下标；分数相同时取较小下标，NaN 永远不会被选中。
// 空切片返回 -1。
func Argmax(scores []float32) int {
	best := -1
	for i, s := range scores {
		if math.IsNaN(float64(s)) {
			continue
		}
		if best == -1 || s > scores[best] {
			best = i
		}
	}
	if best == -1 && len(scores) > 0 {
		return 0
	}
	return best
}
