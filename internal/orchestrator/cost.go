package orchestrator

import (
	"github.com/agenthands/cortex/internal/core/model"
)

// bytesPerToken approximates tokenization for cost accounting.
const bytesPerToken = 4

// CostModel prices tasks in budget units (approximate tokens).
type CostModel struct {
	Base            map[model.Kind]int64
	OutputAllowance map[model.Kind]int64
}

func DefaultCostModel() CostModel {
	return CostModel{
		Base: map[model.Kind]int64{
			model.KindChat:      50,
			model.KindClassify:  20,
			model.KindModerate:  20,
			model.KindRecommend: 40,
		},
		OutputAllowance: map[model.Kind]int64{
			model.KindChat:      256,
			model.KindClassify:  16,
			model.KindModerate:  32,
			model.KindRecommend: 64,
		},
	}
}

// Estimate is the reservation for a task before it runs.
func (c CostModel) Estimate(kind model.Kind, inputBytes int) int64 {
	return c.Base[kind] + tokens(inputBytes) + c.OutputAllowance[kind]
}

// Actual prices a finished task from its observed input and output size.
func (c CostModel) Actual(kind model.Kind, inputBytes, outputBytes int) int64 {
	return c.Base[kind] + tokens(inputBytes+outputBytes)
}

func tokens(bytes int) int64 {
	if bytes <= 0 {
		return 0
	}
	return int64((bytes + bytesPerToken - 1) / bytesPerToken)
}
