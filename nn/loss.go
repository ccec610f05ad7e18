package nn

import (
	"github.com/loom-ml/loom/autograd"
)

// MSELoss is the mean of squared prediction errors.
type MSELoss struct{}

// Loss computes mean((predictions - targets)²).
func (MSELoss) Loss(predictions, targets autograd.Tensor) autograd.Tensor {
	diff := predictions.Sub(targets)
	return diff.Mul(diff).Mean()
}

// BCELoss is the binary cross-entropy loss. Predictions must lie in
// (0, 1).
type BCELoss struct{}

// Loss computes -mean(t·log(p) + (1-t)·log(1-p)).
func (BCELoss) Loss(predictions, targets autograd.Tensor) autograd.Tensor {
	left := targets.Mul(predictions.Log())
	right := targets.RSubScalar(1).Mul(predictions.RSubScalar(1).Log())
	return left.Add(right).Mean().Neg()
}
