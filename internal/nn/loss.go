package nn

import (
	"fmt"

	"github.com/born-ml/qat/internal/tensor"
)

// MSELoss computes Mean Squared Error loss.
//
// Loss = mean((predictions - targets)²)
//
// The loss is built from recorded tensor operations, so it is differentiable
// on an autodiff backend.
//
// Example:
//
//	mse := nn.NewMSELoss(backend)
//	loss := mse.Forward(model.Forward(input), targets)
//	grads := autodiff.Backward(loss, backend)
type MSELoss[B tensor.Backend] struct {
	backend B
}

// NewMSELoss creates a new MSE loss function.
func NewMSELoss[B tensor.Backend](backend B) *MSELoss[B] {
	return &MSELoss[B]{
		backend: backend,
	}
}

// Forward returns the scalar MSE loss. Shapes must match.
func (m *MSELoss[B]) Forward(predictions, targets *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if !predictions.Shape().Equal(targets.Shape()) {
		panic(fmt.Sprintf("MSELoss: predictions %v and targets %v must have the same shape",
			predictions.Shape(), targets.Shape()))
	}

	diff := predictions.Sub(targets)
	return diff.Mul(diff).Sum().MulScalar(1 / float32(predictions.NumElements()))
}

// Parameters returns nil; loss functions have no trainable parameters.
func (m *MSELoss[B]) Parameters() []*Parameter[B] {
	return nil
}
