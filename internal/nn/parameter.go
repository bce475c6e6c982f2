package nn

import (
	"github.com/born-ml/qat/internal/tensor"
)

// Parameter represents a trainable full-precision tensor owned by a layer.
//
// Quantized layers never overwrite a Parameter's data during Forward; only the
// optimizer (or LoadStateDict) mutates it, between forward calls.
//
// Example:
//
//	weight := nn.NewParameter("weight", weightTensor)
//	grads := autodiff.Backward(loss, backend)
//	g := grads[weight.Tensor().Raw()]
type Parameter[B tensor.Backend] struct {
	name   string
	tensor *tensor.Tensor[float32, B]
	grad   *tensor.Tensor[float32, B]
}

// NewParameter creates a new trainable parameter.
func NewParameter[B tensor.Backend](name string, t *tensor.Tensor[float32, B]) *Parameter[B] {
	return &Parameter[B]{
		name:   name,
		tensor: t,
	}
}

// Name returns the parameter name.
func (p *Parameter[B]) Name() string {
	return p.name
}

// Tensor returns the parameter tensor.
func (p *Parameter[B]) Tensor() *tensor.Tensor[float32, B] {
	return p.tensor
}

// Grad returns the gradient tensor, or nil before the first backward pass.
func (p *Parameter[B]) Grad() *tensor.Tensor[float32, B] {
	return p.grad
}

// SetGrad sets the gradient tensor.
func (p *Parameter[B]) SetGrad(grad *tensor.Tensor[float32, B]) {
	p.grad = grad
}

// CollectGrad looks up the parameter's gradient in a map returned by
// autodiff.Backward and stores it. It reports whether a gradient was found.
func (p *Parameter[B]) CollectGrad(grads map[*tensor.RawTensor]*tensor.RawTensor) bool {
	g, ok := grads[p.tensor.Raw()]
	if !ok {
		return false
	}
	p.grad = tensor.New[float32](g, p.tensor.Backend())
	return true
}

// ZeroGrad clears the gradient tensor.
func (p *Parameter[B]) ZeroGrad() {
	p.grad = nil
}
