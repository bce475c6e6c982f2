package nn

import (
	"fmt"

	"github.com/born-ml/qat/internal/tensor"
)

// Linear implements a fully connected (dense) layer.
//
// Performs the transformation: y = x @ W.T + b
// where:
//   - x is the input tensor with shape [..., in_features]
//   - W is the weight matrix with shape [out_features, in_features]
//   - b is the bias vector with shape [out_features]
//   - y is the output tensor with shape [..., out_features]
//
// Weights are initialized using Xavier/Glorot initialization.
// Biases are initialized to zeros.
//
// Example:
//
//	backend := cpu.New()
//	layer := nn.NewLinear(256, 128, true, backend)
//
//	input := tensor.Randn(tensor.Shape{8, 50, 256}, backend)
//	output := layer.Forward(input) // [8, 50, 128]
type Linear[B tensor.Backend] struct {
	inFeatures  int
	outFeatures int
	weight      *Parameter[B] // [out_features, in_features]
	bias        *Parameter[B] // [out_features] or nil
	backend     B
}

// NewLinear creates a new Linear layer. It panics on non-positive sizes.
func NewLinear[B tensor.Backend](inFeatures, outFeatures int, useBias bool, backend B) *Linear[B] {
	if inFeatures <= 0 || outFeatures <= 0 {
		panic(fmt.Sprintf("linear: invalid features in=%d, out=%d", inFeatures, outFeatures))
	}
	weight, bias := newLinearParams(inFeatures, outFeatures, useBias, backend)
	return &Linear[B]{
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		weight:      weight,
		bias:        bias,
		backend:     backend,
	}
}

func newLinearParams[B tensor.Backend](in, out int, useBias bool, backend B) (weight, bias *Parameter[B]) {
	weight = NewParameter("linear.weight", Xavier(in, out, tensor.Shape{out, in}, backend))
	if useBias {
		bias = NewParameter("linear.bias", Zeros(tensor.Shape{out}, backend))
	}
	return weight, bias
}

// Forward computes y = x @ W.T + b.
//
// Input shape: [..., in_features] (rank >= 2)
// Output shape: [..., out_features]
func (l *Linear[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	checkLinearInput("Linear", input.Shape(), l.inFeatures)
	return linearForward(input, l.weight.Tensor(), l.bias, l.outFeatures)
}

func checkLinearInput(layer string, shape tensor.Shape, inFeatures int) {
	if len(shape) < 2 {
		panic(fmt.Sprintf("%s.Forward: expected input [..., features] of rank >= 2, got shape %v", layer, shape))
	}
	if shape[len(shape)-1] != inFeatures {
		panic(fmt.Sprintf("%s.Forward: expected input with %d features, got %d", layer, inFeatures, shape[len(shape)-1]))
	}
}

// linearForward flattens leading axes, multiplies by weight.T, adds the bias
// and restores the leading axes.
func linearForward[B tensor.Backend](input, weight *tensor.Tensor[float32, B], bias *Parameter[B], outFeatures int) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	x := input
	if len(shape) > 2 {
		x = input.Reshape(-1, shape[len(shape)-1])
	}

	output := x.MatMul(weight.Transpose())
	if bias != nil {
		output = output.Add(bias.Tensor().Reshape(1, outFeatures))
	}

	if len(shape) > 2 {
		outShape := shape.Clone()
		outShape[len(outShape)-1] = outFeatures
		output = output.Reshape(outShape...)
	}
	return output
}

// Parameters returns [weight, bias], or [weight] without bias.
func (l *Linear[B]) Parameters() []*Parameter[B] {
	if l.bias != nil {
		return []*Parameter[B]{l.weight, l.bias}
	}
	return []*Parameter[B]{l.weight}
}

// Weight returns the weight parameter.
func (l *Linear[B]) Weight() *Parameter[B] {
	return l.weight
}

// Bias returns the bias parameter, or nil.
func (l *Linear[B]) Bias() *Parameter[B] {
	return l.bias
}

// InFeatures returns the number of input features.
func (l *Linear[B]) InFeatures() int {
	return l.inFeatures
}

// OutFeatures returns the number of output features.
func (l *Linear[B]) OutFeatures() int {
	return l.outFeatures
}

// StateDict returns a map of parameter names to raw tensors.
func (l *Linear[B]) StateDict() map[string]*tensor.RawTensor {
	return paramsState(l.weight, l.bias)
}

// LoadStateDict loads parameters from a state dictionary.
func (l *Linear[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	return loadParams(stateDict, l.weight, l.bias)
}
