// Package optim implements the optimizers used to train quantized layers.
//
// Optimizers update the full-precision Parameters that quantized layers keep;
// the next Forward re-quantizes the updated values.
//
// Example usage:
//
//	opt := optim.NewSGD(layer.Parameters(), optim.SGDConfig{LR: 0.01, Momentum: 0.9})
//
//	for step := range steps {
//	    backend.Tape().Clear()
//	    backend.Tape().StartRecording()
//	    loss := mse.Forward(layer.Forward(input), targets)
//	    grads := autodiff.Backward(loss, backend)
//	    backend.Tape().StopRecording()
//
//	    opt.Step(grads)
//	    opt.ZeroGrad()
//	}
package optim

import (
	"fmt"

	"github.com/born-ml/qat/internal/nn"
	"github.com/born-ml/qat/internal/tensor"
)

// Optimizer is the base interface for all optimization algorithms.
type Optimizer interface {
	// Step applies gradient updates to all parameters in place. grads is the
	// map returned by autodiff.Backward; parameters without an entry are
	// skipped.
	Step(grads map[*tensor.RawTensor]*tensor.RawTensor)

	// ZeroGrad clears all parameter gradients.
	ZeroGrad()

	// GetLR returns the current learning rate.
	GetLR() float32
}

// Config is the base configuration for all optimizers.
type Config struct {
	LR float32 // Learning rate
}

// gradient collects param's gradient from grads and returns its data, or nil
// when the parameter did not take part in the computation.
func gradient[B tensor.Backend](param *nn.Parameter[B], grads map[*tensor.RawTensor]*tensor.RawTensor) []float32 {
	if param == nil || !param.CollectGrad(grads) {
		return nil
	}
	g := param.Grad()
	if !g.Shape().Equal(param.Tensor().Shape()) {
		panic(fmt.Sprintf("optim: gradient shape %v does not match parameter %s %v",
			g.Shape(), param.Name(), param.Tensor().Shape()))
	}
	return g.Data()
}

// bufferState exports per-parameter buffers as "<name>.<index>" entries.
func bufferState[B tensor.Backend](name string, params []*nn.Parameter[B], buffers map[*nn.Parameter[B]][]float32) map[string]*tensor.RawTensor {
	stateDict := make(map[string]*tensor.RawTensor)
	for i, param := range params {
		buf, ok := buffers[param]
		if !ok {
			continue
		}
		raw, err := tensor.RawFromFloat32(buf, param.Tensor().Shape(), param.Tensor().Device())
		if err != nil {
			panic(err)
		}
		stateDict[fmt.Sprintf("%s.%d", name, i)] = raw
	}
	return stateDict
}

// loadBuffers restores buffers written by bufferState. Missing entries are
// left to be initialized on the next step.
func loadBuffers[B tensor.Backend](name string, params []*nn.Parameter[B], stateDict map[string]*tensor.RawTensor) (map[*nn.Parameter[B]][]float32, error) {
	buffers := make(map[*nn.Parameter[B]][]float32)
	for i, param := range params {
		key := fmt.Sprintf("%s.%d", name, i)
		raw, ok := stateDict[key]
		if !ok {
			continue
		}
		if !raw.Shape().Equal(param.Tensor().Shape()) || raw.DType() != tensor.Float32 {
			return nil, fmt.Errorf("%s shape mismatch for parameter %d: expected float32 %v, got %v %v",
				name, i, param.Tensor().Shape(), raw.DType(), raw.Shape())
		}
		buffers[param] = append([]float32(nil), raw.AsFloat32()...)
	}
	return buffers, nil
}
