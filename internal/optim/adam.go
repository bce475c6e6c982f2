package optim

import (
	"fmt"
	"math"

	"github.com/born-ml/qat/internal/nn"
	"github.com/born-ml/qat/internal/tensor"
)

// Adam implements the Adam optimizer (Kingma & Ba, 2014):
//
//	m = beta1 * m + (1 - beta1) * grad
//	v = beta2 * v + (1 - beta2) * grad²
//	param -= lr * (m / (1 - beta1^t)) / (sqrt(v / (1 - beta2^t)) + eps)
type Adam[B tensor.Backend] struct {
	params []*nn.Parameter[B]
	lr     float32
	beta1  float32
	beta2  float32
	eps    float32
	t      int
	m      map[*nn.Parameter[B]][]float32
	v      map[*nn.Parameter[B]][]float32
}

// AdamConfig holds configuration for Adam optimizer.
type AdamConfig struct {
	LR    float32    // Learning rate (default: 0.001)
	Betas [2]float32 // Running average coefficients (default: [0.9, 0.999])
	Eps   float32    // Numerical stability term (default: 1e-8)
}

// Validate checks the hyperparameter ranges.
func (c AdamConfig) Validate() error {
	if !(c.LR > 0) {
		return fmt.Errorf("adam: learning rate must be positive, got %v", c.LR)
	}
	for i, b := range c.Betas {
		if !(b >= 0 && b < 1) {
			return fmt.Errorf("adam: beta%d must be in [0, 1), got %v", i+1, b)
		}
	}
	if !(c.Eps > 0) {
		return fmt.Errorf("adam: eps must be positive, got %v", c.Eps)
	}
	return nil
}

// NewAdam creates a new Adam optimizer. Zero fields take their defaults; an
// invalid config panics.
func NewAdam[B tensor.Backend](params []*nn.Parameter[B], config AdamConfig) *Adam[B] {
	if config.LR == 0 {
		config.LR = 0.001
	}
	if config.Betas[0] == 0 {
		config.Betas[0] = 0.9
	}
	if config.Betas[1] == 0 {
		config.Betas[1] = 0.999
	}
	if config.Eps == 0 {
		config.Eps = 1e-8
	}
	if err := config.Validate(); err != nil {
		panic(err.Error())
	}

	return &Adam[B]{
		params: params,
		lr:     config.LR,
		beta1:  config.Betas[0],
		beta2:  config.Betas[1],
		eps:    config.Eps,
		m:      make(map[*nn.Parameter[B]][]float32),
		v:      make(map[*nn.Parameter[B]][]float32),
	}
}

// Step performs a single optimization step.
func (a *Adam[B]) Step(grads map[*tensor.RawTensor]*tensor.RawTensor) {
	a.t++
	bc1 := float32(1 - math.Pow(float64(a.beta1), float64(a.t)))
	bc2 := float32(1 - math.Pow(float64(a.beta2), float64(a.t)))

	for _, param := range a.params {
		g := gradient(param, grads)
		if g == nil {
			continue
		}
		m := moment(a.m, param, len(g))
		v := moment(a.v, param, len(g))
		p := param.Tensor().Data()

		for i, gi := range g {
			m[i] = a.beta1*m[i] + (1-a.beta1)*gi
			v[i] = a.beta2*v[i] + (1-a.beta2)*gi*gi
			mHat := m[i] / bc1
			vHat := v[i] / bc2
			p[i] -= a.lr * mHat / (float32(math.Sqrt(float64(vHat))) + a.eps)
		}
	}
}

func moment[B tensor.Backend](buffers map[*nn.Parameter[B]][]float32, param *nn.Parameter[B], n int) []float32 {
	buf, ok := buffers[param]
	if !ok {
		buf = make([]float32, n)
		buffers[param] = buf
	}
	return buf
}

// ZeroGrad clears gradients for all parameters.
func (a *Adam[B]) ZeroGrad() {
	for _, param := range a.params {
		param.ZeroGrad()
	}
}

// GetLR returns the current learning rate.
func (a *Adam[B]) GetLR() float32 {
	return a.lr
}

// SetLR updates the learning rate.
func (a *Adam[B]) SetLR(lr float32) {
	a.lr = lr
}

// GetTimestep returns the number of steps taken.
func (a *Adam[B]) GetTimestep() int {
	return a.t
}

// StateDict exports the moment buffers ("m.{i}", "v.{i}") and the timestep.
func (a *Adam[B]) StateDict() map[string]*tensor.RawTensor {
	stateDict := bufferState("m", a.params, a.m)
	for k, raw := range bufferState("v", a.params, a.v) {
		stateDict[k] = raw
	}
	step, err := tensor.RawFromFloat32([]float32{float32(a.t)}, tensor.Shape{1}, tensor.CPU)
	if err != nil {
		panic(err)
	}
	stateDict["t"] = step
	return stateDict
}

// LoadStateDict restores moment buffers and the timestep.
func (a *Adam[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	m, err := loadBuffers("m", a.params, stateDict)
	if err != nil {
		return err
	}
	v, err := loadBuffers("v", a.params, stateDict)
	if err != nil {
		return err
	}
	step, ok := stateDict["t"]
	if !ok || step.NumElements() != 1 || step.DType() != tensor.Float32 {
		return fmt.Errorf("adam: missing or malformed timestep in state dict")
	}
	a.m, a.v, a.t = m, v, int(step.AsFloat32()[0])
	return nil
}
