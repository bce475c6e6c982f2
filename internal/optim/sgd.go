package optim

import (
	"fmt"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/born-ml/qat/internal/nn"
	"github.com/born-ml/qat/internal/tensor"
)

// SGD implements Stochastic Gradient Descent with optional momentum.
//
// Update rule without momentum:
//
//	param = param - lr * gradient
//
// Update rule with momentum:
//
//	velocity = momentum * velocity + gradient
//	param = param - lr * velocity
//
// Updates write parameter data directly and are never recorded on a tape.
type SGD[B tensor.Backend] struct {
	params     []*nn.Parameter[B]
	lr         float32
	momentum   float32
	velocities map[*nn.Parameter[B]][]float32
}

// SGDConfig holds configuration for SGD optimizer.
type SGDConfig struct {
	LR       float32 // Learning rate (default: 0.01)
	Momentum float32 // Momentum factor (default: 0.0, range: [0, 1))
}

// Validate checks the learning rate and momentum range.
func (c SGDConfig) Validate() error {
	if !(c.LR > 0) {
		return fmt.Errorf("sgd: learning rate must be positive, got %v", c.LR)
	}
	if !(c.Momentum >= 0 && c.Momentum < 1) {
		return fmt.Errorf("sgd: momentum must be in [0, 1), got %v", c.Momentum)
	}
	return nil
}

// NewSGD creates a new SGD optimizer. A zero LR defaults to 0.01; an invalid
// config panics.
func NewSGD[B tensor.Backend](params []*nn.Parameter[B], config SGDConfig) *SGD[B] {
	if config.LR == 0 {
		config.LR = 0.01
	}
	if err := config.Validate(); err != nil {
		panic(err.Error())
	}

	return &SGD[B]{
		params:     params,
		lr:         config.LR,
		momentum:   config.Momentum,
		velocities: make(map[*nn.Parameter[B]][]float32),
	}
}

// Step performs a single optimization step.
func (s *SGD[B]) Step(grads map[*tensor.RawTensor]*tensor.RawTensor) {
	for _, param := range s.params {
		g := gradient(param, grads)
		if g == nil {
			continue
		}
		if s.momentum != 0 {
			g = s.updateVelocity(param, g)
		}
		p := param.Tensor().Data()
		blas32.Axpy(-s.lr, vec(g), vec(p))
	}
}

// updateVelocity computes velocity = momentum * velocity + g and returns it.
func (s *SGD[B]) updateVelocity(param *nn.Parameter[B], g []float32) []float32 {
	velocity, ok := s.velocities[param]
	if !ok {
		velocity = make([]float32, len(g))
		s.velocities[param] = velocity
	}
	v := vec(velocity)
	blas32.Scal(s.momentum, v)
	blas32.Axpy(1, vec(g), v)
	return velocity
}

// ZeroGrad clears gradients for all parameters.
func (s *SGD[B]) ZeroGrad() {
	for _, param := range s.params {
		param.ZeroGrad()
	}
}

// GetLR returns the current learning rate.
func (s *SGD[B]) GetLR() float32 {
	return s.lr
}

// SetLR updates the learning rate.
func (s *SGD[B]) SetLR(lr float32) {
	s.lr = lr
}

// StateDict exports velocity buffers as "velocity.{param_index}". Without
// momentum it is empty.
func (s *SGD[B]) StateDict() map[string]*tensor.RawTensor {
	return bufferState("velocity", s.params, s.velocities)
}

// LoadStateDict restores velocity buffers. With zero momentum the state is
// ignored.
func (s *SGD[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if s.momentum == 0 {
		return nil
	}
	velocities, err := loadBuffers("velocity", s.params, stateDict)
	if err != nil {
		return err
	}
	s.velocities = velocities
	return nil
}

func vec(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}
