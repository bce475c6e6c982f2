package quant

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/born-ml/qat/internal/autodiff"
	"github.com/born-ml/qat/internal/tensor"
)

// Symmetric bit width limits.
const (
	MinSymmetricBits = 2
	MaxSymmetricBits = 32
)

// Symmetric is uniform symmetric fake quantization with a dynamic scale:
//
//	x' = clamp(x, low, high)
//	s  = (2^(bits-1) - 1) / max|x'|
//	y  = round(x' * s) / s
//
// The max is taken over the whole tensor when layerwise, otherwise per group:
// the last axis for rank ≤ 3 and the trailing two axes for rank 4. Rounding is
// half to even.
type Symmetric struct {
	spec Spec
}

var _ Quantizer = (*Symmetric)(nil)

// NewSymmetric creates a symmetric quantizer.
func NewSymmetric(bits int, layerwise bool, clip ClipRange) (*Symmetric, error) {
	if bits < MinSymmetricBits || bits > MaxSymmetricBits {
		return nil, fmt.Errorf("%w: symmetric quantizer needs %d..%d bits, got %d",
			ErrInvalidBits, MinSymmetricBits, MaxSymmetricBits, bits)
	}
	spec := Spec{Bits: bits, Layerwise: layerwise, Clip: clip}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &Symmetric{spec: spec}, nil
}

// Spec returns the quantizer's configuration.
func (q *Symmetric) Spec() Spec { return q.spec }

// QMax returns the largest integer level, 2^(bits-1) - 1.
func (q *Symmetric) QMax() float32 {
	return float32(uint64(1)<<(q.spec.Bits-1) - 1)
}

// Quantize applies the forward transform.
func (q *Symmetric) Quantize(data []float32, shape tensor.Shape) ([]float32, error) {
	if err := checkSize(data, shape); err != nil {
		return nil, err
	}
	groupSize, err := symmetricGroupSize(shape, q.spec.Layerwise)
	if err != nil {
		return nil, err
	}

	out := clamp(data, q.spec.Clip)
	scales := symmetricScales(out, groupSize, q.QMax())
	for g, s := range scales {
		group := out[g*groupSize : (g+1)*groupSize]
		for i, v := range group {
			if s == 0 {
				group[i] = 0
				continue
			}
			group[i] = roundHalfEven(v*s) / s
		}
	}
	return out, nil
}

// Forward implements autodiff.Function.
func (q *Symmetric) Forward(ctx *autodiff.Context, inputs ...*tensor.RawTensor) (*tensor.RawTensor, error) {
	return forward(q, ctx, inputs)
}

// Backward implements autodiff.Function with the clipped straight-through estimator.
func (q *Symmetric) Backward(ctx *autodiff.Context, outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	return straightThrough(ctx, outputGrad)
}

// String implements fmt.Stringer.
func (q *Symmetric) String() string {
	return fmt.Sprintf("Symmetric(bits=%d, layerwise=%t, clip=%s)", q.spec.Bits, q.spec.Layerwise, q.spec.Clip)
}

// symmetricGroupSize returns the number of contiguous elements that share a
// scale. Rank > 4 is rejected in both modes.
func symmetricGroupSize(shape tensor.Shape, layerwise bool) (int, error) {
	rank := len(shape)
	switch {
	case rank > 4:
		return 0, fmt.Errorf("%w: symmetric quantizer supports up to 4 dimensions, got %d", ErrUnsupportedRank, rank)
	case layerwise || rank == 0:
		return shape.NumElements(), nil
	case rank <= 3:
		return shape[rank-1], nil
	default:
		return shape[2] * shape[3], nil
	}
}

// symmetricScales returns s = qmax / max|group| for every group of clamped
// data. A group whose max is zero gets scale 0, which callers treat as
// "output zeros"; a group holding NaN gets a NaN scale. The max is read from
// data and never differentiated.
func symmetricScales(data []float32, groupSize int, qmax float32) []float32 {
	scales := make([]float32, len(data)/groupSize)
	for g := range scales {
		v := blas32.Vector{N: groupSize, Inc: 1, Data: data[g*groupSize : (g+1)*groupSize]}
		if l1 := blas32.Asum(v); l1 != l1 {
			// NaN anywhere poisons the group's max.
			scales[g] = l1
			continue
		}
		maxAbs := absf(v.Data[blas32.Iamax(v)])
		if maxAbs == 0 {
			continue
		}
		scales[g] = qmax / maxAbs
	}
	return scales
}

func roundHalfEven(v float32) float32 {
	return float32(math.RoundToEven(float64(v)))
}

func absf(v float32) float32 {
	return float32(math.Abs(float64(v)))
}
