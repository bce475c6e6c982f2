package quant

import (
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/born-ml/qat/internal/autodiff"
	"github.com/born-ml/qat/internal/tensor"
)

// ThresholdFactor scales the mean magnitude into the ternarization threshold.
const ThresholdFactor = 0.7

// Ternary is Ternary Weight Network quantization:
//
//	x'    = clamp(x, low, high), NaN mapped to high
//	m     = mean|x'|
//	thres = 0.7 * m
//	alpha = mean of |x'| over elements with |x'| > thres
//	y     = +alpha where x' > thres, -alpha where x' < -thres, else 0
//
// Layerwise uses one group for the whole tensor. Row-wise takes one group per
// row and requires a matrix.
type Ternary struct {
	spec Spec
}

var _ Quantizer = (*Ternary)(nil)

// NewTernary creates a ternary quantizer. Spec().Bits is always 2.
func NewTernary(layerwise bool, clip ClipRange) (*Ternary, error) {
	spec := Spec{Bits: 2, Layerwise: layerwise, Clip: clip}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &Ternary{spec: spec}, nil
}

// Spec returns the quantizer's configuration.
func (q *Ternary) Spec() Spec { return q.spec }

// Quantize applies the forward transform.
func (q *Ternary) Quantize(data []float32, shape tensor.Shape) ([]float32, error) {
	if err := checkSize(data, shape); err != nil {
		return nil, err
	}
	groupSize, err := ternaryGroupSize(shape, q.spec.Layerwise)
	if err != nil {
		return nil, err
	}

	out := clampSelect(data, q.spec.Clip)
	for g, tg := range ternaryGroups(out, groupSize) {
		group := out[g*groupSize : (g+1)*groupSize]
		for i, v := range group {
			group[i] = tg.alpha * float32(tg.code(v))
		}
	}
	return out, nil
}

// Forward implements autodiff.Function.
func (q *Ternary) Forward(ctx *autodiff.Context, inputs ...*tensor.RawTensor) (*tensor.RawTensor, error) {
	return forward(q, ctx, inputs)
}

// Backward implements autodiff.Function with the clipped straight-through estimator.
func (q *Ternary) Backward(ctx *autodiff.Context, outputGrad *tensor.RawTensor, _ tensor.Backend) []*tensor.RawTensor {
	return straightThrough(ctx, outputGrad)
}

// String implements fmt.Stringer.
func (q *Ternary) String() string {
	return fmt.Sprintf("Ternary(layerwise=%t, clip=%s)", q.spec.Layerwise, q.spec.Clip)
}

func ternaryGroupSize(shape tensor.Shape, layerwise bool) (int, error) {
	if layerwise {
		return shape.NumElements(), nil
	}
	if len(shape) != 2 {
		return 0, fmt.Errorf("%w: row-wise ternary quantization needs a 2D tensor, got %dD", ErrUnsupportedRank, len(shape))
	}
	return shape[1], nil
}

// ternaryGroup holds one group's threshold and scale.
type ternaryGroup struct {
	thres float32
	alpha float32
}

// code maps a clamped value to -1, 0 or +1.
func (g ternaryGroup) code(v float32) int8 {
	switch {
	case v > g.thres:
		return 1
	case v < -g.thres:
		return -1
	default:
		return 0
	}
}

// ternaryGroups computes threshold and alpha for each group of clamped data.
//
// A group with no element above the threshold (only possible when the group
// is all zeros) has no defined alpha; it gets alpha 0 so the output is zeros.
func ternaryGroups(data []float32, groupSize int) []ternaryGroup {
	groups := make([]ternaryGroup, len(data)/groupSize)
	for g := range groups {
		group := data[g*groupSize : (g+1)*groupSize]
		m := blas32.Asum(blas32.Vector{N: len(group), Inc: 1, Data: group}) / float32(len(group))
		thres := ThresholdFactor * m

		var sum float32
		count := 0
		for _, v := range group {
			if a := absf(v); a > thres {
				sum += a
				count++
			}
		}
		groups[g].thres = thres
		if count == 0 {
			slog.Debug("ternary group has no element above threshold", "group", g, "size", groupSize, "threshold", thres)
			continue
		}
		groups[g].alpha = sum / float32(count)
	}
	return groups
}
