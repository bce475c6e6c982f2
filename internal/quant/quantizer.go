package quant

import (
	"fmt"

	"github.com/born-ml/qat/internal/autodiff"
	"github.com/born-ml/qat/internal/tensor"
)

// Quantizer is a fake-quantization transform with a straight-through gradient.
type Quantizer interface {
	autodiff.Function

	// Spec returns the quantizer's configuration.
	Spec() Spec

	// Quantize applies the forward transform to float32 data of the given
	// shape and returns a new slice. Nothing is recorded.
	Quantize(data []float32, shape tensor.Shape) ([]float32, error)
}

// ForWeights selects the weight quantizer for a bit width: 2 bits is ternary,
// anything else symmetric.
func ForWeights(bits int, layerwise bool, clip ClipRange) (Quantizer, error) {
	if bits == 2 {
		return NewTernary(layerwise, clip)
	}
	return NewSymmetric(bits, layerwise, clip)
}

// Apply runs q on x through autodiff.Apply, so the straight-through backward
// is recorded when x's backend is recording.
func Apply[B tensor.Backend](q Quantizer, x *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	out, err := autodiff.Apply(x.Backend(), q, x.Raw())
	if err != nil {
		return nil, err
	}
	return tensor.New[float32](out, x.Backend()), nil
}

// Context keys shared by both quantizers.
const clipKey = "clip"

// forward is the autodiff.Function forward shared by both quantizers: it
// validates the single float32 input, saves it with the clip range, and
// wraps q's output in a new tensor.
func forward(q Quantizer, ctx *autodiff.Context, inputs []*tensor.RawTensor) (*tensor.RawTensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("quant: expected 1 input, got %d", len(inputs))
	}
	x := inputs[0]
	if x.DType() != tensor.Float32 {
		return nil, fmt.Errorf("%w: %s", ErrDType, x.DType())
	}

	data, err := q.Quantize(x.AsFloat32(), x.Shape())
	if err != nil {
		return nil, err
	}
	out, err := tensor.RawFromFloat32(data, x.Shape(), x.Device())
	if err != nil {
		return nil, err
	}

	ctx.SaveForBackward(x)
	ctx.SetValue(clipKey, q.Spec().Clip)
	return out, nil
}

// straightThrough copies outputGrad and zeroes it wherever the saved
// pre-clamp input was >= high or <= low.
func straightThrough(ctx *autodiff.Context, outputGrad *tensor.RawTensor) []*tensor.RawTensor {
	x := ctx.Saved()[0]
	clip := ctx.Value(clipKey).(ClipRange)

	grad := outputGrad.Clone()
	g := grad.AsFloat32()
	for i, v := range x.AsFloat32() {
		if !clip.Passes(v) {
			g[i] = 0
		}
	}
	return []*tensor.RawTensor{grad}
}

// clamp returns a copy of data with every element clamped into clip.
// NaN propagates.
func clamp(data []float32, clip ClipRange) []float32 {
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = min(max(v, clip.Low), clip.High)
	}
	return out
}

// clampSelect clamps by selection, x < high ? x : high then x > low ? x : low,
// so NaN maps to high.
func clampSelect(data []float32, clip ClipRange) []float32 {
	out := make([]float32, len(data))
	for i, v := range data {
		if !(v < clip.High) {
			v = clip.High
		}
		if !(v > clip.Low) {
			v = clip.Low
		}
		out[i] = v
	}
	return out
}

func checkSize(data []float32, shape tensor.Shape) error {
	if err := shape.Validate(); err != nil {
		return fmt.Errorf("quant: shape %v: %w", shape, err)
	}
	if len(data) != shape.NumElements() {
		return fmt.Errorf("quant: shape %v requires %d elements, got %d", shape, shape.NumElements(), len(data))
	}
	return nil
}
