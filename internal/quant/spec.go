package quant

import (
	"fmt"
	"math"
)

// ClipRange bounds the values a quantizer sees. Low < High.
type ClipRange struct {
	Low  float32
	High float32
}

// SymmetricClip returns [-v, v].
func SymmetricClip(v float32) ClipRange {
	return ClipRange{Low: -v, High: v}
}

// Validate reports whether the range is usable.
func (c ClipRange) Validate() error {
	if math.IsNaN(float64(c.Low)) || math.IsNaN(float64(c.High)) {
		return fmt.Errorf("%w: NaN bound in [%v, %v]", ErrInvalidClip, c.Low, c.High)
	}
	if !(c.Low < c.High) {
		return fmt.Errorf("%w: low %v must be below high %v", ErrInvalidClip, c.Low, c.High)
	}
	return nil
}

// Passes reports whether a gradient flows through an element whose
// pre-clamp value is v.
func (c ClipRange) Passes(v float32) bool {
	return !(v >= c.High || v <= c.Low)
}

// Slice returns the range as a 2-element [low, high] slice, the layout used
// for clip buffers in state dicts.
func (c ClipRange) Slice() []float32 {
	return []float32{c.Low, c.High}
}

// ClipFromSlice parses a [low, high] clip buffer.
func ClipFromSlice(v []float32) (ClipRange, error) {
	if len(v) != 2 {
		return ClipRange{}, fmt.Errorf("%w: expected 2 values, got %d", ErrInvalidClip, len(v))
	}
	c := ClipRange{Low: v[0], High: v[1]}
	return c, c.Validate()
}

// String implements fmt.Stringer.
func (c ClipRange) String() string {
	return fmt.Sprintf("[%g, %g]", c.Low, c.High)
}

// Spec describes how a tensor is quantized.
type Spec struct {
	Bits      int       // bit width; 2 selects the ternary quantizer for weights
	Layerwise bool      // one scale for the whole tensor instead of per group
	Clip      ClipRange // values are clamped into this range first
}

// Validate checks the clip range. Bit width limits depend on the quantizer.
func (s Spec) Validate() error {
	return s.Clip.Validate()
}
