package quant

import "errors"

// Sentinel errors. Callers match them with errors.Is; returned errors wrap
// them with details.
var (
	// ErrUnsupportedRank is returned for tensors whose rank the grouping
	// mode cannot handle (rank > 4, or row-wise ternary on a non-matrix).
	ErrUnsupportedRank = errors.New("quant: unsupported tensor rank")

	// ErrInvalidBits is returned for bit widths outside the quantizer's range.
	ErrInvalidBits = errors.New("quant: invalid bit width")

	// ErrInvalidClip is returned when a clip range is not low < high.
	ErrInvalidClip = errors.New("quant: invalid clip range")

	// ErrDType is returned for non-float32 inputs.
	ErrDType = errors.New("quant: unsupported dtype")
)
