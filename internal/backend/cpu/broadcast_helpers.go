package cpu

import (
	"github.com/born-ml/qat/internal/tensor"
)

// broadcastStrides computes strides for reading inShape as if it had outShape.
// Padded and size-1 dimensions get stride 0.
func broadcastStrides(inShape, outShape tensor.Shape) []int {
	strides := make([]int, len(outShape))
	offset := len(outShape) - len(inShape)
	orig := inShape.ComputeStrides()

	for i := range outShape {
		j := i - offset
		if j < 0 || inShape[j] == 1 {
			continue
		}
		strides[i] = orig[j]
	}
	return strides
}

// flatIndex maps a flat output index to the flat source index given the
// output strides and the broadcast-adjusted source strides.
func flatIndex(outIdx int, outStrides, inStrides []int) int {
	idx := 0
	for i := range outStrides {
		coord := outIdx / outStrides[i]
		outIdx %= outStrides[i]
		idx += coord * inStrides[i]
	}
	return idx
}
