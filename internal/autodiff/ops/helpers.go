package ops

import (
	"fmt"

	"github.com/born-ml/qat/internal/tensor"
)

// reduceBroadcast reduces a gradient to the shape of the operand it belongs to,
// undoing the broadcast of the forward pass.
//
// Example:
//
//	Forward: a[3,1] + b[3,4] -> c[3,4]  (a was broadcast along dim 1)
//	Backward: grad_c[3,4] -> grad_a[3,1] (sum along dim 1)
//
// A scalar gradient is expanded to the target shape instead.
func reduceBroadcast(grad *tensor.RawTensor, targetShape tensor.Shape, _ tensor.Backend) *tensor.RawTensor {
	gradShape := grad.Shape()

	// Clone so the same buffer never appears twice in the gradient map.
	if gradShape.Equal(targetShape) {
		return grad.Clone()
	}
	if len(gradShape) == 0 {
		return expandScalar(grad, targetShape)
	}
	if len(targetShape) > len(gradShape) {
		panic(fmt.Sprintf("reduceBroadcast: cannot reduce %v to %v", gradShape, targetShape))
	}

	// Align target to the right: leading dims and size-1 dims are summed.
	offset := len(gradShape) - len(targetShape)
	outShape := make(tensor.Shape, len(gradShape))
	for i := range gradShape {
		switch {
		case i < offset:
			outShape[i] = 1
		case targetShape[i-offset] == 1:
			outShape[i] = 1
		case targetShape[i-offset] == gradShape[i]:
			outShape[i] = gradShape[i]
		default:
			panic(fmt.Sprintf("reduceBroadcast: cannot reduce %v to %v", gradShape, targetShape))
		}
	}

	reduced := sumToShape(grad, outShape)
	view, err := reduced.View(targetShape)
	if err != nil {
		panic(fmt.Sprintf("reduceBroadcast: %v", err))
	}
	return view
}

// sumToShape sums grad over every axis where outShape is 1 and grad is not.
// outShape has the same rank as grad.
func sumToShape(grad *tensor.RawTensor, outShape tensor.Shape) *tensor.RawTensor {
	result, err := tensor.NewRaw(outShape, tensor.Float32, grad.Device())
	if err != nil {
		panic(fmt.Sprintf("reduceBroadcast: %v", err))
	}

	gradShape := grad.Shape()
	gradStrides := gradShape.ComputeStrides()
	outStrides := outShape.ComputeStrides()
	src, dst := grad.AsFloat32(), result.AsFloat32()

	for i, v := range src {
		rem, j := i, 0
		for d := range gradShape {
			coord := rem / gradStrides[d]
			rem %= gradStrides[d]
			if outShape[d] != 1 {
				j += coord * outStrides[d]
			}
		}
		dst[j] += v
	}
	return result
}

// expandScalar fills a tensor of the given shape with the single value of s.
func expandScalar(s *tensor.RawTensor, shape tensor.Shape) *tensor.RawTensor {
	if s.NumElements() != 1 {
		panic(fmt.Sprintf("expandScalar: expected a single-element gradient, got shape %v", s.Shape()))
	}
	result, err := tensor.NewRaw(shape, tensor.Float32, s.Device())
	if err != nil {
		panic(fmt.Sprintf("expandScalar: %v", err))
	}
	v := s.AsFloat32()[0]
	data := result.AsFloat32()
	for i := range data {
		data[i] = v
	}
	return result
}
