package cpu

import (
	"fmt"

	"github.com/born-ml/qat/internal/tensor"
)

// Reshape returns a copy of t with a new shape. One dimension may be -1 and is
// inferred from the element count.
func (cpu *CPUBackend) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	shape, err := inferShape(newShape, t.NumElements())
	if err != nil {
		panic(fmt.Sprintf("reshape: %v", err))
	}
	view, err := t.Clone().View(shape)
	if err != nil {
		panic(fmt.Sprintf("reshape: %v", err))
	}
	return view
}

func inferShape(shape tensor.Shape, numElements int) (tensor.Shape, error) {
	out := shape.Clone()
	inferred := -1
	known := 1
	for i, d := range out {
		if d == -1 {
			if inferred >= 0 {
				return nil, fmt.Errorf("only one dimension can be inferred in %v", shape)
			}
			inferred = i
			continue
		}
		known *= d
	}
	if inferred >= 0 {
		if known <= 0 || numElements%known != 0 {
			return nil, fmt.Errorf("cannot infer dimension of %v for %d elements", shape, numElements)
		}
		out[inferred] = numElements / known
	}
	if out.NumElements() != numElements {
		return nil, fmt.Errorf("cannot reshape %d elements into %v", numElements, shape)
	}
	return out, nil
}

// Transpose permutes the dimensions of t. With no axes, all dimensions are reversed.
func (cpu *CPUBackend) Transpose(t *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	shape := t.Shape()
	ndim := len(shape)
	if len(axes) == 0 {
		axes = make([]int, ndim)
		for i := range axes {
			axes[i] = ndim - 1 - i
		}
	}
	if len(axes) != ndim {
		panic(fmt.Sprintf("transpose: got %d axes for %dD tensor", len(axes), ndim))
	}
	seen := make([]bool, ndim)
	outShape := make(tensor.Shape, ndim)
	for i, ax := range axes {
		if ax < 0 || ax >= ndim || seen[ax] {
			panic(fmt.Sprintf("transpose: invalid permutation %v", axes))
		}
		seen[ax] = true
		outShape[i] = shape[ax]
	}

	requireFloat32("transpose", t)
	result := cpu.alloc("transpose", outShape)
	src, dst := t.AsFloat32(), result.AsFloat32()

	inStrides := t.Strides()
	outStrides := outShape.ComputeStrides()
	// Source stride for each output dimension.
	permStrides := make([]int, ndim)
	for i, ax := range axes {
		permStrides[i] = inStrides[ax]
	}
	for i := range dst {
		dst[i] = src[flatIndex(i, outStrides, permStrides)]
	}
	return result
}
