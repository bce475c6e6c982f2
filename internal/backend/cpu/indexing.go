package cpu

import (
	"fmt"

	"github.com/born-ml/qat/internal/tensor"
)

// Embedding gathers rows of weight [num, dim] for int32 indices of any shape,
// producing [..., dim]. The padding row is looked up like any other row; it
// only differs in its gradient.
func (cpu *CPUBackend) Embedding(weight, indices *tensor.RawTensor, _ int) *tensor.RawTensor {
	requireFloat32("embedding", weight)
	if indices.DType() != tensor.Int32 {
		panic(fmt.Sprintf("embedding: indices must be int32, got %s", indices.DType()))
	}
	wShape := weight.Shape()
	if len(wShape) != 2 {
		panic(fmt.Sprintf("embedding: weight must be 2D, got shape %v", wShape))
	}
	num, dim := wShape[0], wShape[1]

	outShape := append(indices.Shape().Clone(), dim)
	result := cpu.alloc("embedding", outShape)
	out, w := result.AsFloat32(), weight.AsFloat32()

	for i, idx := range indices.AsInt32() {
		row := int(idx)
		if row < 0 || row >= num {
			panic(fmt.Sprintf("embedding: index %d out of range [0, %d)", row, num))
		}
		copy(out[i*dim:(i+1)*dim], w[row*dim:(row+1)*dim])
	}
	return result
}
