package ops

import (
	"fmt"

	"github.com/born-ml/qat/internal/tensor"
)

// EmbeddingOp represents a row lookup: output[i] = weight[indices[i]].
//
// Backward scatter-adds each output row gradient into the weight row it came
// from. Rows looked up through paddingIdx receive no gradient, so a padding
// embedding stays fixed during training.
type EmbeddingOp struct {
	weight     *tensor.RawTensor // [num, dim]
	indices    *tensor.RawTensor // int32, any shape
	output     *tensor.RawTensor // [..., dim]
	paddingIdx int               // < 0 disables
}

// NewEmbeddingOp creates a new EmbeddingOp.
func NewEmbeddingOp(weight, indices, output *tensor.RawTensor, paddingIdx int) *EmbeddingOp {
	return &EmbeddingOp{
		weight:     weight,
		indices:    indices,
		output:     output,
		paddingIdx: paddingIdx,
	}
}

// Backward computes the weight gradient. Indices are not differentiable.
func (op *EmbeddingOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	wShape := op.weight.Shape()
	num, dim := wShape[0], wShape[1]

	gradWeight, err := tensor.NewRaw(wShape, tensor.Float32, backend.Device())
	if err != nil {
		panic(err)
	}
	gw, gy := gradWeight.AsFloat32(), outputGrad.AsFloat32()

	for i, idx := range op.indices.AsInt32() {
		row := int(idx)
		if row < 0 || row >= num {
			panic(fmt.Sprintf("embedding backward: index %d out of range [0, %d)", row, num))
		}
		if row == op.paddingIdx {
			continue
		}
		dst := gw[row*dim : (row+1)*dim]
		for j, g := range gy[i*dim : (i+1)*dim] {
			dst[j] += g
		}
	}

	return []*tensor.RawTensor{gradWeight}
}

// Inputs returns [weight].
func (op *EmbeddingOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.weight} }

// Output returns the gathered rows.
func (op *EmbeddingOp) Output() *tensor.RawTensor { return op.output }
