package nn

import (
	"fmt"

	"github.com/born-ml/qat/internal/tensor"
)

// NoPadding disables the padding row of an embedding table.
const NoPadding = -1

// Embedding is a lookup table that maps discrete indices to dense vectors.
//
// Architecture:
//   - Weight: [NumEmbed, EmbedDim] learnable parameter
//   - Forward: indices [batch, seq] -> embeddings [batch, seq, EmbedDim]
//   - Backward: gradients scatter-add to weight rows, except the padding row
//
// Example:
//
//	// 5000 output tokens, 256-dimensional embeddings, token 0 is padding
//	embed := nn.NewEmbeddingWithPadding(5000, 256, 0, backend)
//	embeddings := embed.Forward(indices) // [batch, seq, 256]
type Embedding[B tensor.Backend] struct {
	Weight     *Parameter[B] // Embedding weight matrix [NumEmbed, EmbedDim]
	NumEmbed   int           // Number of embeddings (vocabulary size)
	EmbedDim   int           // Embedding dimension (vector size)
	PaddingIdx int           // Row that gets no gradient, or NoPadding
}

// NewEmbedding creates an Embedding layer without a padding row.
// Weights are drawn from N(0, 1).
func NewEmbedding[B tensor.Backend](numEmbeddings, embeddingDim int, backend B) *Embedding[B] {
	return NewEmbeddingWithPadding(numEmbeddings, embeddingDim, NoPadding, backend)
}

// NewEmbeddingWithPadding creates an Embedding layer whose paddingIdx row is
// zero-initialized and receives no gradient. A negative paddingIdx counts
// from the end of the table; NoPadding disables it.
func NewEmbeddingWithPadding[B tensor.Backend](numEmbeddings, embeddingDim, paddingIdx int, backend B) *Embedding[B] {
	if numEmbeddings <= 0 || embeddingDim <= 0 {
		panic(fmt.Sprintf("embedding: invalid size num=%d, dim=%d", numEmbeddings, embeddingDim))
	}
	paddingIdx, err := resolvePadding(paddingIdx, numEmbeddings)
	if err != nil {
		panic(fmt.Sprintf("embedding: %v", err))
	}

	weight := Randn(tensor.Shape{numEmbeddings, embeddingDim}, backend)
	zeroRow(weight.Data(), paddingIdx, embeddingDim)

	return &Embedding[B]{
		Weight:     NewParameter("embedding.weight", weight),
		NumEmbed:   numEmbeddings,
		EmbedDim:   embeddingDim,
		PaddingIdx: paddingIdx,
	}
}

// NewEmbeddingWithWeight creates an Embedding layer with pre-initialized
// weights [numEmbeddings, embeddingDim] and no padding row.
func NewEmbeddingWithWeight[B tensor.Backend](weight *tensor.Tensor[float32, B]) *Embedding[B] {
	shape := weight.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("embedding weight must be 2D, got shape %v", shape))
	}

	return &Embedding[B]{
		Weight:     NewParameter("embedding.weight", weight),
		NumEmbed:   shape[0],
		EmbedDim:   shape[1],
		PaddingIdx: NoPadding,
	}
}

// resolvePadding maps a possibly negative padding index into [0, num).
// The sentinel NoPadding passes through unchanged; any other negative index
// counts from the end, so -1 can only mean "none".
func resolvePadding(paddingIdx, num int) (int, error) {
	if paddingIdx == NoPadding {
		return NoPadding, nil
	}
	if paddingIdx < 0 {
		paddingIdx += num
	}
	if paddingIdx < 0 || paddingIdx >= num {
		return 0, fmt.Errorf("padding index %d out of range for %d embeddings", paddingIdx, num)
	}
	return paddingIdx, nil
}

func zeroRow(data []float32, row, dim int) {
	if row < 0 {
		return
	}
	clear(data[row*dim : (row+1)*dim])
}

// Forward performs embedding lookup. Indices may have any shape [...]; the
// result is [..., EmbedDim].
//
// Panics if any index is out of bounds [0, NumEmbed).
func (e *Embedding[B]) Forward(indices *tensor.Tensor[int32, B]) *tensor.Tensor[float32, B] {
	return e.Weight.Tensor().Embedding(indices, e.PaddingIdx)
}

// Parameters returns the list of trainable parameters.
func (e *Embedding[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{e.Weight}
}

// StateDict returns a map of parameter names to raw tensors.
func (e *Embedding[B]) StateDict() map[string]*tensor.RawTensor {
	return paramsState[B](e.Weight, nil)
}

// LoadStateDict loads the weight table.
func (e *Embedding[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	return loadParam(stateDict, keyWeight, e.Weight)
}
