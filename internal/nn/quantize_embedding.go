package nn

import (
	"fmt"
	"log/slog"
	"maps"

	"github.com/born-ml/qat/internal/quant"
	"github.com/born-ml/qat/internal/tensor"
)

// QuantizeEmbedding is an Embedding whose table is fake-quantized row-wise on
// every lookup: one ternary alpha (or symmetric scale) per embedding vector.
// Lookups are integer indices, so activation quantization does not apply and
// cfg.QuantizeAct is ignored.
//
// Example:
//
//	embed, err := nn.NewQuantizeEmbedding(5000, 256, 0, nn.DefaultQuantConfig(), backend)
//	if err != nil {
//	    return err
//	}
//	vectors := embed.Forward(tokens) // [batch, seq, 256]
type QuantizeEmbedding[B tensor.Backend] struct {
	numEmbed   int
	embedDim   int
	paddingIdx int
	weight     *Parameter[B] // [num_embed, embed_dim], full precision
	cfg        QuantConfig
	quantizers layerQuantizers
	backend    B
}

// NewQuantizeEmbedding creates a quantized embedding table with N(0, 1)
// weights. paddingIdx follows NewEmbeddingWithPadding; pass NoPadding to
// disable it.
func NewQuantizeEmbedding[B tensor.Backend](numEmbeddings, embeddingDim, paddingIdx int, cfg QuantConfig, backend B) (*QuantizeEmbedding[B], error) {
	if numEmbeddings <= 0 || embeddingDim <= 0 {
		return nil, fmt.Errorf("quantize embedding: invalid size num=%d, dim=%d", numEmbeddings, embeddingDim)
	}
	paddingIdx, err := resolvePadding(paddingIdx, numEmbeddings)
	if err != nil {
		return nil, fmt.Errorf("quantize embedding: %w", err)
	}
	cfg.QuantizeAct = false
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("quantize embedding: %w", err)
	}
	clip := quant.SymmetricClip(cfg.ClipVal)
	qs, err := newLayerQuantizers(cfg, false, clip, clip)
	if err != nil {
		return nil, fmt.Errorf("quantize embedding: %w", err)
	}

	w := Randn(tensor.Shape{numEmbeddings, embeddingDim}, backend)
	zeroRow(w.Data(), paddingIdx, embeddingDim)
	slog.Debug("quantize embedding", "num", numEmbeddings, "dim", embeddingDim, "padding", paddingIdx, "quantizers", qs)

	return &QuantizeEmbedding[B]{
		numEmbed:   numEmbeddings,
		embedDim:   embeddingDim,
		paddingIdx: paddingIdx,
		weight:     NewParameter("embedding.weight", w),
		cfg:        cfg,
		quantizers: qs,
		backend:    backend,
	}, nil
}

// QuantizeEmbeddingFrom builds a QuantizeEmbedding with a copy of src's table
// and the same padding row.
func QuantizeEmbeddingFrom[B tensor.Backend](src *Embedding[B], cfg QuantConfig) (*QuantizeEmbedding[B], error) {
	e, err := NewQuantizeEmbedding(src.NumEmbed, src.EmbedDim, src.PaddingIdx, cfg, src.Weight.Tensor().Backend())
	if err != nil {
		return nil, err
	}
	if err := copyParam(e.weight, src.Weight); err != nil {
		return nil, err
	}
	return e, nil
}

// Forward looks up quantized rows for int32 indices of any shape [...] and
// returns [..., EmbedDim]. The padding row receives no gradient.
//
// Panics if any index is out of bounds [0, NumEmbed).
func (e *QuantizeEmbedding[B]) Forward(indices *tensor.Tensor[int32, B]) *tensor.Tensor[float32, B] {
	w := mustQuantize("QuantizeEmbedding", e.quantizers.weight, e.weight.Tensor())
	return w.Embedding(indices, e.paddingIdx)
}

// QuantizedWeight returns the current quantized table without recording
// anything on the tape.
func (e *QuantizeEmbedding[B]) QuantizedWeight() (*tensor.Tensor[float32, B], error) {
	return quantizedWeight(e.quantizers.weight, e.weight.Tensor())
}

// Parameters returns the list of trainable parameters.
func (e *QuantizeEmbedding[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{e.weight}
}

// Weight returns the full-precision table.
func (e *QuantizeEmbedding[B]) Weight() *Parameter[B] {
	return e.weight
}

// NumEmbed returns the number of embeddings.
func (e *QuantizeEmbedding[B]) NumEmbed() int {
	return e.numEmbed
}

// EmbedDim returns the embedding dimension.
func (e *QuantizeEmbedding[B]) EmbedDim() int {
	return e.embedDim
}

// PaddingIdx returns the padding row, or NoPadding.
func (e *QuantizeEmbedding[B]) PaddingIdx() int {
	return e.paddingIdx
}

// WeightQuantizer returns the row-wise weight quantizer.
func (e *QuantizeEmbedding[B]) WeightQuantizer() quant.Quantizer {
	return e.quantizers.weight
}

// String returns a string representation of the layer.
func (e *QuantizeEmbedding[B]) String() string {
	return fmt.Sprintf("QuantizeEmbedding(num_embeddings=%d, embedding_dim=%d, padding_idx=%d, weight=%v)",
		e.numEmbed, e.embedDim, e.paddingIdx, e.quantizers.weight)
}

// StateDict returns the table and the weight clip buffer.
func (e *QuantizeEmbedding[B]) StateDict() map[string]*tensor.RawTensor {
	stateDict := e.quantizers.state(e.backend.Device())
	maps.Copy(stateDict, paramsState[B](e.weight, nil))
	return stateDict
}

// LoadStateDict loads the table and the weight clip buffer.
func (e *QuantizeEmbedding[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	qs, err := e.quantizers.load(e.cfg, stateDict)
	if err != nil {
		return err
	}
	if err := loadParam(stateDict, keyWeight, e.weight); err != nil {
		return err
	}
	e.quantizers = qs
	return nil
}
