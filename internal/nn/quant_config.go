package nn

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/born-ml/qat/internal/quant"
	"github.com/born-ml/qat/internal/tensor"
)

// QuantConfig configures the quantized layers.
type QuantConfig struct {
	WeightBits  int     // 2 selects the ternary quantizer, anything else symmetric (default: 2)
	InputBits   int     // activation bit width, symmetric (default: 8)
	QuantizeAct bool    // fake-quantize layer inputs (default: true)
	ClipVal     float32 // weights and activations are clipped to [-ClipVal, ClipVal] (default: 2.5)
}

// DefaultQuantConfig returns the ternary-weight, 8-bit-activation setup.
func DefaultQuantConfig() QuantConfig {
	return QuantConfig{
		WeightBits:  2,
		InputBits:   8,
		QuantizeAct: true,
		ClipVal:     2.5,
	}
}

// Validate checks bit widths and the clip value.
func (c QuantConfig) Validate() error {
	if c.WeightBits != 2 && (c.WeightBits < quant.MinSymmetricBits || c.WeightBits > quant.MaxSymmetricBits) {
		return fmt.Errorf("%w: weight bits %d", quant.ErrInvalidBits, c.WeightBits)
	}
	if c.QuantizeAct && (c.InputBits < quant.MinSymmetricBits || c.InputBits > quant.MaxSymmetricBits) {
		return fmt.Errorf("%w: input bits %d", quant.ErrInvalidBits, c.InputBits)
	}
	if !(c.ClipVal > 0) || math.IsInf(float64(c.ClipVal), 1) {
		return fmt.Errorf("%w: clip value %v must be positive and finite", quant.ErrInvalidClip, c.ClipVal)
	}
	return nil
}

// layerQuantizers is the quantizer pair a quantized layer owns. The clip
// ranges live in the quantizers' specs.
type layerQuantizers struct {
	weight quant.Quantizer
	act    quant.Quantizer // nil when inputs stay full precision
}

// newLayerQuantizers builds the weight quantizer with the given grouping and,
// when cfg enables it, a layerwise symmetric activation quantizer.
func newLayerQuantizers(cfg QuantConfig, layerwise bool, weightClip, actClip quant.ClipRange) (layerQuantizers, error) {
	var qs layerQuantizers
	w, err := quant.ForWeights(cfg.WeightBits, layerwise, weightClip)
	if err != nil {
		return qs, fmt.Errorf("weight quantizer: %w", err)
	}
	qs.weight = w
	if cfg.QuantizeAct {
		a, err := quant.NewSymmetric(cfg.InputBits, true, actClip)
		if err != nil {
			return qs, fmt.Errorf("activation quantizer: %w", err)
		}
		qs.act = a
	}
	return qs, nil
}

// LogValue implements slog.LogValuer.
func (qs layerQuantizers) LogValue() slog.Value {
	attrs := []slog.Attr{slog.Any("weight", qs.weight)}
	if qs.act != nil {
		attrs = append(attrs, slog.Any("act", qs.act))
	}
	return slog.GroupValue(attrs...)
}

// state returns the clip buffers.
func (qs layerQuantizers) state(device tensor.Device) map[string]*tensor.RawTensor {
	stateDict := map[string]*tensor.RawTensor{
		keyWeightClip: clipBuffer(qs.weight.Spec().Clip, device),
	}
	if qs.act != nil {
		stateDict[keyActClip] = clipBuffer(qs.act.Spec().Clip, device)
	}
	return stateDict
}

// load rebuilds the quantizers from the clip buffers in stateDict.
func (qs layerQuantizers) load(cfg QuantConfig, stateDict map[string]*tensor.RawTensor) (layerQuantizers, error) {
	weightClip, err := loadClip(stateDict, keyWeightClip)
	if err != nil {
		return qs, err
	}
	actClip := quant.SymmetricClip(cfg.ClipVal)
	if qs.act != nil {
		if actClip, err = loadClip(stateDict, keyActClip); err != nil {
			return qs, err
		}
	}
	return newLayerQuantizers(cfg, qs.weight.Spec().Layerwise, weightClip, actClip)
}

// mustQuantize runs q on x through the tape. Forward keeps the Module
// signature, so quantizer errors panic.
func mustQuantize[B tensor.Backend](layer string, q quant.Quantizer, x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	out, err := quant.Apply(q, x)
	if err != nil {
		panic(fmt.Sprintf("%s: %v", layer, err))
	}
	return out
}

// quantizeInput fake-quantizes x when activation quantization is enabled.
func quantizeInput[B tensor.Backend](layer string, qs layerQuantizers, x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if qs.act == nil {
		return x
	}
	return mustQuantize(layer, qs.act, x)
}

// quantizedWeight computes q(w) off the tape.
func quantizedWeight[B tensor.Backend](q quant.Quantizer, w *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	data, err := q.Quantize(w.Data(), w.Shape())
	if err != nil {
		return nil, err
	}
	return tensor.FromSlice(data, w.Shape(), w.Backend())
}
