package nn

import (
	"fmt"
	"log/slog"
	"maps"

	"github.com/born-ml/qat/internal/quant"
	"github.com/born-ml/qat/internal/tensor"
)

// QuantizeLinear is a Linear layer trained with fake quantization.
//
// Each Forward quantizes the full-precision weight layerwise (ternary for
// 2-bit weights, symmetric otherwise) and, when enabled, the input with a
// layerwise symmetric quantizer, then computes x_q @ W_q.T + b. Gradients
// reach the full-precision weight and input through straight-through
// estimators masked by the clip ranges.
//
// Example:
//
//	layer, err := nn.NewQuantizeLinear(256, 256, true, nn.DefaultQuantConfig(), backend)
//	if err != nil {
//	    return err
//	}
//	output := layer.Forward(input) // [..., 256]
type QuantizeLinear[B tensor.Backend] struct {
	inFeatures  int
	outFeatures int
	weight      *Parameter[B] // [out_features, in_features], full precision
	bias        *Parameter[B] // [out_features] or nil
	cfg         QuantConfig
	quantizers  layerQuantizers
	backend     B
}

// NewQuantizeLinear creates a quantized Linear layer with Xavier weights and
// zero bias.
func NewQuantizeLinear[B tensor.Backend](inFeatures, outFeatures int, useBias bool, cfg QuantConfig, backend B) (*QuantizeLinear[B], error) {
	if inFeatures <= 0 || outFeatures <= 0 {
		return nil, fmt.Errorf("quantize linear: invalid features in=%d, out=%d", inFeatures, outFeatures)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("quantize linear: %w", err)
	}
	clip := quant.SymmetricClip(cfg.ClipVal)
	qs, err := newLayerQuantizers(cfg, true, clip, clip)
	if err != nil {
		return nil, fmt.Errorf("quantize linear: %w", err)
	}

	weight, bias := newLinearParams(inFeatures, outFeatures, useBias, backend)
	slog.Debug("quantize linear", "in", inFeatures, "out", outFeatures, "bias", useBias, "quantizers", qs)

	return &QuantizeLinear[B]{
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		weight:      weight,
		bias:        bias,
		cfg:         cfg,
		quantizers:  qs,
		backend:     backend,
	}, nil
}

// QuantizeLinearFrom builds a QuantizeLinear with a copy of src's weight and
// bias.
func QuantizeLinearFrom[B tensor.Backend](src *Linear[B], cfg QuantConfig) (*QuantizeLinear[B], error) {
	l, err := NewQuantizeLinear(src.inFeatures, src.outFeatures, src.bias != nil, cfg, src.backend)
	if err != nil {
		return nil, err
	}
	if err := copyParam(l.weight, src.weight); err != nil {
		return nil, err
	}
	if src.bias != nil {
		if err := copyParam(l.bias, src.bias); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Forward computes quantize(x) @ quantize(W).T + b.
//
// Input shape: [..., in_features] (rank >= 2; at most 4 when activations
// are quantized, since the symmetric quantizer rejects higher ranks)
// Output shape: [..., out_features]
//
// Panics on shape mismatch or quantizer errors.
func (l *QuantizeLinear[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	checkLinearInput("QuantizeLinear", input.Shape(), l.inFeatures)
	w := mustQuantize("QuantizeLinear", l.quantizers.weight, l.weight.Tensor())
	x := quantizeInput("QuantizeLinear", l.quantizers, input)
	return linearForward(x, w, l.bias, l.outFeatures)
}

// QuantizedWeight returns the current quantized weight without recording
// anything on the tape.
func (l *QuantizeLinear[B]) QuantizedWeight() (*tensor.Tensor[float32, B], error) {
	return quantizedWeight(l.quantizers.weight, l.weight.Tensor())
}

// Parameters returns [weight, bias], or [weight] without bias.
func (l *QuantizeLinear[B]) Parameters() []*Parameter[B] {
	if l.bias != nil {
		return []*Parameter[B]{l.weight, l.bias}
	}
	return []*Parameter[B]{l.weight}
}

// Weight returns the full-precision weight parameter.
func (l *QuantizeLinear[B]) Weight() *Parameter[B] {
	return l.weight
}

// Bias returns the bias parameter, or nil.
func (l *QuantizeLinear[B]) Bias() *Parameter[B] {
	return l.bias
}

// InFeatures returns the number of input features.
func (l *QuantizeLinear[B]) InFeatures() int {
	return l.inFeatures
}

// OutFeatures returns the number of output features.
func (l *QuantizeLinear[B]) OutFeatures() int {
	return l.outFeatures
}

// Config returns the layer's quantization config.
func (l *QuantizeLinear[B]) Config() QuantConfig {
	return l.cfg
}

// WeightQuantizer returns the weight quantizer.
func (l *QuantizeLinear[B]) WeightQuantizer() quant.Quantizer {
	return l.quantizers.weight
}

// ActQuantizer returns the activation quantizer, or nil when inputs are not
// quantized.
func (l *QuantizeLinear[B]) ActQuantizer() quant.Quantizer {
	return l.quantizers.act
}

// String returns a string representation of the layer.
func (l *QuantizeLinear[B]) String() string {
	return fmt.Sprintf("QuantizeLinear(in_features=%d, out_features=%d, bias=%v, weight=%v, act=%v)",
		l.inFeatures, l.outFeatures, l.bias != nil, l.quantizers.weight, l.quantizers.act)
}

// StateDict returns weight, bias and the clip buffers.
func (l *QuantizeLinear[B]) StateDict() map[string]*tensor.RawTensor {
	stateDict := l.quantizers.state(l.backend.Device())
	maps.Copy(stateDict, paramsState(l.weight, l.bias))
	return stateDict
}

// LoadStateDict loads parameters and clip buffers. The layer is left
// unchanged when any entry is invalid.
func (l *QuantizeLinear[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	qs, err := l.quantizers.load(l.cfg, stateDict)
	if err != nil {
		return err
	}
	if err := loadParams(stateDict, l.weight, l.bias); err != nil {
		return err
	}
	l.quantizers = qs
	return nil
}
