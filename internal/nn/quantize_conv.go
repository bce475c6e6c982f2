package nn

import (
	"fmt"
	"log/slog"
	"maps"

	"github.com/born-ml/qat/internal/quant"
	"github.com/born-ml/qat/internal/tensor"
)

// QuantizeConv1D is a Conv1D layer trained with fake quantization. The kernel
// is quantized layerwise and, when enabled, so is the input.
//
// Input shape:  [batch, in_channels, length]
// Output shape: [batch, out_channels, (length + 2*padding - kernel)/stride + 1]
//
// Example:
//
//	conv, err := nn.NewQuantizeConv1D(80, 256, 3, 2, 1, true, nn.DefaultQuantConfig(), backend)
//	if err != nil {
//	    return err
//	}
//	output := conv.Forward(features)
type QuantizeConv1D[B tensor.Backend] struct {
	inChannels  int
	outChannels int
	kernelSize  int
	stride      int
	padding     int

	weight *Parameter[B] // [out_channels, in_channels, kernel], full precision
	bias   *Parameter[B] // [out_channels] or nil

	cfg        QuantConfig
	quantizers layerQuantizers
	backend    B
}

// NewQuantizeConv1D creates a quantized 1D convolution initialized like
// NewConv1D.
func NewQuantizeConv1D[B tensor.Backend](
	inChannels, outChannels int,
	kernel int,
	stride, padding int,
	useBias bool,
	cfg QuantConfig,
	backend B,
) (*QuantizeConv1D[B], error) {
	if err := validateConv1D(inChannels, outChannels, kernel, stride, padding); err != nil {
		return nil, fmt.Errorf("quantize %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("quantize conv1d: %w", err)
	}
	clip := quant.SymmetricClip(cfg.ClipVal)
	qs, err := newLayerQuantizers(cfg, true, clip, clip)
	if err != nil {
		return nil, fmt.Errorf("quantize conv1d: %w", err)
	}

	weight, bias := newConv1DParams(inChannels, outChannels, kernel, useBias, backend)
	slog.Debug("quantize conv1d", "in", inChannels, "out", outChannels, "kernel", kernel,
		"stride", stride, "padding", padding, "quantizers", qs)

	return &QuantizeConv1D[B]{
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  kernel,
		stride:      stride,
		padding:     padding,
		weight:      weight,
		bias:        bias,
		cfg:         cfg,
		quantizers:  qs,
		backend:     backend,
	}, nil
}

// QuantizeConv1DFrom builds a QuantizeConv1D with src's geometry and a copy
// of its parameters.
func QuantizeConv1DFrom[B tensor.Backend](src *Conv1D[B], cfg QuantConfig) (*QuantizeConv1D[B], error) {
	c, err := NewQuantizeConv1D(src.inChannels, src.outChannels, src.kernelSize, src.stride, src.padding,
		src.bias != nil, cfg, src.backend)
	if err != nil {
		return nil, err
	}
	if err := copyParam(c.weight, src.weight); err != nil {
		return nil, err
	}
	if src.bias != nil {
		if err := copyParam(c.bias, src.bias); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Forward computes conv1d(quantize(x), quantize(W)) + b.
//
// Panics on shape mismatch or quantizer errors.
func (c *QuantizeConv1D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	checkConv1DInput("quantize conv1d", input.Shape(), c.inChannels)
	w := mustQuantize("QuantizeConv1D", c.quantizers.weight, c.weight.Tensor())
	x := quantizeInput("QuantizeConv1D", c.quantizers, input)
	return conv1dForward(x, w, c.bias, c.stride, c.padding)
}

// QuantizedWeight returns the current quantized kernel without recording
// anything on the tape.
func (c *QuantizeConv1D[B]) QuantizedWeight() (*tensor.Tensor[float32, B], error) {
	return quantizedWeight(c.quantizers.weight, c.weight.Tensor())
}

// Parameters returns all trainable parameters.
func (c *QuantizeConv1D[B]) Parameters() []*Parameter[B] {
	if c.bias != nil {
		return []*Parameter[B]{c.weight, c.bias}
	}
	return []*Parameter[B]{c.weight}
}

// Weight returns the full-precision kernel.
func (c *QuantizeConv1D[B]) Weight() *Parameter[B] {
	return c.weight
}

// Bias returns the bias parameter, or nil.
func (c *QuantizeConv1D[B]) Bias() *Parameter[B] {
	return c.bias
}

// InChannels returns the number of input channels.
func (c *QuantizeConv1D[B]) InChannels() int {
	return c.inChannels
}

// OutChannels returns the number of output channels.
func (c *QuantizeConv1D[B]) OutChannels() int {
	return c.outChannels
}

// ComputeOutputSize computes the output length for a given input length.
func (c *QuantizeConv1D[B]) ComputeOutputSize(length int) int {
	return conv1dOutputSize(length, c.kernelSize, c.stride, c.padding)
}

// WeightQuantizer returns the weight quantizer.
func (c *QuantizeConv1D[B]) WeightQuantizer() quant.Quantizer {
	return c.quantizers.weight
}

// ActQuantizer returns the activation quantizer, or nil.
func (c *QuantizeConv1D[B]) ActQuantizer() quant.Quantizer {
	return c.quantizers.act
}

// String returns a string representation of the layer.
func (c *QuantizeConv1D[B]) String() string {
	return fmt.Sprintf("QuantizeConv1D(in_channels=%d, out_channels=%d, kernel_size=%d, stride=%d, padding=%d, bias=%v, weight=%v, act=%v)",
		c.inChannels, c.outChannels, c.kernelSize, c.stride, c.padding, c.bias != nil,
		c.quantizers.weight, c.quantizers.act)
}

// StateDict returns weight, bias and the clip buffers.
func (c *QuantizeConv1D[B]) StateDict() map[string]*tensor.RawTensor {
	stateDict := c.quantizers.state(c.backend.Device())
	maps.Copy(stateDict, paramsState(c.weight, c.bias))
	return stateDict
}

// LoadStateDict loads parameters and clip buffers.
func (c *QuantizeConv1D[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	qs, err := c.quantizers.load(c.cfg, stateDict)
	if err != nil {
		return err
	}
	if err := loadParams(stateDict, c.weight, c.bias); err != nil {
		return err
	}
	c.quantizers = qs
	return nil
}
