// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides full-precision layers and their quantization-aware
// replacements.
//
// # Overview
//
// This package contains:
//   - Layers: Linear, Embedding, Conv1D
//   - Quantized layers: QuantizeLinear, QuantizeEmbedding, QuantizeConv1D
//   - Conversions: QuantizeLinearFrom, QuantizeEmbeddingFrom, QuantizeConv1DFrom
//   - Utilities: Sequential, MSELoss, Module, Parameter
//
// # Basic Usage
//
//	backend := autodiff.New(cpu.New())
//
//	layer, err := nn.NewQuantizeLinear(256, 256, true, nn.DefaultQuantConfig(), backend)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	backend.Tape().StartRecording()
//	loss := nn.NewMSELoss(backend).Forward(layer.Forward(x), y)
//	grads := autodiff.Backward(loss, backend)
//
// Each Forward fake-quantizes the full-precision weight (ternary for 2-bit
// weights, symmetric otherwise) and, when enabled, the input. Gradients reach
// the full-precision parameters through straight-through estimators that are
// zero outside the clip range.
package nn

import (
	"github.com/born-ml/qat/internal/nn"
	"github.com/born-ml/qat/internal/tensor"
)

// Module is the interface of float32-input layers.
type Module[B tensor.Backend] = nn.Module[B]

// Stateful is implemented by every layer that can save and restore state.
type Stateful = nn.Stateful

// Parameter represents a trainable parameter in a neural network.
type Parameter[B tensor.Backend] = nn.Parameter[B]

// NewParameter creates a new parameter with the given name and tensor.
func NewParameter[B tensor.Backend](name string, t *tensor.Tensor[float32, B]) *Parameter[B] {
	return nn.NewParameter(name, t)
}

// Layers

// Linear represents a fully connected (dense) layer.
type Linear[B tensor.Backend] = nn.Linear[B]

// NewLinear creates a new linear layer with Xavier initialization.
func NewLinear[B tensor.Backend](inFeatures, outFeatures int, useBias bool, backend B) *Linear[B] {
	return nn.NewLinear(inFeatures, outFeatures, useBias, backend)
}

// Embedding is a lookup table of dense vectors.
type Embedding[B tensor.Backend] = nn.Embedding[B]

// NoPadding disables an embedding's padding row.
const NoPadding = nn.NoPadding

// NewEmbedding creates an embedding table without a padding row.
func NewEmbedding[B tensor.Backend](numEmbeddings, embeddingDim int, backend B) *Embedding[B] {
	return nn.NewEmbedding(numEmbeddings, embeddingDim, backend)
}

// NewEmbeddingWithPadding creates an embedding table whose paddingIdx row is
// zero and receives no gradient.
func NewEmbeddingWithPadding[B tensor.Backend](numEmbeddings, embeddingDim, paddingIdx int, backend B) *Embedding[B] {
	return nn.NewEmbeddingWithPadding(numEmbeddings, embeddingDim, paddingIdx, backend)
}

// NewEmbeddingWithWeight creates an embedding table from existing weights.
func NewEmbeddingWithWeight[B tensor.Backend](weight *tensor.Tensor[float32, B]) *Embedding[B] {
	return nn.NewEmbeddingWithWeight(weight)
}

// Conv1D represents a 1D convolutional layer.
type Conv1D[B tensor.Backend] = nn.Conv1D[B]

// NewConv1D creates a new 1D convolutional layer.
//
// Example:
//
//	conv := nn.NewConv1D(80, 256, 3, 2, 1, true, backend) // kernel=3, stride=2, padding=1
func NewConv1D[B tensor.Backend](inChannels, outChannels, kernel, stride, padding int, useBias bool, backend B) *Conv1D[B] {
	return nn.NewConv1D(inChannels, outChannels, kernel, stride, padding, useBias, backend)
}

// Quantized layers

// QuantConfig configures the quantized layers.
type QuantConfig = nn.QuantConfig

// DefaultQuantConfig returns 2-bit (ternary) weights, 8-bit activations and
// a clip value of 2.5.
func DefaultQuantConfig() QuantConfig {
	return nn.DefaultQuantConfig()
}

// QuantizeLinear is a Linear layer trained with fake quantization.
type QuantizeLinear[B tensor.Backend] = nn.QuantizeLinear[B]

// NewQuantizeLinear creates a quantized linear layer.
func NewQuantizeLinear[B tensor.Backend](inFeatures, outFeatures int, useBias bool, cfg QuantConfig, backend B) (*QuantizeLinear[B], error) {
	return nn.NewQuantizeLinear(inFeatures, outFeatures, useBias, cfg, backend)
}

// QuantizeLinearFrom converts a pretrained Linear layer.
func QuantizeLinearFrom[B tensor.Backend](src *Linear[B], cfg QuantConfig) (*QuantizeLinear[B], error) {
	return nn.QuantizeLinearFrom(src, cfg)
}

// QuantizeEmbedding is an Embedding whose table is quantized row-wise.
type QuantizeEmbedding[B tensor.Backend] = nn.QuantizeEmbedding[B]

// NewQuantizeEmbedding creates a quantized embedding table.
func NewQuantizeEmbedding[B tensor.Backend](numEmbeddings, embeddingDim, paddingIdx int, cfg QuantConfig, backend B) (*QuantizeEmbedding[B], error) {
	return nn.NewQuantizeEmbedding(numEmbeddings, embeddingDim, paddingIdx, cfg, backend)
}

// QuantizeEmbeddingFrom converts a pretrained Embedding.
func QuantizeEmbeddingFrom[B tensor.Backend](src *Embedding[B], cfg QuantConfig) (*QuantizeEmbedding[B], error) {
	return nn.QuantizeEmbeddingFrom(src, cfg)
}

// QuantizeConv1D is a Conv1D layer trained with fake quantization.
type QuantizeConv1D[B tensor.Backend] = nn.QuantizeConv1D[B]

// NewQuantizeConv1D creates a quantized 1D convolution.
func NewQuantizeConv1D[B tensor.Backend](inChannels, outChannels, kernel, stride, padding int, useBias bool, cfg QuantConfig, backend B) (*QuantizeConv1D[B], error) {
	return nn.NewQuantizeConv1D(inChannels, outChannels, kernel, stride, padding, useBias, cfg, backend)
}

// QuantizeConv1DFrom converts a pretrained Conv1D layer.
func QuantizeConv1DFrom[B tensor.Backend](src *Conv1D[B], cfg QuantConfig) (*QuantizeConv1D[B], error) {
	return nn.QuantizeConv1DFrom(src, cfg)
}

// Containers and losses

// Sequential chains modules.
type Sequential[B tensor.Backend] = nn.Sequential[B]

// NewSequential creates a new Sequential container.
func NewSequential[B tensor.Backend](modules ...Module[B]) *Sequential[B] {
	return nn.NewSequential(modules...)
}

// MSELoss computes Mean Squared Error loss.
type MSELoss[B tensor.Backend] = nn.MSELoss[B]

// NewMSELoss creates a new MSE loss function.
func NewMSELoss[B tensor.Backend](backend B) *MSELoss[B] {
	return nn.NewMSELoss(backend)
}

// Initialization

// Xavier draws from the Glorot uniform distribution.
func Xavier[B tensor.Backend](fanIn, fanOut int, shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	return nn.Xavier(fanIn, fanOut, shape, backend)
}

// FanInUniform draws from U(-1/sqrt(fanIn), 1/sqrt(fanIn)).
func FanInUniform[B tensor.Backend](fanIn int, shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	return nn.FanInUniform(fanIn, shape, backend)
}
