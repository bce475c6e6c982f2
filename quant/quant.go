// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package quant provides the fake quantizers used by quantization-aware
// training and a packed export of their results.
//
// Both quantizers implement autodiff.Function: the forward pass clamps and
// quantizes, the backward pass is a straight-through estimator that zeroes
// the gradient where the input was outside the clip range.
//
// Example:
//
//	q, err := quant.NewSymmetric(8, true, quant.SymmetricClip(2.5))
//	if err != nil {
//	    return err
//	}
//	xq, err := quant.Apply(q, x)
package quant

import (
	"github.com/born-ml/qat/internal/quant"
	"github.com/born-ml/qat/internal/tensor"
)

// Errors returned by the quantizers; match with errors.Is.
var (
	ErrUnsupportedRank = quant.ErrUnsupportedRank
	ErrInvalidBits     = quant.ErrInvalidBits
	ErrInvalidClip     = quant.ErrInvalidClip
	ErrDType           = quant.ErrDType
)

// ClipRange bounds the values a quantizer sees.
type ClipRange = quant.ClipRange

// SymmetricClip returns [-v, v].
func SymmetricClip(v float32) ClipRange {
	return quant.SymmetricClip(v)
}

// Spec describes how a tensor is quantized.
type Spec = quant.Spec

// Quantizer is a fake-quantization transform with a straight-through gradient.
type Quantizer = quant.Quantizer

// Symmetric is uniform symmetric quantization with a dynamic scale.
type Symmetric = quant.Symmetric

// NewSymmetric creates a symmetric quantizer with 2 to 32 bits.
func NewSymmetric(bits int, layerwise bool, clip ClipRange) (*Symmetric, error) {
	return quant.NewSymmetric(bits, layerwise, clip)
}

// Ternary is Ternary Weight Network quantization to {-alpha, 0, +alpha}.
type Ternary = quant.Ternary

// NewTernary creates a ternary quantizer.
func NewTernary(layerwise bool, clip ClipRange) (*Ternary, error) {
	return quant.NewTernary(layerwise, clip)
}

// ForWeights selects ternary for 2 bits and symmetric otherwise.
func ForWeights(bits int, layerwise bool, clip ClipRange) (Quantizer, error) {
	return quant.ForWeights(bits, layerwise, clip)
}

// Apply runs q on x, recording the straight-through backward when x's
// backend is recording.
func Apply[B tensor.Backend](q Quantizer, x *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	return quant.Apply(q, x)
}

// Packed export

// Packed is a compact representation of a quantized tensor.
type Packed = quant.Packed

// Kind is the code layout of a Packed weight.
type Kind = quant.Kind

// Code layouts.
const (
	KindTernary   = quant.KindTernary
	KindSymmetric = quant.KindSymmetric
)

// ScaleFormat selects how per-group scales are stored.
type ScaleFormat = quant.ScaleFormat

// Scale formats.
const (
	ScaleFloat32  = quant.ScaleFloat32
	ScaleFloat16  = quant.ScaleFloat16
	ScaleBFloat16 = quant.ScaleBFloat16
)

// PackTernary stores 2-bit codes and one alpha per group.
func PackTernary(data []float32, shape tensor.Shape, spec Spec, format ScaleFormat) (*Packed, error) {
	return quant.PackTernary(data, shape, spec, format)
}

// PackSymmetric stores int8 codes and one scale per group.
func PackSymmetric(data []float32, shape tensor.Shape, spec Spec, format ScaleFormat) (*Packed, error) {
	return quant.PackSymmetric(data, shape, spec, format)
}
