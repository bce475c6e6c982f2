// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package autodiff provides reverse-mode automatic differentiation.
//
// A Backend wraps any tensor backend and records operations on a gradient
// tape. Custom gradients are registered by implementing Function and calling
// Apply; the quantizers use this for their straight-through estimators.
//
// Example:
//
//	backend := autodiff.New(cpu.New())
//	backend.Tape().StartRecording()
//	loss := layer.Forward(x).Sum()
//	grads := autodiff.Backward(loss, backend)
package autodiff

import (
	"github.com/born-ml/qat/internal/autodiff"
	"github.com/born-ml/qat/internal/tensor"
)

// Backend is the autodiff-enabled backend.
type Backend[B tensor.Backend] = autodiff.AutodiffBackend[B]

// New creates a new autodiff backend wrapping the given backend.
func New[B tensor.Backend](backend B) *Backend[B] {
	return autodiff.New(backend)
}

// GradientTape records operations for automatic differentiation.
type GradientTape = autodiff.GradientTape

// NewGradientTape creates a new gradient tape.
func NewGradientTape() *GradientTape {
	return autodiff.NewGradientTape()
}

// BackwardCapable interface for backends that support backpropagation.
type BackwardCapable = autodiff.BackwardCapable

// Backward computes gradients of t with respect to every tensor it depends on.
func Backward[T tensor.DType, B BackwardCapable](t *tensor.Tensor[T, B], backend B) map[*tensor.RawTensor]*tensor.RawTensor {
	return autodiff.Backward(t, backend)
}

// Function is a differentiable operation with a hand-written backward pass.
type Function = autodiff.Function

// Context carries state from a Function's forward call to its backward call.
type Context = autodiff.Context

// Apply runs fn and, when backend is recording, records its backward pass.
func Apply(backend tensor.Backend, fn Function, inputs ...*tensor.RawTensor) (*tensor.RawTensor, error) {
	return autodiff.Apply(backend, fn, inputs...)
}
