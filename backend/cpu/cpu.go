// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the pure Go CPU backend.
//
// Matrix products run on gonum's BLAS; 1-D convolutions use im2col and fan
// out over the batch with a bounded worker pool.
//
// Example:
//
//	backend := autodiff.New(cpu.New())
package cpu

import (
	internalcpu "github.com/born-ml/qat/internal/backend/cpu"
	"github.com/born-ml/qat/internal/parallel"
	"github.com/born-ml/qat/tensor"
)

// Backend represents the CPU backend implementation.
type Backend = internalcpu.CPUBackend

var _ tensor.Backend = (*Backend)(nil)

// ParallelConfig bounds the worker pool used by batched kernels.
type ParallelConfig = parallel.Config

// DefaultParallelConfig uses one worker per CPU.
func DefaultParallelConfig() ParallelConfig {
	return parallel.DefaultConfig()
}

// New creates a new CPU backend with the default worker pool.
func New() *Backend {
	return internalcpu.New()
}

// NewWithConfig creates a CPU backend with a custom worker pool.
func NewWithConfig(cfg ParallelConfig) *Backend {
	return internalcpu.NewWithConfig(cfg)
}
