// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the typed tensors the quantized layers operate on.
//
// Example:
//
//	backend := cpu.New()
//	x := tensor.Zeros[float32](tensor.Shape{2, 3}, backend)
//	y := tensor.Ones[float32](tensor.Shape{2, 3}, backend)
//	z := x.Add(y)
package tensor

import (
	"github.com/born-ml/qat/internal/tensor"
)

// DType is a constraint for tensor element types (float32, int32).
type DType = tensor.DType

// DataType represents the underlying data type of a tensor.
type DataType = tensor.DataType

// Data type constants.
const (
	Float32 DataType = tensor.Float32
	Int32   DataType = tensor.Int32
)

// Device represents the device where tensor data resides.
type Device = tensor.Device

// CPU is the only device.
const CPU Device = tensor.CPU

// Shape represents the dimensions of a tensor.
type Shape = tensor.Shape

// Backend defines the operations every compute backend implements.
type Backend = tensor.Backend

// RawTensor is the untyped tensor backends operate on.
type RawTensor = tensor.RawTensor

// Tensor is a generic type-safe tensor bound to a backend.
type Tensor[T DType, B Backend] = tensor.Tensor[T, B]

// New wraps a RawTensor.
func New[T DType, B Backend](raw *RawTensor, b B) *Tensor[T, B] {
	return tensor.New[T, B](raw, b)
}

// FromSlice creates a tensor from a Go slice. The slice is copied.
//
// Example:
//
//	ids, err := tensor.FromSlice([]int32{4, 8, 15}, tensor.Shape{1, 3}, backend)
func FromSlice[T DType, B Backend](data []T, shape Shape, b B) (*Tensor[T, B], error) {
	return tensor.FromSlice(data, shape, b)
}

// Zeros creates a tensor filled with zeros.
func Zeros[T DType, B Backend](shape Shape, b B) *Tensor[T, B] {
	return tensor.Zeros[T, B](shape, b)
}

// Ones creates a tensor filled with ones.
func Ones[T DType, B Backend](shape Shape, b B) *Tensor[T, B] {
	return tensor.Ones[T, B](shape, b)
}

// Full creates a tensor filled with a specific value.
func Full[T DType, B Backend](shape Shape, value T, b B) *Tensor[T, B] {
	return tensor.Full(shape, value, b)
}

// Randn creates a float32 tensor with values from N(0, 1).
func Randn[B Backend](shape Shape, b B) *Tensor[float32, B] {
	return tensor.Randn(shape, b)
}

// Uniform creates a float32 tensor with values from U(low, high).
func Uniform[B Backend](shape Shape, low, high float32, b B) *Tensor[float32, B] {
	return tensor.Uniform(shape, low, high, b)
}

// NewRaw allocates a zero-filled RawTensor.
func NewRaw(shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	return tensor.NewRaw(shape, dtype, device)
}

// RawFromFloat32 creates a float32 RawTensor holding a copy of data.
func RawFromFloat32(data []float32, shape Shape, device Device) (*RawTensor, error) {
	return tensor.RawFromFloat32(data, shape, device)
}
