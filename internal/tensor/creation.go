package tensor

import (
	"math/rand"
)

// Zeros creates a zero-filled tensor.
//
// Example:
//
//	backend := cpu.New()
//	t := tensor.Zeros[float32](Shape{3, 4}, backend)
func Zeros[T DType, B Backend](shape Shape, b B) *Tensor[T, B] {
	var dummy T
	raw, err := NewRaw(shape, inferDataType(dummy), b.Device())
	if err != nil {
		panic(err)
	}
	return New[T, B](raw, b)
}

// Ones creates a tensor filled with ones.
func Ones[T DType, B Backend](shape Shape, b B) *Tensor[T, B] {
	return Full[T, B](shape, T(1), b)
}

// Full creates a tensor filled with value.
func Full[T DType, B Backend](shape Shape, value T, b B) *Tensor[T, B] {
	t := Zeros[T, B](shape, b)
	data := t.Data()
	for i := range data {
		data[i] = value
	}
	return t
}

// Randn creates a float32 tensor with values drawn from N(0, 1).
func Randn[B Backend](shape Shape, b B) *Tensor[float32, B] {
	t := Zeros[float32, B](shape, b)
	data := t.Data()
	for i := range data {
		//nolint:gosec // math/rand is appropriate for ML initialization
		data[i] = float32(rand.NormFloat64())
	}
	return t
}

// Uniform creates a float32 tensor with values drawn from U(low, high).
func Uniform[B Backend](shape Shape, low, high float32, b B) *Tensor[float32, B] {
	t := Zeros[float32, B](shape, b)
	data := t.Data()
	span := float64(high - low)
	for i := range data {
		//nolint:gosec // math/rand is appropriate for ML initialization
		data[i] = low + float32(rand.Float64()*span)
	}
	return t
}
