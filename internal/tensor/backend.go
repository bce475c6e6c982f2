package tensor

// Backend defines the operations a compute backend provides.
//
// Every operation returns a new RawTensor; inputs are never modified. Shape and
// dtype misuse panics, following the convention that these are programming errors.
//
// Implementations:
//   - cpu.CPUBackend: pure Go, gonum BLAS for matrix products
//   - autodiff.AutodiffBackend: decorator that records operations on a gradient tape
type Backend interface {
	// Element-wise binary operations with NumPy broadcasting.
	Add(a, b *RawTensor) *RawTensor
	Sub(a, b *RawTensor) *RawTensor
	Mul(a, b *RawTensor) *RawTensor

	// MulScalar multiplies every element by s.
	MulScalar(x *RawTensor, s float32) *RawTensor

	// MatMul multiplies 2-D tensors: [M, K] @ [K, N] -> [M, N].
	MatMul(a, b *RawTensor) *RawTensor

	// Conv1D convolves [batch, inCh, length] with [outCh, inCh, kernel].
	Conv1D(input, kernel *RawTensor, stride, padding int) *RawTensor

	// Conv1D gradients with respect to the input and the kernel.
	Conv1DInputBackward(input, kernel, grad *RawTensor, stride, padding int) *RawTensor
	Conv1DKernelBackward(input, kernel, grad *RawTensor, stride, padding int) *RawTensor

	// Embedding gathers rows of weight [num, dim] for int32 indices [...],
	// producing [..., dim]. paddingIdx < 0 disables the padding row.
	Embedding(weight, indices *RawTensor, paddingIdx int) *RawTensor

	// Shape operations.
	Reshape(t *RawTensor, newShape Shape) *RawTensor
	Transpose(t *RawTensor, axes ...int) *RawTensor

	// Sum reduces all elements to a scalar.
	Sum(x *RawTensor) *RawTensor

	// Metadata.
	Name() string
	Device() Device
}
