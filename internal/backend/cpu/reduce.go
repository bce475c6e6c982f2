package cpu

import (
	"github.com/born-ml/qat/internal/tensor"
)

// Sum reduces all elements to a scalar tensor (shape []).
func (cpu *CPUBackend) Sum(x *tensor.RawTensor) *tensor.RawTensor {
	requireFloat32("sum", x)
	result := cpu.alloc("sum", tensor.Shape{})

	// float64 accumulator keeps long reductions stable.
	var acc float64
	for _, v := range x.AsFloat32() {
		acc += float64(v)
	}
	result.AsFloat32()[0] = float32(acc)
	return result
}
