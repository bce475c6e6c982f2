// Package tensor provides the core tensor types used by the quantized layers and
// the autodiff engine that hosts them.
package tensor

// DType is a constraint for supported tensor element types.
//
// Parameters and activations are float32; index tensors (embedding lookups) are int32.
type DType interface {
	~float32 | ~int32
}

// DataType is the runtime element type of a RawTensor.
type DataType int

// Supported data types.
const (
	Float32 DataType = iota
	Int32
)

// Size returns the byte size of one element.
func (dt DataType) Size() int {
	switch dt {
	case Float32, Int32:
		return 4
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Int32:
		return "int32"
	default:
		return "unknown"
	}
}

// inferDataType maps a Go element type to its DataType.
func inferDataType[T DType](dummy T) DataType {
	switch any(dummy).(type) {
	case float32:
		return Float32
	case int32:
		return Int32
	default:
		panic("unsupported type")
	}
}
