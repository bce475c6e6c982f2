package quant

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/born-ml/qat/internal/tensor"
)

// ScaleFormat selects how per-group scales are stored in a Packed weight.
type ScaleFormat int

// Scale storage formats.
const (
	ScaleFloat32 ScaleFormat = iota
	ScaleFloat16
	ScaleBFloat16
)

// String implements fmt.Stringer.
func (f ScaleFormat) String() string {
	switch f {
	case ScaleFloat32:
		return "f32"
	case ScaleFloat16:
		return "f16"
	case ScaleBFloat16:
		return "bf16"
	default:
		return fmt.Sprintf("ScaleFormat(%d)", int(f))
	}
}

func (f ScaleFormat) size() int {
	if f == ScaleFloat32 {
		return 4
	}
	return 2
}

// Kind is the code layout of a Packed weight.
type Kind int

// Code layouts.
const (
	// KindTernary stores 2-bit i2_s codes, four per byte, most significant
	// pair first: 0 = -1, 1 = 0, 2 = +1. Value = code * alpha.
	KindTernary Kind = iota
	// KindSymmetric stores one int8 per element. Value = code / scale.
	KindSymmetric
)

// i2_s code values.
const (
	i2sNeg  = 0
	i2sZero = 1
	i2sPos  = 2
)

// Packed is a compact in-memory deployment form of a quantized weight.
//
// Each group of GroupSize consecutive elements shares one scale: alpha for
// ternary, the step 1/s for symmetric. Either way value = code * scale.
type Packed struct {
	Kind      Kind
	Shape     tensor.Shape
	GroupSize int
	Format    ScaleFormat
	Codes     []byte
	Scales    []byte
}

// PackTernary ternarizes data with spec's clip and grouping and packs the result.
func PackTernary(data []float32, shape tensor.Shape, spec Spec, format ScaleFormat) (*Packed, error) {
	q, err := NewTernary(spec.Layerwise, spec.Clip)
	if err != nil {
		return nil, err
	}
	if err := checkSize(data, shape); err != nil {
		return nil, err
	}
	groupSize, err := ternaryGroupSize(shape, spec.Layerwise)
	if err != nil {
		return nil, err
	}

	clamped := clampSelect(data, q.spec.Clip)
	groups := ternaryGroups(clamped, groupSize)

	codes := make([]byte, (len(clamped)+3)/4)
	// Trailing slots of the last byte decode to zero.
	for i := range codes {
		codes[i] = i2sZero<<6 | i2sZero<<4 | i2sZero<<2 | i2sZero
	}
	alphas := make([]float32, len(groups))
	for g, tg := range groups {
		alphas[g] = tg.alpha
		for j, v := range clamped[g*groupSize : (g+1)*groupSize] {
			idx := g*groupSize + j
			shift := uint(6 - 2*(idx%4))
			codes[idx/4] &^= 0x3 << shift
			codes[idx/4] |= byte(tg.code(v)+1) << shift
		}
	}

	scales, err := encodeScales(alphas, format)
	if err != nil {
		return nil, err
	}
	if err := checkEncoded(alphas, scales, format); err != nil {
		return nil, err
	}
	return &Packed{
		Kind:      KindTernary,
		Shape:     shape.Clone(),
		GroupSize: groupSize,
		Format:    format,
		Codes:     codes,
		Scales:    scales,
	}, nil
}

// PackSymmetric quantizes data with spec and stores int8 codes. spec.Bits must be at most 8.
func PackSymmetric(data []float32, shape tensor.Shape, spec Spec, format ScaleFormat) (*Packed, error) {
	if spec.Bits > 8 {
		return nil, fmt.Errorf("%w: int8 packing holds at most 8 bits, got %d", ErrInvalidBits, spec.Bits)
	}
	q, err := NewSymmetric(spec.Bits, spec.Layerwise, spec.Clip)
	if err != nil {
		return nil, err
	}
	if err := checkSize(data, shape); err != nil {
		return nil, err
	}
	groupSize, err := symmetricGroupSize(shape, spec.Layerwise)
	if err != nil {
		return nil, err
	}

	clamped := clamp(data, q.spec.Clip)
	scales := symmetricScales(clamped, groupSize, q.QMax())
	codes := make([]byte, len(clamped))
	steps := make([]float32, len(scales))
	for g, s := range scales {
		if s != s {
			return nil, fmt.Errorf("quant: group %d holds NaN and cannot be packed", g)
		}
		if s == 0 {
			continue
		}
		steps[g] = 1 / s
		for j, v := range clamped[g*groupSize : (g+1)*groupSize] {
			codes[g*groupSize+j] = byte(int8(roundHalfEven(v * s)))
		}
	}

	encoded, err := encodeScales(steps, format)
	if err != nil {
		return nil, err
	}
	if err := checkEncoded(steps, encoded, format); err != nil {
		return nil, err
	}
	return &Packed{
		Kind:      KindSymmetric,
		Shape:     shape.Clone(),
		GroupSize: groupSize,
		Format:    format,
		Codes:     codes,
		Scales:    encoded,
	}, nil
}

// ScaleValues decodes the per-group scales.
func (p *Packed) ScaleValues() ([]float32, error) {
	return decodeScales(p.Scales, p.Format)
}

// Unpack rebuilds float32 values as code * scale. They match the quantizer's
// output up to the rounding of the stored scale: exactly for ternary with
// ScaleFloat32, within a float32 ulp for symmetric.
func (p *Packed) Unpack() ([]float32, error) {
	scales, err := p.ScaleValues()
	if err != nil {
		return nil, err
	}
	n := p.Shape.NumElements()
	if p.GroupSize <= 0 || n%p.GroupSize != 0 || len(scales) != n/p.GroupSize {
		return nil, fmt.Errorf("quant: %d scales do not cover %v in groups of %d", len(scales), p.Shape, p.GroupSize)
	}

	out := make([]float32, n)
	switch p.Kind {
	case KindTernary:
		if len(p.Codes) < (n+3)/4 {
			return nil, fmt.Errorf("quant: %d code bytes for %d ternary values", len(p.Codes), n)
		}
		for i := range out {
			c := (p.Codes[i/4] >> uint(6-2*(i%4))) & 0x3
			alpha := scales[i/p.GroupSize]
			switch c {
			case i2sNeg:
				out[i] = -alpha
			case i2sPos:
				out[i] = alpha
			}
		}
	case KindSymmetric:
		if len(p.Codes) != n {
			return nil, fmt.Errorf("quant: %d codes for %d values", len(p.Codes), n)
		}
		for i := range out {
			out[i] = float32(int8(p.Codes[i])) * scales[i/p.GroupSize]
		}
	default:
		return nil, fmt.Errorf("quant: unknown packed kind %d", p.Kind)
	}
	return out, nil
}

func encodeScales(v []float32, format ScaleFormat) ([]byte, error) {
	switch format {
	case ScaleFloat32:
		out := make([]byte, 4*len(v))
		for i, f := range v {
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(f))
		}
		return out, nil
	case ScaleFloat16:
		out := make([]byte, 2*len(v))
		for i, f := range v {
			binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(f).Bits())
		}
		return out, nil
	case ScaleBFloat16:
		return bfloat16.EncodeFloat32(v), nil
	default:
		return nil, fmt.Errorf("quant: unknown scale format %d", int(format))
	}
}

// checkEncoded rejects scales that did not survive encoding: a non-zero
// scale must stay finite and non-zero in the target format.
func checkEncoded(v []float32, encoded []byte, format ScaleFormat) error {
	decoded, err := decodeScales(encoded, format)
	if err != nil {
		return err
	}
	for g, f := range decoded {
		if v[g] == 0 {
			continue
		}
		if f == 0 || math.IsInf(float64(f), 0) {
			return fmt.Errorf("quant: group %d scale %g is not representable as %s", g, v[g], format)
		}
	}
	return nil
}

func decodeScales(b []byte, format ScaleFormat) ([]float32, error) {
	if len(b)%format.size() != 0 {
		return nil, fmt.Errorf("quant: %d scale bytes is not a multiple of %d (%s)", len(b), format.size(), format)
	}
	switch format {
	case ScaleFloat32:
		out := make([]float32, len(b)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
		}
		return out, nil
	case ScaleFloat16:
		out := make([]float32, len(b)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32()
		}
		return out, nil
	case ScaleBFloat16:
		return bfloat16.DecodeFloat32(b), nil
	default:
		return nil, fmt.Errorf("quant: unknown scale format %d", int(format))
	}
}
