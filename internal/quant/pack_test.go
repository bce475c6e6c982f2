package quant_test

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/qat/internal/quant"
	"github.com/born-ml/qat/internal/tensor"
)

func TestPackTernary_Codes(t *testing.T) {
	in := []float32{-3, -1, 0, 0.5, 1, 2, 2.5, 3}
	spec := quant.Spec{Bits: 2, Layerwise: true, Clip: clip25}

	p, err := quant.PackTernary(in, tensor.Shape{1, 8}, spec, quant.ScaleFloat32)
	require.NoError(t, err)

	assert.Equal(t, quant.KindTernary, p.Kind)
	assert.Equal(t, 8, p.GroupSize)
	// -1 0 0 0 | 0 +1 +1 +1 → 00 01 01 01 | 01 10 10 10
	assert.Equal(t, []byte{0x15, 0x6A}, p.Codes)

	alphas, err := p.ScaleValues()
	require.NoError(t, err)
	assert.Equal(t, []float32{2.375}, alphas)

	got, err := p.Unpack()
	require.NoError(t, err)
	assert.Equal(t, []float32{-2.375, 0, 0, 0, 0, 2.375, 2.375, 2.375}, got)
}

func TestPackTernary_RowWiseMatchesQuantizer(t *testing.T) {
	in := []float32{1, 1, -1, 0, 0, 0, 3, -0.2, 0.2}
	shape := tensor.Shape{3, 3}
	spec := quant.Spec{Bits: 2, Layerwise: false, Clip: clip25}

	p, err := quant.PackTernary(in, shape, spec, quant.ScaleFloat32)
	require.NoError(t, err)
	// +1 +1 -1 | 0 0 0 | +1 0 0, padded with zero codes.
	assert.Equal(t, []byte{0xA1, 0x59, 0x55}, p.Codes)

	want, err := mustTernary(t, false, clip25).Quantize(in, shape)
	require.NoError(t, err)
	got, err := p.Unpack()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPackSymmetric_MatchesQuantizer(t *testing.T) {
	in := []float32{0.5, -1, 2, 3, 0.1, -0.7, 0.3, 0}
	shape := tensor.Shape{2, 4}

	for _, layerwise := range []bool{true, false} {
		spec := quant.Spec{Bits: 8, Layerwise: layerwise, Clip: clip25}
		p, err := quant.PackSymmetric(in, shape, spec, quant.ScaleFloat32)
		require.NoError(t, err)
		assert.Equal(t, quant.KindSymmetric, p.Kind)
		assert.Len(t, p.Codes, len(in))

		want, err := mustSymmetric(t, 8, layerwise, clip25).Quantize(in, shape)
		require.NoError(t, err)
		got, err := p.Unpack()
		require.NoError(t, err)
		if diff := cmp.Diff(want, got, cmpopts.EquateApprox(1e-6, 0)); diff != "" {
			t.Errorf("layerwise=%t mismatch (-want +got):\n%s", layerwise, diff)
		}
	}
}

func TestPackSymmetric_LayerwiseCodes(t *testing.T) {
	p, err := quant.PackSymmetric([]float32{0.5, -1, 2, 3}, tensor.Shape{4},
		quant.Spec{Bits: 8, Layerwise: true, Clip: clip25}, quant.ScaleFloat32)
	require.NoError(t, err)

	codes := make([]int8, len(p.Codes))
	for i, c := range p.Codes {
		codes[i] = int8(c)
	}
	assert.Equal(t, []int8{25, -51, 102, 127}, codes)
}

func TestPack_HalfPrecisionScales(t *testing.T) {
	in := []float32{-3, -1, 0, 0.5, 1, 2, 2.5, 3}
	shape := tensor.Shape{2, 4}
	tern := quant.Spec{Bits: 2, Layerwise: false, Clip: clip25}
	sym := quant.Spec{Bits: 4, Layerwise: false, Clip: clip25}

	for _, format := range []quant.ScaleFormat{quant.ScaleFloat16, quant.ScaleBFloat16} {
		t.Run(format.String(), func(t *testing.T) {
			pt, err := quant.PackTernary(in, shape, tern, format)
			require.NoError(t, err)
			assert.Len(t, pt.Scales, 2*2, "two bytes per row scale")
			wantT, err := mustTernary(t, false, clip25).Quantize(in, shape)
			require.NoError(t, err)
			gotT, err := pt.Unpack()
			require.NoError(t, err)
			if diff := cmp.Diff(wantT, gotT, cmpopts.EquateApprox(1e-2, 0)); diff != "" {
				t.Errorf("ternary mismatch (-want +got):\n%s", diff)
			}

			ps, err := quant.PackSymmetric(in, shape, sym, format)
			require.NoError(t, err)
			wantS, err := mustSymmetric(t, 4, false, clip25).Quantize(in, shape)
			require.NoError(t, err)
			gotS, err := ps.Unpack()
			require.NoError(t, err)
			if diff := cmp.Diff(wantS, gotS, cmpopts.EquateApprox(1e-2, 0)); diff != "" {
				t.Errorf("symmetric mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPackSymmetric_SmallWeights(t *testing.T) {
	// s = 127/1e-4 overflows float16; the stored step 1/s does not.
	in := []float32{1e-4, -5e-5, 2e-5, 0}
	shape := tensor.Shape{4}
	spec := quant.Spec{Bits: 8, Layerwise: true, Clip: clip25}
	want, err := mustSymmetric(t, 8, true, clip25).Quantize(in, shape)
	require.NoError(t, err)

	for _, format := range []quant.ScaleFormat{quant.ScaleFloat32, quant.ScaleFloat16, quant.ScaleBFloat16} {
		t.Run(format.String(), func(t *testing.T) {
			p, err := quant.PackSymmetric(in, shape, spec, format)
			require.NoError(t, err)
			got, err := p.Unpack()
			require.NoError(t, err)
			assert.NotZero(t, got[0])
			if diff := cmp.Diff(want, got, cmpopts.EquateApprox(3e-2, 0)); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPack_ScaleUnderflow(t *testing.T) {
	in := []float32{1e-9, -1e-9, 0, 0}
	shape := tensor.Shape{4}

	_, err := quant.PackSymmetric(in, shape, quant.Spec{Bits: 8, Layerwise: true, Clip: clip25}, quant.ScaleFloat16)
	assert.ErrorContains(t, err, "not representable")
	_, err = quant.PackTernary(in, shape, quant.Spec{Bits: 2, Layerwise: true, Clip: clip25}, quant.ScaleFloat16)
	assert.ErrorContains(t, err, "not representable")

	_, err = quant.PackSymmetric(in, shape, quant.Spec{Bits: 8, Layerwise: true, Clip: clip25}, quant.ScaleBFloat16)
	assert.NoError(t, err)
}

func TestPack_Errors(t *testing.T) {
	_, err := quant.PackSymmetric([]float32{1}, tensor.Shape{1}, quant.Spec{Bits: 9, Layerwise: true, Clip: clip25}, quant.ScaleFloat32)
	assert.ErrorIs(t, err, quant.ErrInvalidBits)

	_, err = quant.PackTernary(make([]float32, 8), tensor.Shape{2, 2, 2}, quant.Spec{Bits: 2, Clip: clip25}, quant.ScaleFloat32)
	assert.ErrorIs(t, err, quant.ErrUnsupportedRank)

	_, err = quant.PackTernary([]float32{1}, tensor.Shape{1}, quant.Spec{Bits: 2, Layerwise: true}, quant.ScaleFloat32)
	assert.ErrorIs(t, err, quant.ErrInvalidClip)

	nan := float32(math.NaN())
	_, err = quant.PackSymmetric([]float32{1, nan}, tensor.Shape{2}, quant.Spec{Bits: 8, Layerwise: true, Clip: clip25}, quant.ScaleFloat32)
	assert.ErrorContains(t, err, "NaN")

	_, err = quant.PackTernary(nil, tensor.Shape{0, 4}, quant.Spec{Bits: 2, Layerwise: true, Clip: clip25}, quant.ScaleFloat32)
	assert.Error(t, err)
	_, err = quant.PackSymmetric(nil, tensor.Shape{4, 0}, quant.Spec{Bits: 8, Clip: clip25}, quant.ScaleFloat32)
	assert.Error(t, err)

	p := &quant.Packed{Kind: quant.KindSymmetric, Shape: tensor.Shape{4}, GroupSize: 2, Codes: make([]byte, 4), Scales: make([]byte, 4)}
	_, err = p.Unpack()
	assert.Error(t, err, "one float32 scale cannot cover two groups")
}
