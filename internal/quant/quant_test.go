package quant_test

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/born-ml/qat/internal/autodiff"
	"github.com/born-ml/qat/internal/backend/cpu"
	"github.com/born-ml/qat/internal/quant"
	"github.com/born-ml/qat/internal/tensor"
)

type Backend = *autodiff.AutodiffBackend[*cpu.CPUBackend]

var clip25 = quant.SymmetricClip(2.5)

func approx(t *testing.T, want, got []float32) {
	t.Helper()
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func mustSymmetric(t *testing.T, bits int, layerwise bool, clip quant.ClipRange) *quant.Symmetric {
	t.Helper()
	q, err := quant.NewSymmetric(bits, layerwise, clip)
	require.NoError(t, err)
	return q
}

func mustTernary(t *testing.T, layerwise bool, clip quant.ClipRange) *quant.Ternary {
	t.Helper()
	q, err := quant.NewTernary(layerwise, clip)
	require.NoError(t, err)
	return q
}

func TestSymmetric_LayerwiseExample(t *testing.T) {
	q := mustSymmetric(t, 8, true, clip25)
	got, err := q.Quantize([]float32{0.5, -1, 2, 3}, tensor.Shape{1, 4})
	require.NoError(t, err)

	s := float32(127) / 2.5
	approx(t, []float32{25 / s, -51 / s, 102 / s, 2.5}, got)
	assert.InDelta(t, 0.49213, got[0], 1e-5)
	assert.InDelta(t, -1.00394, got[1], 1e-5)
	assert.InDelta(t, 2.00787, got[2], 1e-5)
}

func TestSymmetric_OutputOnGrid(t *testing.T) {
	data := make([]float32, 64)
	for i := range data {
		data[i] = float32(math.Sin(float64(i)*0.7)) * 3
	}
	for _, bits := range []int{2, 3, 4, 8} {
		q := mustSymmetric(t, bits, true, clip25)
		got, err := q.Quantize(data, tensor.Shape{8, 8})
		require.NoError(t, err)

		var maxAbs float32
		for _, v := range data {
			maxAbs = max(maxAbs, min(float32(math.Abs(float64(v))), 2.5))
		}
		s := q.QMax() / maxAbs
		for i, v := range got {
			k := float64(v * s)
			assert.InDelta(t, math.Round(k), k, 1e-3, "bits=%d element %d is off the grid", bits, i)
			assert.LessOrEqual(t, math.Abs(math.Round(k)), float64(q.QMax()))
		}
	}
}

func TestSymmetric_RoundsHalfToEven(t *testing.T) {
	// qmax = 3, max = 1.5 → s = 2; 1.25*2 = 2.5 rounds to 2.
	q := mustSymmetric(t, 3, true, clip25)
	got, err := q.Quantize([]float32{1.25, 1.5}, tensor.Shape{2})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1.5}, got)
}

func TestSymmetric_PerRow(t *testing.T) {
	q := mustSymmetric(t, 4, false, clip25)
	got, err := q.Quantize([]float32{1, -2, 0.5, 0.1, 0.3, -0.4}, tensor.Shape{2, 3})
	require.NoError(t, err)

	// Row scales: 7/2 and 7/0.4.
	s0, s1 := float32(3.5), float32(7)/0.4
	approx(t, []float32{4 / s0, -2, 2 / s0, 2 / s1, 5 / s1, -0.4}, got)
}

func TestSymmetric_PerHead(t *testing.T) {
	q := mustSymmetric(t, 3, false, quant.SymmetricClip(10))
	got, err := q.Quantize([]float32{1, 2, 3, -6}, tensor.Shape{1, 2, 1, 2})
	require.NoError(t, err)
	approx(t, []float32{4.0 / 3, 2, 4, -6}, got)
}

func TestSymmetric_UnsupportedRank(t *testing.T) {
	shape := tensor.Shape{1, 1, 1, 1, 2}
	for _, layerwise := range []bool{true, false} {
		q := mustSymmetric(t, 8, layerwise, clip25)
		_, err := q.Quantize([]float32{1, 2}, shape)
		assert.ErrorIs(t, err, quant.ErrUnsupportedRank, "layerwise=%t", layerwise)
	}
}

func TestQuantizers_EmptyShape(t *testing.T) {
	quantizers := []quant.Quantizer{
		mustSymmetric(t, 8, true, clip25),
		mustSymmetric(t, 8, false, clip25),
		mustTernary(t, true, clip25),
		mustTernary(t, false, clip25),
	}
	for _, q := range quantizers {
		for _, shape := range []tensor.Shape{{0, 4}, {4, 0}} {
			_, err := q.Quantize(nil, shape)
			assert.Error(t, err, "%v on %v", q, shape)
		}
	}
}

func TestNewSymmetric_Validation(t *testing.T) {
	for _, bits := range []int{-1, 0, 1, 33} {
		_, err := quant.NewSymmetric(bits, true, clip25)
		assert.ErrorIs(t, err, quant.ErrInvalidBits, "bits=%d", bits)
	}
	nan := float32(math.NaN())
	for _, c := range []quant.ClipRange{{Low: 1, High: -1}, {Low: 1, High: 1}, {Low: nan, High: 1}} {
		_, err := quant.NewSymmetric(8, true, c)
		assert.ErrorIs(t, err, quant.ErrInvalidClip, "clip=%v", c)
		_, err = quant.NewTernary(true, c)
		assert.ErrorIs(t, err, quant.ErrInvalidClip, "clip=%v", c)
	}
}

func TestTernary_LayerwiseExample(t *testing.T) {
	q := mustTernary(t, true, clip25)
	in := []float32{-3, -1, 0, 0.5, 1, 2, 2.5, 3}

	got, err := q.Quantize(in, tensor.Shape{1, 8})
	require.NoError(t, err)
	approx(t, []float32{-2.375, 0, 0, 0, 0, 2.375, 2.375, 2.375}, got)

	distinct := map[float32]bool{}
	for _, v := range got {
		distinct[v] = true
	}
	assert.LessOrEqual(t, len(distinct), 3)

	again, err := q.Quantize(got, tensor.Shape{1, 8})
	require.NoError(t, err)
	approx(t, got, again)
}

func TestTernary_RowWise(t *testing.T) {
	q := mustTernary(t, false, clip25)
	got, err := q.Quantize([]float32{1, 1, -1, 0.1, 0, 0, 0, 0, 3, -0.2, 0.2, 0}, tensor.Shape{3, 4})
	require.NoError(t, err)

	// Row 2 clamps to [2.5, -0.2, 0.2, 0]: m = 0.725, thres = 0.5075, alpha = 2.5.
	approx(t, []float32{1, 1, -1, 0, 0, 0, 0, 0, 2.5, 0, 0, 0}, got)

	_, err = q.Quantize(make([]float32, 8), tensor.Shape{2, 2, 2})
	assert.ErrorIs(t, err, quant.ErrUnsupportedRank)
}

func TestQuantizers_AllZeroInput(t *testing.T) {
	zeros := make([]float32, 12)
	shape := tensor.Shape{3, 4}
	quantizers := []quant.Quantizer{
		mustSymmetric(t, 8, true, clip25),
		mustSymmetric(t, 8, false, clip25),
		mustTernary(t, true, clip25),
		mustTernary(t, false, clip25),
	}
	for _, q := range quantizers {
		got, err := q.Quantize(zeros, shape)
		require.NoError(t, err, "%v", q)
		assert.Equal(t, zeros, got, "%v", q)
	}
}

func TestQuantizers_NaN(t *testing.T) {
	nan := float32(math.NaN())

	// Clamping propagates NaN into the group's max, so the whole group is NaN.
	sym := mustSymmetric(t, 8, false, clip25)
	got, err := sym.Quantize([]float32{1, nan, 2, 1, 2, 0.5}, tensor.Shape{2, 3})
	require.NoError(t, err)
	for _, v := range got[:3] {
		assert.True(t, math.IsNaN(float64(v)))
	}
	approx(t, []float32{64 / 63.5, 2, 32 / 63.5}, got[3:])

	// Ternary clamps by selection: NaN becomes the upper bound.
	// Clamped [2.5, 1, -1, 0]: m = 1.125, thres = 0.7875, alpha = 1.5.
	ter := mustTernary(t, true, clip25)
	got, err = ter.Quantize([]float32{nan, 1, -1, 0}, tensor.Shape{4})
	require.NoError(t, err)
	approx(t, []float32{1.5, 1.5, -1.5, 0}, got)
}

func TestQuantize_DoesNotModifyInput(t *testing.T) {
	in := []float32{-3, 0.7, 3}
	for _, q := range []quant.Quantizer{mustSymmetric(t, 4, true, clip25), mustTernary(t, true, clip25)} {
		_, err := q.Quantize(in, tensor.Shape{3})
		require.NoError(t, err)
		assert.Equal(t, []float32{-3, 0.7, 3}, in)
	}
}

func TestForWeights(t *testing.T) {
	q, err := quant.ForWeights(2, false, clip25)
	require.NoError(t, err)
	assert.IsType(t, &quant.Ternary{}, q)
	assert.Equal(t, quant.Spec{Bits: 2, Layerwise: false, Clip: clip25}, q.Spec())

	q, err = quant.ForWeights(8, true, clip25)
	require.NoError(t, err)
	assert.IsType(t, &quant.Symmetric{}, q)

	_, err = quant.ForWeights(1, true, clip25)
	assert.ErrorIs(t, err, quant.ErrInvalidBits)
}

func TestStraightThrough_Mask(t *testing.T) {
	tests := []struct {
		name string
		q    quant.Quantizer
		in   []float32
		want []float32
	}{
		{
			name: "symmetric",
			q:    mustSymmetric(t, 8, true, clip25),
			in:   []float32{-3, -2.5, -2.4, 0, 1, 2.4, 2.5, 3},
			want: []float32{0, 0, 3, 3, 3, 3, 0, 0},
		},
		{
			name: "ternary",
			q:    mustTernary(t, true, clip25),
			in:   []float32{-3, -1, 0, 0.5, 1, 2, 2.5, 3},
			want: []float32{0, 3, 3, 3, 3, 3, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := autodiff.New(cpu.New())
			backend.Tape().StartRecording()
			x, err := tensor.FromSlice(tt.in, tensor.Shape{len(tt.in)}, backend)
			require.NoError(t, err)

			y, err := quant.Apply(tt.q, x)
			require.NoError(t, err)
			grads := autodiff.Backward(y.MulScalar(3).Sum(), backend)

			assert.Equal(t, tt.want, grads[x.Raw()].AsFloat32())
		})
	}
}

func TestApply_NotRecording(t *testing.T) {
	backend := cpu.New()
	x, err := tensor.FromSlice([]float32{0.5, -1, 2, 3}, tensor.Shape{4}, backend)
	require.NoError(t, err)

	y, err := quant.Apply[*cpu.CPUBackend](mustTernary(t, true, clip25), x)
	require.NoError(t, err)
	assert.Equal(t, x.Shape(), y.Shape())
	assert.Equal(t, []float32{0.5, -1, 2, 3}, x.Data(), "input stays full precision")
}

func TestApply_DTypeError(t *testing.T) {
	backend := autodiff.New(cpu.New())
	idx, err := tensor.FromSlice([]int32{1, 2}, tensor.Shape{2}, backend)
	require.NoError(t, err)

	_, err = autodiff.Apply(backend, mustSymmetric(t, 8, true, clip25), idx.Raw())
	assert.True(t, errors.Is(err, quant.ErrDType))
}

func TestApply_ConcurrentCalls(t *testing.T) {
	backend := autodiff.New(cpu.New())
	backend.Tape().StartRecording()
	q := mustSymmetric(t, 8, true, clip25)

	inputs := make([]*tensor.Tensor[float32, Backend], 8)
	outputs := make([]*tensor.Tensor[float32, Backend], len(inputs))
	for i := range inputs {
		x, err := tensor.FromSlice([]float32{float32(i), -float32(i) / 2, 3}, tensor.Shape{3}, backend)
		require.NoError(t, err)
		inputs[i] = x
	}

	var g errgroup.Group
	for i := range inputs {
		g.Go(func() error {
			y, err := quant.Apply(q, inputs[i])
			outputs[i] = y
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, len(inputs), backend.Tape().NumOps())

	for i, y := range outputs {
		want, err := q.Quantize(inputs[i].Data(), inputs[i].Shape())
		require.NoError(t, err)
		assert.Equal(t, want, y.Data())
	}
}
