package nn_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/qat/internal/autodiff"
	"github.com/born-ml/qat/internal/backend/cpu"
	"github.com/born-ml/qat/internal/nn"
	"github.com/born-ml/qat/internal/tensor"
)

type Backend = *autodiff.AutodiffBackend[*cpu.CPUBackend]

var (
	_ nn.Module[Backend] = (*nn.Linear[Backend])(nil)
	_ nn.Module[Backend] = (*nn.Conv1D[Backend])(nil)
	_ nn.Module[Backend] = (*nn.Sequential[Backend])(nil)
	_ nn.Stateful        = (*nn.Linear[Backend])(nil)
	_ nn.Stateful        = (*nn.Embedding[Backend])(nil)
	_ nn.Stateful        = (*nn.Conv1D[Backend])(nil)
	_ nn.Stateful        = (*nn.Sequential[Backend])(nil)
)

func newBackend() Backend {
	return autodiff.New(cpu.New())
}

func newRecording(t *testing.T) Backend {
	t.Helper()
	backend := newBackend()
	backend.Tape().StartRecording()
	return backend
}

func fromSlice(t *testing.T, data []float32, shape tensor.Shape, b Backend) *tensor.Tensor[float32, Backend] {
	t.Helper()
	x, err := tensor.FromSlice(data, shape, b)
	require.NoError(t, err)
	return x
}

func indices(t *testing.T, data []int32, shape tensor.Shape, b Backend) *tensor.Tensor[int32, Backend] {
	t.Helper()
	x, err := tensor.FromSlice(data, shape, b)
	require.NoError(t, err)
	return x
}

func gradOf(t *testing.T, grads map[*tensor.RawTensor]*tensor.RawTensor, p *nn.Parameter[Backend]) []float32 {
	t.Helper()
	g, ok := grads[p.Tensor().Raw()]
	require.True(t, ok, "no gradient for %s", p.Name())
	return g.AsFloat32()
}

func TestParameter(t *testing.T) {
	backend := newBackend()
	data := fromSlice(t, []float32{1, 2, 3}, tensor.Shape{3}, backend)
	param := nn.NewParameter("test_param", data)

	assert.Equal(t, "test_param", param.Name())
	assert.Same(t, data, param.Tensor())
	assert.Nil(t, param.Grad())

	grads := map[*tensor.RawTensor]*tensor.RawTensor{
		data.Raw(): fromSlice(t, []float32{4, 5, 6}, tensor.Shape{3}, backend).Raw(),
	}
	require.True(t, param.CollectGrad(grads))
	assert.Equal(t, []float32{4, 5, 6}, param.Grad().Data())

	param.ZeroGrad()
	assert.Nil(t, param.Grad())
	assert.False(t, param.CollectGrad(map[*tensor.RawTensor]*tensor.RawTensor{}))
}

func TestLinear_Creation(t *testing.T) {
	backend := newBackend()

	layer := nn.NewLinear(4, 3, true, backend)
	assert.Equal(t, 4, layer.InFeatures())
	assert.Equal(t, 3, layer.OutFeatures())
	assert.Equal(t, tensor.Shape{3, 4}, layer.Weight().Tensor().Shape())
	assert.Equal(t, []float32{0, 0, 0}, layer.Bias().Tensor().Data())
	assert.Len(t, layer.Parameters(), 2)

	noBias := nn.NewLinear(4, 3, false, backend)
	assert.Nil(t, noBias.Bias())
	assert.Len(t, noBias.Parameters(), 1)

	assert.Panics(t, func() { nn.NewLinear(0, 3, true, backend) })
}

func TestLinear_Forward(t *testing.T) {
	backend := newBackend()
	layer := nn.NewLinear(2, 2, true, backend)
	copy(layer.Weight().Tensor().Data(), []float32{1, 2, 3, 4})
	copy(layer.Bias().Tensor().Data(), []float32{0.5, 1.0})

	// [1, 1] @ [[1, 3], [2, 4]] + [0.5, 1] = [3.5, 8]
	output := layer.Forward(fromSlice(t, []float32{1, 1}, tensor.Shape{1, 2}, backend))
	assert.Equal(t, tensor.Shape{1, 2}, output.Shape())
	assert.InDeltaSlice(t, []float32{3.5, 8.0}, output.Data(), 1e-5)
}

func TestLinear_ForwardLeadingAxes(t *testing.T) {
	backend := newBackend()
	layer := nn.NewLinear(2, 2, true, backend)
	copy(layer.Weight().Tensor().Data(), []float32{1, 2, 3, 4})
	copy(layer.Bias().Tensor().Data(), []float32{0.5, 1.0})

	x := []float32{1, 1, 0, 1, 2, 0, -1, 1, 0, 0, 1, -1}
	output := layer.Forward(fromSlice(t, x, tensor.Shape{2, 3, 2}, backend))
	require.Equal(t, tensor.Shape{2, 3, 2}, output.Shape())

	want := make([]float32, 0, 12)
	for i := 0; i < len(x); i += 2 {
		want = append(want, x[i]+2*x[i+1]+0.5, 3*x[i]+4*x[i+1]+1)
	}
	assert.InDeltaSlice(t, want, output.Data(), 1e-5)
}

func TestLinear_ForwardPanics(t *testing.T) {
	backend := newBackend()
	layer := nn.NewLinear(3, 2, true, backend)

	assert.Panics(t, func() { layer.Forward(fromSlice(t, []float32{1, 2, 3}, tensor.Shape{3}, backend)) })
	assert.Panics(t, func() { layer.Forward(tensor.Zeros[float32](tensor.Shape{2, 4}, backend)) })
}

func TestLinear_Backward(t *testing.T) {
	backend := newRecording(t)
	layer := nn.NewLinear(2, 3, true, backend)

	x := fromSlice(t, []float32{1, 2, 3, 4}, tensor.Shape{2, 2}, backend)
	loss := layer.Forward(x).Sum()
	grads := autodiff.Backward(loss, backend)

	// dW[o, i] = sum over batch of x[:, i]; db[o] = batch.
	assert.InDeltaSlice(t, []float32{4, 6, 4, 6, 4, 6}, gradOf(t, grads, layer.Weight()), 1e-5)
	assert.InDeltaSlice(t, []float32{2, 2, 2}, gradOf(t, grads, layer.Bias()), 1e-5)
}

func TestLinear_StateDict(t *testing.T) {
	backend := newBackend()
	src := nn.NewLinear(3, 2, true, backend)
	copy(src.Bias().Tensor().Data(), []float32{1, 2})

	dst := nn.NewLinear(3, 2, true, backend)
	require.NoError(t, dst.LoadStateDict(src.StateDict()))
	assert.Equal(t, src.Weight().Tensor().Data(), dst.Weight().Tensor().Data())
	assert.Equal(t, []float32{1, 2}, dst.Bias().Tensor().Data())

	wrong := src.StateDict()
	wrong["bias"] = tensor.MustRaw(tensor.Shape{3}, tensor.Float32, tensor.CPU)
	before := append([]float32(nil), dst.Weight().Tensor().Data()...)
	copy(src.Weight().Tensor().Data(), []float32{9, 9, 9, 9, 9, 9})
	assert.ErrorContains(t, dst.LoadStateDict(wrong), "bias shape mismatch")
	assert.Equal(t, before, dst.Weight().Tensor().Data(), "weight must not change when bias is invalid")

	delete(wrong, "weight")
	assert.ErrorContains(t, dst.LoadStateDict(wrong), "missing weight")
}

func TestEmbedding_Forward(t *testing.T) {
	backend := newBackend()
	weight := fromSlice(t, []float32{0, 1, 10, 11, 20, 21}, tensor.Shape{3, 2}, backend)
	embed := nn.NewEmbeddingWithWeight(weight)
	assert.Equal(t, nn.NoPadding, embed.PaddingIdx)

	out := embed.Forward(indices(t, []int32{2, 0, 1, 2}, tensor.Shape{2, 2}, backend))
	assert.Equal(t, tensor.Shape{2, 2, 2}, out.Shape())
	assert.Equal(t, []float32{20, 21, 0, 1, 10, 11, 20, 21}, out.Data())

	assert.Panics(t, func() { embed.Forward(indices(t, []int32{3}, tensor.Shape{1}, backend)) })
}

func TestEmbedding_Padding(t *testing.T) {
	backend := newRecording(t)
	embed := nn.NewEmbeddingWithPadding(4, 2, 0, backend)
	assert.Equal(t, []float32{0, 0}, embed.Weight.Tensor().Data()[:2], "padding row starts at zero")

	out := embed.Forward(indices(t, []int32{0, 2, 2}, tensor.Shape{3}, backend))
	grads := autodiff.Backward(out.Sum(), backend)
	assert.Equal(t, []float32{0, 0, 0, 0, 2, 2, 0, 0}, gradOf(t, grads, embed.Weight))

	last := nn.NewEmbeddingWithPadding(4, 2, -2, backend)
	assert.Equal(t, 2, last.PaddingIdx)
	assert.Panics(t, func() { nn.NewEmbeddingWithPadding(4, 2, 4, backend) })
	assert.Panics(t, func() { nn.NewEmbedding(0, 2, backend) })
}

func TestConv1D_Forward(t *testing.T) {
	backend := newBackend()
	conv := nn.NewConv1D(1, 1, 2, 1, 1, true, backend)
	copy(conv.Weight().Tensor().Data(), []float32{1, -1})
	copy(conv.Bias().Tensor().Data(), []float32{0.5})

	out := conv.Forward(fromSlice(t, []float32{1, 2, 3, 4}, tensor.Shape{1, 1, 4}, backend))
	require.Equal(t, tensor.Shape{1, 1, 5}, out.Shape())
	assert.InDeltaSlice(t, []float32{-0.5, -0.5, -0.5, -0.5, 4.5}, out.Data(), 1e-5)
	assert.Equal(t, 5, conv.ComputeOutputSize(4))
	assert.Equal(t, "Conv1D(in_channels=1, out_channels=1, kernel_size=2, stride=1, padding=1, bias=true)", conv.String())
}

func TestConv1D_Backward(t *testing.T) {
	backend := newRecording(t)
	conv := nn.NewConv1D(2, 3, 3, 2, 0, true, backend)

	x := tensor.Randn(tensor.Shape{2, 2, 9}, backend)
	out := conv.Forward(x)
	require.Equal(t, tensor.Shape{2, 3, 4}, out.Shape())

	grads := autodiff.Backward(out.Sum(), backend)
	assert.InDeltaSlice(t, []float32{8, 8, 8}, gradOf(t, grads, conv.Bias()), 1e-5)
	assert.Len(t, gradOf(t, grads, conv.Weight()), 3*2*3)
}

func TestConv1D_Validation(t *testing.T) {
	backend := newBackend()

	assert.Panics(t, func() { nn.NewConv1D(0, 1, 1, 1, 0, true, backend) })
	assert.Panics(t, func() { nn.NewConv1D(1, 1, 0, 1, 0, true, backend) })
	assert.Panics(t, func() { nn.NewConv1D(1, 1, 1, 0, 0, true, backend) })
	assert.Panics(t, func() { nn.NewConv1D(1, 1, 1, 1, -1, true, backend) })

	conv := nn.NewConv1D(2, 1, 1, 1, 0, false, backend)
	assert.Panics(t, func() { conv.Forward(tensor.Zeros[float32](tensor.Shape{1, 3, 4}, backend)) })
	assert.Panics(t, func() { conv.Forward(tensor.Zeros[float32](tensor.Shape{2, 4}, backend)) })
}

func TestSequential(t *testing.T) {
	backend := newBackend()
	first := nn.NewLinear(3, 4, true, backend)
	second := nn.NewLinear(4, 2, false, backend)

	model := nn.NewSequential[Backend](first)
	model.Add(second)
	assert.Equal(t, 2, model.Len())
	assert.Equal(t, nn.Module[Backend](second), model.Module(1))
	assert.Panics(t, func() { model.Module(2) })

	out := model.Forward(tensor.Randn(tensor.Shape{5, 3}, backend))
	assert.Equal(t, tensor.Shape{5, 2}, out.Shape())
	assert.Len(t, model.Parameters(), 3)

	state := model.StateDict()
	assert.Len(t, state, 3)
	assert.Contains(t, state, "0.bias")
	assert.Contains(t, state, "1.weight")

	other := nn.NewSequential[Backend](nn.NewLinear(3, 4, true, backend), nn.NewLinear(4, 2, false, backend))
	require.NoError(t, other.LoadStateDict(state))
	assert.Equal(t, second.Weight().Tensor().Data(), other.Module(1).Parameters()[0].Tensor().Data())

	delete(state, "1.weight")
	assert.ErrorContains(t, other.LoadStateDict(state), "failed to load module 1")
}

func TestMSELoss(t *testing.T) {
	backend := newRecording(t)
	mse := nn.NewMSELoss(backend)

	predictions := fromSlice(t, []float32{1, 2, 3}, tensor.Shape{3}, backend)
	targets := fromSlice(t, []float32{1, 1, 1}, tensor.Shape{3}, backend)
	loss := mse.Forward(predictions, targets)

	// mean(0 + 1 + 4)
	assert.InDelta(t, 5.0/3.0, loss.Item(), 1e-5)
	assert.Empty(t, mse.Parameters())

	grads := autodiff.Backward(loss, backend)
	assert.InDeltaSlice(t, []float32{0, 2.0 / 3, 4.0 / 3}, grads[predictions.Raw()].AsFloat32(), 1e-5)

	assert.Panics(t, func() { mse.Forward(predictions, tensor.Zeros[float32](tensor.Shape{2}, backend)) })
}

func TestInitialization(t *testing.T) {
	backend := newBackend()

	bound := math.Sqrt(6.0 / 150.0)
	for _, v := range nn.Xavier(100, 50, tensor.Shape{50, 100}, backend).Data() {
		assert.LessOrEqual(t, math.Abs(float64(v)), bound)
	}

	bound = 1 / math.Sqrt(16)
	for _, v := range nn.FanInUniform(16, tensor.Shape{4, 16}, backend).Data() {
		assert.LessOrEqual(t, math.Abs(float64(v)), bound)
	}

	assert.Equal(t, []float32{1, 1}, nn.Ones(tensor.Shape{2}, backend).Data())
	assert.Equal(t, tensor.Shape{2, 3}, nn.Randn(tensor.Shape{2, 3}, backend).Shape())
}
