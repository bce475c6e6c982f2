package autodiff_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/qat/internal/autodiff"
	"github.com/born-ml/qat/internal/backend/cpu"
	"github.com/born-ml/qat/internal/tensor"
)

type Backend = *autodiff.AutodiffBackend[*cpu.CPUBackend]

func newRecording(t *testing.T) Backend {
	t.Helper()
	backend := autodiff.New(cpu.New())
	backend.Tape().StartRecording()
	return backend
}

func fromSlice(t *testing.T, data []float32, shape tensor.Shape, b Backend) *tensor.Tensor[float32, Backend] {
	t.Helper()
	x, err := tensor.FromSlice(data, shape, b)
	require.NoError(t, err)
	return x
}

func TestAutodiffBackend_Metadata(t *testing.T) {
	backend := autodiff.New(cpu.New())
	assert.Equal(t, "Autodiff(CPU)", backend.Name())
	assert.Equal(t, tensor.CPU, backend.Device())
	assert.NotNil(t, backend.Inner())
}

func TestTape_RecordingAndClear(t *testing.T) {
	backend := autodiff.New(cpu.New())
	tape := backend.Tape()
	assert.False(t, tape.IsRecording())

	a := fromSlice(t, []float32{1, 2}, tensor.Shape{2}, backend)
	a.Add(a)
	assert.Equal(t, 0, tape.NumOps(), "nothing is recorded before StartRecording")

	tape.StartRecording()
	a.Add(a)
	assert.Equal(t, 1, tape.NumOps())

	tape.Clear()
	assert.Equal(t, 0, tape.NumOps())
	assert.True(t, tape.IsRecording(), "Clear preserves recording state")

	tape.StopRecording()
	assert.False(t, tape.IsRecording())
}

func TestNoGrad(t *testing.T) {
	backend := newRecording(t)
	a := fromSlice(t, []float32{1, 2}, tensor.Shape{2}, backend)

	a.Mul(a)
	before := backend.Tape().NumOps()

	backend.NoGrad(func() {
		a.Sub(a)
		assert.False(t, backend.Tape().IsRecording())
	})
	assert.Equal(t, before, backend.Tape().NumOps())
	assert.True(t, backend.Tape().IsRecording(), "recording resumes after NoGrad")
}

func TestBackward_Square(t *testing.T) {
	backend := newRecording(t)
	x := fromSlice(t, []float32{1, -2, 3}, tensor.Shape{3}, backend)

	loss := x.Mul(x).Sum()
	grads := autodiff.Backward(loss, backend)

	assert.InDeltaSlice(t, []float32{2, -4, 6}, grads[x.Raw()].AsFloat32(), 1e-6)
}

func TestBackward_BroadcastAdd(t *testing.T) {
	backend := newRecording(t)
	a := fromSlice(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, backend)
	bias := fromSlice(t, []float32{10, 20, 30}, tensor.Shape{3}, backend)

	out := a.Add(bias)
	assert.Equal(t, []float32{11, 22, 33, 14, 25, 36}, out.Data())

	grads := autodiff.Backward(out.Sum(), backend)
	assert.Equal(t, tensor.Shape{3}, grads[bias.Raw()].Shape())
	assert.InDeltaSlice(t, []float32{2, 2, 2}, grads[bias.Raw()].AsFloat32(), 1e-6)
	assert.InDeltaSlice(t, []float32{1, 1, 1, 1, 1, 1}, grads[a.Raw()].AsFloat32(), 1e-6)
}

func TestBackward_SubAndScalar(t *testing.T) {
	backend := newRecording(t)
	a := fromSlice(t, []float32{1, 2}, tensor.Shape{2}, backend)
	b := fromSlice(t, []float32{5, 7}, tensor.Shape{1, 2}, backend)

	loss := a.Sub(b).MulScalar(3).Sum()
	grads := autodiff.Backward(loss, backend)

	assert.InDeltaSlice(t, []float32{3, 3}, grads[a.Raw()].AsFloat32(), 1e-6)
	assert.InDeltaSlice(t, []float32{-3, -3}, grads[b.Raw()].AsFloat32(), 1e-6)
}

func TestBackward_MatMulThroughTranspose(t *testing.T) {
	backend := newRecording(t)
	x := fromSlice(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, backend)
	// w is [out=2, in=3]; y = x @ wᵀ like a Linear layer.
	w := fromSlice(t, []float32{1, 0, -1, 2, 1, 0}, tensor.Shape{2, 3}, backend)

	y := x.MatMul(w.T())
	assert.InDeltaSlice(t, []float32{-2, 4, -2, 13}, y.Data(), 1e-5)

	grads := autodiff.Backward(y.Sum(), backend)
	// ∂/∂w[o, i] = Σ_n x[n, i]
	assert.InDeltaSlice(t, []float32{5, 7, 9, 5, 7, 9}, grads[w.Raw()].AsFloat32(), 1e-5)
	// ∂/∂x[n, i] = Σ_o w[o, i]
	assert.InDeltaSlice(t, []float32{3, 1, -1, 3, 1, -1}, grads[x.Raw()].AsFloat32(), 1e-5)
}

func TestBackward_GradientAccumulation(t *testing.T) {
	backend := newRecording(t)
	x := fromSlice(t, []float32{2}, tensor.Shape{1}, backend)

	// y = x*x + x → dy/dx = 2x + 1
	y := x.Mul(x).Add(x)
	grads := autodiff.Backward(y, backend)
	assert.InDelta(t, 5.0, grads[x.Raw()].AsFloat32()[0], 1e-6)
}

func TestBackward_Transpose3D(t *testing.T) {
	backend := newRecording(t)
	data := make([]float32, 24)
	for i := range data {
		data[i] = float32(i)
	}
	x := fromSlice(t, data, tensor.Shape{2, 3, 4}, backend)
	weights := make([]float32, 24)
	for i := range weights {
		weights[i] = float32(i % 5)
	}
	y := x.Transpose(2, 0, 1)
	require.Equal(t, tensor.Shape{4, 2, 3}, y.Shape())
	r := fromSlice(t, weights, tensor.Shape{4, 2, 3}, backend)

	grads := autodiff.Backward(y.Mul(r).Sum(), backend)
	got := grads[x.Raw()]
	require.Equal(t, tensor.Shape{2, 3, 4}, got.Shape())

	// grad_x[a, b, c] = r[c, a, b]
	gx := got.AsFloat32()
	for a := 0; a < 2; a++ {
		for b := 0; b < 3; b++ {
			for c := 0; c < 4; c++ {
				assert.Equal(t, weights[c*6+a*3+b], gx[a*12+b*4+c])
			}
		}
	}
}

func TestBackward_ReshapeRoutesToSource(t *testing.T) {
	backend := newRecording(t)
	bias := fromSlice(t, []float32{1, 2}, tensor.Shape{2}, backend)
	x := tensor.Ones[float32](tensor.Shape{3, 2, 4}, backend)

	out := x.Add(bias.Reshape(1, 2, 1))
	grads := autodiff.Backward(out.Sum(), backend)

	assert.Equal(t, tensor.Shape{2}, grads[bias.Raw()].Shape())
	assert.InDeltaSlice(t, []float32{12, 12}, grads[bias.Raw()].AsFloat32(), 1e-6)
}

func TestBackward_EmbeddingPaddingRow(t *testing.T) {
	backend := newRecording(t)
	weight := fromSlice(t, []float32{1, 1, 2, 2, 3, 3}, tensor.Shape{3, 2}, backend)
	indices, err := tensor.FromSlice([]int32{0, 1, 1, 2, 2}, tensor.Shape{5}, backend)
	require.NoError(t, err)

	out := weight.Embedding(indices, 1)
	assert.Equal(t, []float32{1, 1, 2, 2, 2, 2, 3, 3, 3, 3}, out.Data())

	grads := autodiff.Backward(out.Sum(), backend)
	assert.Equal(t, []float32{1, 1, 0, 0, 2, 2}, grads[weight.Raw()].AsFloat32())
}

// TestBackward_Conv1DNumerical compares the analytic Conv1D gradients with
// central finite differences.
func TestBackward_Conv1DNumerical(t *testing.T) {
	const (
		stride  = 2
		padding = 1
		eps     = 1e-2
	)
	inputData := []float32{0.5, -1, 0.25, 2, -0.75, 1.5, 0.1, -0.3, 0.8, 1.2, -1.1, 0.6, 0.9, -0.2}
	kernelData := []float32{0.3, -0.6, 0.9, 0.2, 0.4, -0.1, -0.5, 0.7, 0.05, 0.25, -0.35, 0.45}
	inShape := tensor.Shape{1, 2, 7}
	kShape := tensor.Shape{2, 2, 3}

	plain := cpu.New()
	// Fixed projection so the loss depends on every output position differently.
	proj := func(n int) []float32 {
		p := make([]float32, n)
		for i := range p {
			p[i] = float32(i%3) - 0.5
		}
		return p
	}
	loss := func(in, k []float32) float32 {
		x, _ := tensor.FromSlice(in, inShape, plain)
		w, _ := tensor.FromSlice(k, kShape, plain)
		y := x.Conv1D(w, stride, padding)
		p, _ := tensor.FromSlice(proj(y.NumElements()), y.Shape(), plain)
		return y.Mul(p).Sum().Item()
	}

	backend := newRecording(t)
	x := fromSlice(t, inputData, inShape, backend)
	w := fromSlice(t, kernelData, kShape, backend)
	y := x.Conv1D(w, stride, padding)
	require.Equal(t, tensor.Shape{1, 2, 4}, y.Shape())
	p := fromSlice(t, proj(y.NumElements()), y.Shape(), backend)
	grads := autodiff.Backward(y.Mul(p).Sum(), backend)

	check := func(name string, data []float32, analytic []float32, f func([]float32) float32) {
		for i := range data {
			orig := data[i]
			data[i] = orig + eps
			plus := f(data)
			data[i] = orig - eps
			minus := f(data)
			data[i] = orig
			numeric := (plus - minus) / (2 * eps)
			assert.InDeltaf(t, numeric, analytic[i], 1e-2, "%s[%d]", name, i)
		}
	}
	in := append([]float32(nil), inputData...)
	check("input", in, grads[x.Raw()].AsFloat32(), func(d []float32) float32 { return loss(d, kernelData) })
	k := append([]float32(nil), kernelData...)
	check("kernel", k, grads[w.Raw()].AsFloat32(), func(d []float32) float32 { return loss(inputData, d) })
}

func TestBackward_IgnoresLaterOperations(t *testing.T) {
	backend := newRecording(t)
	x := fromSlice(t, []float32{3}, tensor.Shape{1}, backend)

	y := x.MulScalar(2)
	_ = y.Add(x) // recorded after y; must not contribute

	grads := autodiff.Backward(y, backend)
	assert.InDelta(t, 2.0, grads[x.Raw()].AsFloat32()[0], 1e-6)
}

func TestBackward_PanicsWithoutRecording(t *testing.T) {
	backend := autodiff.New(cpu.New())
	x := fromSlice(t, []float32{1}, tensor.Shape{1}, backend)
	assert.Panics(t, func() { autodiff.Backward(x, backend) })
}
