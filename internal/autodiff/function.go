package autodiff

import (
	"fmt"
	"sync"

	"github.com/born-ml/qat/internal/tensor"
)

// Function is a differentiable operation defined outside the backend, such as a
// quantizer with a straight-through gradient.
//
// Forward computes the output from raw inputs and may stash whatever Backward
// needs in ctx. Backward returns one gradient per input (nil for inputs that
// receive none).
type Function interface {
	Forward(ctx *Context, inputs ...*tensor.RawTensor) (*tensor.RawTensor, error)
	Backward(ctx *Context, outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor
}

// Context carries state from one Function forward call to its backward call.
//
// Each Apply creates a fresh Context, so concurrent forward calls never share
// saved state. The context is released once its backward pass has run.
type Context struct {
	mu       sync.Mutex
	saved    []*tensor.RawTensor
	values   map[string]any
	released bool
}

func newContext() *Context {
	return &Context{values: make(map[string]any)}
}

// SaveForBackward stores tensors for the backward pass.
func (c *Context) SaveForBackward(ts ...*tensor.RawTensor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved = append(c.saved, ts...)
}

// Saved returns the tensors stored by SaveForBackward.
// Panics if the context has been released.
func (c *Context) Saved() []*tensor.RawTensor {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mustBeLive()
	return c.saved
}

// SetValue stores a non-tensor value under key.
func (c *Context) SetValue(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = v
}

// Value returns the value stored under key, or nil.
// Panics if the context has been released.
func (c *Context) Value(key string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mustBeLive()
	return c.values[key]
}

// Released reports whether the backward pass has consumed this context.
func (c *Context) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

func (c *Context) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved = nil
	c.values = nil
	c.released = true
}

func (c *Context) mustBeLive() {
	if c.released {
		panic("autodiff: context already released by a previous backward pass")
	}
}

// Apply runs fn on inputs. When backend records on a tape, the call is
// recorded so fn.Backward runs during the backward pass; otherwise only the
// forward pass runs.
//
// Example:
//
//	out, err := autodiff.Apply(backend, quantizer, weight.Raw())
func Apply(backend tensor.Backend, fn Function, inputs ...*tensor.RawTensor) (*tensor.RawTensor, error) {
	ctx := newContext()
	output, err := fn.Forward(ctx, inputs...)
	if err != nil {
		return nil, err
	}
	if output == nil {
		return nil, fmt.Errorf("autodiff: %T.Forward returned no output", fn)
	}

	if bc, ok := backend.(BackwardCapable); ok && bc.GetTape().IsRecording() {
		bc.GetTape().Record(&functionOp{
			fn:     fn,
			ctx:    ctx,
			inputs: inputs,
			output: output,
		})
	} else {
		ctx.release()
	}
	return output, nil
}

// functionOp adapts a Function call to the tape's Operation interface.
type functionOp struct {
	fn     Function
	ctx    *Context
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
}

func (op *functionOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	if op.ctx.Released() {
		panic(fmt.Sprintf("autodiff: %T backward called twice", op.fn))
	}

	grads := op.fn.Backward(op.ctx, outputGrad, backend)
	op.ctx.release()
	return grads
}

func (op *functionOp) Inputs() []*tensor.RawTensor {
	return op.inputs
}

func (op *functionOp) Output() *tensor.RawTensor {
	return op.output
}
