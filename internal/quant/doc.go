// Package quant implements fake-quantization transforms for quantization-aware
// training.
//
// Two quantizers share one contract:
//   - Symmetric: clamp, then round to a uniform grid of 2^(bits-1)-1 levels per
//     sign, with a scale taken from the group's max magnitude
//   - Ternary: clamp, then collapse each element to {-alpha, 0, +alpha} using
//     a threshold of 0.7 times the group's mean magnitude
//
// Both are autodiff.Function implementations. Their backward pass is a
// straight-through estimator: the incoming gradient passes unchanged except
// where the original input lay on or outside the clip range, where it is zero.
//
//	q, _ := quant.ForWeights(2, true, quant.SymmetricClip(2.5))
//	wq, err := quant.Apply(q, weight) // recorded on the tape when recording
package quant
