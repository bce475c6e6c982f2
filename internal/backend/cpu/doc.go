// Package cpu implements the pure Go CPU backend.
//
// Matrix products go through gonum's BLAS (blas32.Gemm); convolution lowers to
// im2col + Gemm and fans out over the batch with the internal worker pool.
package cpu
