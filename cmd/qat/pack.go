package main

import (
	"fmt"
	"io"
	"math"

	"github.com/spf13/cobra"

	"github.com/born-ml/qat/backend/cpu"
	"github.com/born-ml/qat/quant"
	"github.com/born-ml/qat/tensor"
)

type packOptions struct {
	rows, cols int
	bits       int
	rowwise    bool
	clip       float32
	scale      string
}

var scaleFormats = map[string]quant.ScaleFormat{
	"f32":  quant.ScaleFloat32,
	"f16":  quant.ScaleFloat16,
	"bf16": quant.ScaleBFloat16,
}

func newPackCmd() *cobra.Command {
	var opts packOptions
	packCmd := &cobra.Command{
		Use:   "pack",
		Short: "Quantize a random weight and report its packed size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPack(cmd.OutOrStdout(), opts)
		},
	}

	packCmd.Flags().IntVar(&opts.rows, "rows", 256, "Weight rows")
	packCmd.Flags().IntVar(&opts.cols, "cols", 256, "Weight columns")
	packCmd.Flags().IntVar(&opts.bits, "bits", 2, "Weight bits (2 is ternary, at most 8 can be packed)")
	packCmd.Flags().BoolVar(&opts.rowwise, "rowwise", false, "One scale per row instead of per tensor")
	packCmd.Flags().Float32Var(&opts.clip, "clip", 2.5, "Symmetric clip value")
	packCmd.Flags().StringVar(&opts.scale, "scale", "f32", "Scale format: f32, f16 or bf16")
	return packCmd
}

func runPack(w io.Writer, opts packOptions) error {
	if opts.rows <= 0 || opts.cols <= 0 {
		return fmt.Errorf("invalid weight shape %dx%d", opts.rows, opts.cols)
	}
	format, ok := scaleFormats[opts.scale]
	if !ok {
		return fmt.Errorf("unknown scale format %q", opts.scale)
	}

	spec := quant.Spec{Bits: opts.bits, Layerwise: !opts.rowwise, Clip: quant.SymmetricClip(opts.clip)}
	q, err := quant.ForWeights(spec.Bits, spec.Layerwise, spec.Clip)
	if err != nil {
		return err
	}

	shape := tensor.Shape{opts.rows, opts.cols}
	data := tensor.Randn(shape, cpu.New()).Data()
	want, err := q.Quantize(data, shape)
	if err != nil {
		return err
	}

	var packed *quant.Packed
	if opts.bits == 2 {
		packed, err = quant.PackTernary(data, shape, spec, format)
	} else {
		packed, err = quant.PackSymmetric(data, shape, spec, format)
	}
	if err != nil {
		return err
	}
	got, err := packed.Unpack()
	if err != nil {
		return err
	}

	var maxErr float64
	for i := range got {
		maxErr = math.Max(maxErr, math.Abs(float64(got[i]-want[i])))
	}

	size := len(packed.Codes) + len(packed.Scales)
	full := 4 * shape.NumElements()
	fmt.Fprintf(w, "weight     %v, %d bits, %s scales\n", shape, opts.bits, opts.scale)
	fmt.Fprintf(w, "groups     %d of %d\n", shape.NumElements()/packed.GroupSize, packed.GroupSize)
	fmt.Fprintf(w, "size       %d bytes (float32 %d bytes, %.1fx smaller)\n", size, full, float64(full)/float64(size))
	fmt.Fprintf(w, "max error  %g\n", maxErr)
	return nil
}
