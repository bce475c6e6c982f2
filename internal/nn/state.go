package nn

import (
	"fmt"

	"github.com/born-ml/qat/internal/quant"
	"github.com/born-ml/qat/internal/tensor"
)

// State dict keys shared by every layer.
const (
	keyWeight     = "weight"
	keyBias       = "bias"
	keyWeightClip = "weight_clip_val"
	keyActClip    = "act_clip_val"
)

// checkParam validates stateDict[key] against param's shape and dtype.
func checkParam[B tensor.Backend](stateDict map[string]*tensor.RawTensor, key string, param *Parameter[B]) error {
	raw, ok := stateDict[key]
	if !ok {
		return fmt.Errorf("missing %s in state dict", key)
	}
	want := param.Tensor().Shape()
	if !raw.Shape().Equal(want) {
		return fmt.Errorf("%s shape mismatch: expected %v, got %v", key, want, raw.Shape())
	}
	if raw.DType() != tensor.Float32 {
		return fmt.Errorf("%s dtype mismatch: expected float32, got %v", key, raw.DType())
	}
	return nil
}

// loadParam validates stateDict[key] and copies it into param.
func loadParam[B tensor.Backend](stateDict map[string]*tensor.RawTensor, key string, param *Parameter[B]) error {
	if err := checkParam(stateDict, key, param); err != nil {
		return err
	}
	copy(param.Tensor().Data(), stateDict[key].AsFloat32())
	return nil
}

// paramsState builds the weight/bias part of a state dict.
func paramsState[B tensor.Backend](weight, bias *Parameter[B]) map[string]*tensor.RawTensor {
	stateDict := map[string]*tensor.RawTensor{keyWeight: weight.Tensor().Raw()}
	if bias != nil {
		stateDict[keyBias] = bias.Tensor().Raw()
	}
	return stateDict
}

// loadParams restores weight and, when present, bias. Nothing is copied
// unless both validate.
func loadParams[B tensor.Backend](stateDict map[string]*tensor.RawTensor, weight, bias *Parameter[B]) error {
	if err := checkParam(stateDict, keyWeight, weight); err != nil {
		return err
	}
	if bias != nil {
		if err := loadParam(stateDict, keyBias, bias); err != nil {
			return err
		}
	}
	return loadParam(stateDict, keyWeight, weight)
}

// clipBuffer encodes a clip range as a [low, high] float32 tensor.
func clipBuffer(clip quant.ClipRange, device tensor.Device) *tensor.RawTensor {
	raw, err := tensor.RawFromFloat32(clip.Slice(), tensor.Shape{2}, device)
	if err != nil {
		panic(err)
	}
	return raw
}

// loadClip decodes stateDict[key] into a clip range.
func loadClip(stateDict map[string]*tensor.RawTensor, key string) (quant.ClipRange, error) {
	raw, ok := stateDict[key]
	if !ok {
		return quant.ClipRange{}, fmt.Errorf("missing %s in state dict", key)
	}
	if raw.DType() != tensor.Float32 || !raw.Shape().Equal(tensor.Shape{2}) {
		return quant.ClipRange{}, fmt.Errorf("%s: expected float32 [2], got %v %v", key, raw.DType(), raw.Shape())
	}
	clip, err := quant.ClipFromSlice(raw.AsFloat32())
	if err != nil {
		return quant.ClipRange{}, fmt.Errorf("%s: %w", key, err)
	}
	return clip, nil
}

// copyParam overwrites dst's data with src's after checking shapes match.
func copyParam[B tensor.Backend](dst, src *Parameter[B]) error {
	if !dst.Tensor().Shape().Equal(src.Tensor().Shape()) {
		return fmt.Errorf("%s shape mismatch: expected %v, got %v", dst.Name(), dst.Tensor().Shape(), src.Tensor().Shape())
	}
	copy(dst.Tensor().Data(), src.Tensor().Data())
	return nil
}
