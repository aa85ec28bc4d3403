package edc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/samcharles93/recast/internal/safetensors"
)

// DefaultTensorAlign is the alignment applied to each tensor payload inside
// SectionTensorData. 64 bytes keeps payloads cache-line aligned for mmap
// consumers.
const DefaultTensorAlign = 64

// PackOptions describes one packing run.
type PackOptions struct {
	// StateDictPath is the intermediate safetensors state dict whose tensors
	// become SectionTensorData and SectionTensorIndex.
	StateDictPath string

	// ConfigYAML is the rendered model config, stored as SectionConfigYAML.
	ConfigYAML []byte

	// TokenizerPath optionally names a tokenizer model file to embed as
	// SectionTokenizerModel. Empty skips the section.
	TokenizerPath string

	// Info becomes SectionModelInfo.
	Info *ModelInfo

	OutputPath string

	// TensorAlign overrides DefaultTensorAlign when > 0. Must be a power of
	// two and a multiple of 8.
	TensorAlign int
}

// Pack writes a complete EDC container from the given inputs. Tensor payloads
// are streamed from the state dict one at a time, so peak memory stays near
// the copy buffer size regardless of model size.
func Pack(opts PackOptions) error {
	if opts.StateDictPath == "" {
		return errors.New("edc: pack requires a state dict path")
	}
	if opts.OutputPath == "" {
		return errors.New("edc: pack requires an output path")
	}
	if opts.Info == nil {
		return errors.New("edc: pack requires model info")
	}
	if len(opts.ConfigYAML) == 0 {
		return errors.New("edc: pack requires config YAML")
	}

	align := opts.TensorAlign
	if align <= 0 {
		align = DefaultTensorAlign
	}
	if align&(align-1) != 0 || align%edcAlign != 0 {
		return fmt.Errorf("edc: tensor alignment %d must be a power of two and a multiple of %d", align, edcAlign)
	}

	sd, err := safetensors.OpenFile(opts.StateDictPath)
	if err != nil {
		return fmt.Errorf("edc: open state dict: %w", err)
	}
	defer func() { _ = sd.Close() }()

	out, err := os.Create(opts.OutputPath)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	w, err := NewWriter(out)
	if err != nil {
		return err
	}
	if align%64 == 0 {
		if err := w.AddFlags(FlagTensorDataAligned64); err != nil {
			return err
		}
	}

	records, err := writeTensorData(w, sd, align)
	if err != nil {
		return err
	}

	idx, err := EncodeTensorIndexSection(records)
	if err != nil {
		return err
	}
	if err := w.WriteSection(SectionTensorIndex, TensorIndexVersion, idx); err != nil {
		return err
	}

	info, err := EncodeModelInfo(opts.Info)
	if err != nil {
		return err
	}
	if err := w.WriteSection(SectionModelInfo, 1, info); err != nil {
		return err
	}
	if err := w.WriteSection(SectionConfigYAML, 1, opts.ConfigYAML); err != nil {
		return err
	}

	if opts.TokenizerPath != "" {
		tok, err := os.Open(opts.TokenizerPath)
		if err != nil {
			return fmt.Errorf("edc: open tokenizer: %w", err)
		}
		_, err = w.WriteSectionFromReader(SectionTokenizerModel, 1, tok)
		_ = tok.Close()
		if err != nil {
			return err
		}
	}

	if err := w.Finalise(); err != nil {
		return err
	}
	return out.Close()
}

// writeTensorData streams every state-dict tensor into SectionTensorData in
// name order and returns index records with absolute file offsets.
func writeTensorData(w *Writer, sd *safetensors.File, align int) ([]TensorIndexRecord, error) {
	sw, err := w.BeginSection(SectionTensorData, 1)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(sd.Tensors))
	for name := range sd.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	records := make([]TensorIndexRecord, 0, len(names))
	for _, name := range names {
		r, info, err := sd.TensorReader(name)
		if err != nil {
			return nil, err
		}
		dt, err := DTypeFromString(info.DType)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}

		if err := sw.Align(align); err != nil {
			return nil, err
		}
		off, err := sw.CurrentAbsOffset()
		if err != nil {
			return nil, err
		}
		n, err := io.Copy(sw, r)
		if err != nil {
			return nil, fmt.Errorf("copy tensor %s: %w", name, err)
		}
		if n != info.Size() {
			return nil, fmt.Errorf("tensor %s: copied %d of %d bytes", name, n, info.Size())
		}

		shape := make([]uint64, len(info.Shape))
		for i, d := range info.Shape {
			shape[i] = uint64(d)
		}
		records = append(records, TensorIndexRecord{
			Name:     name,
			DType:    dt,
			Shape:    shape,
			DataOff:  off,
			DataSize: uint64(n),
		})
	}

	if err := sw.End(); err != nil {
		return nil, err
	}
	return records, nil
}

// DTypeFromString maps a safetensors dtype identifier to the container enum.
func DTypeFromString(s string) (TensorDType, error) {
	switch s {
	case "F32":
		return DTypeF32, nil
	case "F16":
		return DTypeF16, nil
	case "BF16":
		return DTypeBF16, nil
	case "F64":
		return DTypeF64, nil
	case "I8":
		return DTypeI8, nil
	case "U8":
		return DTypeU8, nil
	case "I16":
		return DTypeI16, nil
	case "U16":
		return DTypeU16, nil
	case "I32":
		return DTypeI32, nil
	case "U32":
		return DTypeU32, nil
	case "I64":
		return DTypeI64, nil
	case "U64":
		return DTypeU64, nil
	default:
		return DTypeUnknown, fmt.Errorf("unsupported dtype %s", s)
	}
}
