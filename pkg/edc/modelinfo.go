package edc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

// ModelInfo payload format (v1), little-endian.
//
// Layout:
//   [0]   ModelInfoHeader
//   [8]   modelInfoFixedV1
//   [...] string/data blobs (length-prefixed), aligned to 8 bytes
//   [...] kv table (ModelInfoKV entries), aligned to 8 bytes
//
// String blob encoding:
//   u32 byte_len
//   []byte (byte_len bytes, no NUL terminator)
//   (then 8-byte alignment as needed)

const modelInfoVersionV1 uint32 = 1

type ModelInfoHeader struct {
	Version uint32 // = 1
	Flags   uint32 // reserved, must be zero
}

// Activation identifies the gated feed-forward nonlinearity of the converted
// model.
type Activation uint32

const (
	ActUnknown Activation = iota
	ActSwiGLU
	ActGeGLU
)

func (a Activation) String() string {
	switch a {
	case ActSwiGLU:
		return "swiglu"
	case ActGeGLU:
		return "geglu"
	default:
		return "unknown"
	}
}

const (
	KVUint32  = 1
	KVFloat32 = 2
	KVString  = 3
)

type ModelInfoKV struct {
	KeyOff   uint64
	Type     uint32
	_        uint32 // padding
	ValueOff uint64
}

// ModelInfo carries the enc-dec hyperparameters the target runtime needs to
// rebuild the converted model, plus free-form extras.
type ModelInfo struct {
	ModelName   string // output model label
	SourceModel string // source checkpoint identifier, e.g. google/t5-v1_1-large

	Activation Activation

	EncoderLayers uint32
	DecoderLayers uint32
	HiddenSize    uint32
	FFNHiddenSize uint32
	KVChannels    uint32
	HeadCount     uint32

	RelativeAttentionBuckets uint32
	VocabSize                uint32

	Extras map[string]any
}

type modelInfoFixedV1 struct {
	Activation uint32
	_          uint32 // padding

	EncoderLayers uint32
	DecoderLayers uint32
	HiddenSize    uint32
	FFNHiddenSize uint32
	KVChannels    uint32
	HeadCount     uint32

	RelativeAttentionBuckets uint32
	VocabSize                uint32

	ModelNameOff   uint64
	SourceModelOff uint64

	KVCount uint32
	_       uint32 // padding
	KVOff   uint64
}

func EncodeModelInfo(mi *ModelInfo) ([]byte, error) {
	if mi == nil {
		return nil, errors.New("modelinfo: nil ModelInfo")
	}

	hdr := ModelInfoHeader{Version: modelInfoVersionV1}

	var fixed modelInfoFixedV1
	fixed.Activation = uint32(mi.Activation)
	fixed.EncoderLayers = mi.EncoderLayers
	fixed.DecoderLayers = mi.DecoderLayers
	fixed.HiddenSize = mi.HiddenSize
	fixed.FFNHiddenSize = mi.FFNHiddenSize
	fixed.KVChannels = mi.KVChannels
	fixed.HeadCount = mi.HeadCount
	fixed.RelativeAttentionBuckets = mi.RelativeAttentionBuckets
	fixed.VocabSize = mi.VocabSize

	b := newBlobBuilder()

	// Reserve header + fixed up front; blob offsets start past the placeholder.
	b.addRaw(make([]byte, binary.Size(hdr)+binary.Size(fixed)))

	if mi.ModelName != "" {
		off, err := b.addString(mi.ModelName)
		if err != nil {
			return nil, err
		}
		fixed.ModelNameOff = off
	}
	if mi.SourceModel != "" {
		off, err := b.addString(mi.SourceModel)
		if err != nil {
			return nil, err
		}
		fixed.SourceModelOff = off
	}

	kvs, err := encodeExtrasKV(b, mi.Extras)
	if err != nil {
		return nil, err
	}

	b.align(8)
	kvOff := b.offset()
	for i := range kvs {
		if err := b.writeStruct(&kvs[i]); err != nil {
			return nil, err
		}
	}
	fixed.KVCount = uint32(len(kvs))
	fixed.KVOff = kvOff

	out := b.bytes()
	if len(out) < binary.Size(hdr)+binary.Size(fixed) {
		return nil, errors.New("modelinfo: internal size invariant failed")
	}

	// Patch header and fixed struct at the start.
	{
		var buf bytes.Buffer
		if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
			return nil, err
		}
		copy(out[0:binary.Size(hdr)], buf.Bytes())
	}
	{
		var buf bytes.Buffer
		if err := binary.Write(&buf, binary.LittleEndian, &fixed); err != nil {
			return nil, err
		}
		start := binary.Size(hdr)
		copy(out[start:start+binary.Size(fixed)], buf.Bytes())
	}

	return out, nil
}

func ParseModelInfo(data []byte) (*ModelInfo, error) {
	if len(data) < binary.Size(ModelInfoHeader{})+binary.Size(modelInfoFixedV1{}) {
		return nil, errors.New("modelinfo: payload too small")
	}

	var hdr ModelInfoHeader
	if err := readStructAt(data, 0, &hdr); err != nil {
		return nil, err
	}
	if hdr.Version != modelInfoVersionV1 {
		return nil, fmt.Errorf("modelinfo: unsupported version %d", hdr.Version)
	}
	if hdr.Flags != 0 {
		return nil, fmt.Errorf("modelinfo: unsupported flags 0x%x", hdr.Flags)
	}

	var fixed modelInfoFixedV1
	if err := readStructAt(data, uint64(binary.Size(hdr)), &fixed); err != nil {
		return nil, err
	}

	mi := &ModelInfo{
		Activation:               Activation(fixed.Activation),
		EncoderLayers:            fixed.EncoderLayers,
		DecoderLayers:            fixed.DecoderLayers,
		HiddenSize:               fixed.HiddenSize,
		FFNHiddenSize:            fixed.FFNHiddenSize,
		KVChannels:               fixed.KVChannels,
		HeadCount:                fixed.HeadCount,
		RelativeAttentionBuckets: fixed.RelativeAttentionBuckets,
		VocabSize:                fixed.VocabSize,
	}

	if fixed.ModelNameOff != 0 {
		s, err := readStringAt(data, fixed.ModelNameOff)
		if err != nil {
			return nil, fmt.Errorf("modelinfo: model_name: %w", err)
		}
		mi.ModelName = s
	}
	if fixed.SourceModelOff != 0 {
		s, err := readStringAt(data, fixed.SourceModelOff)
		if err != nil {
			return nil, fmt.Errorf("modelinfo: source_model: %w", err)
		}
		mi.SourceModel = s
	}

	if fixed.KVCount == 0 {
		return mi, nil
	}
	if fixed.KVOff == 0 {
		return nil, errors.New("modelinfo: kv_count > 0 but kv_off is zero")
	}

	kvSize := uint64(binary.Size(ModelInfoKV{}))
	if fixed.KVOff+uint64(fixed.KVCount)*kvSize > uint64(len(data)) {
		return nil, errors.New("modelinfo: kv table out of bounds")
	}

	extras := make(map[string]any, fixed.KVCount)
	for i := uint32(0); i < fixed.KVCount; i++ {
		var kv ModelInfoKV
		if err := readStructAt(data, fixed.KVOff+uint64(i)*kvSize, &kv); err != nil {
			return nil, fmt.Errorf("modelinfo: kv[%d]: %w", i, err)
		}

		key, err := readStringAt(data, kv.KeyOff)
		if err != nil {
			return nil, fmt.Errorf("modelinfo: kv[%d] key: %w", i, err)
		}
		if key == "" {
			return nil, fmt.Errorf("modelinfo: kv[%d] empty key", i)
		}

		switch kv.Type {
		case KVUint32:
			v, err := readU32At(data, kv.ValueOff)
			if err != nil {
				return nil, fmt.Errorf("modelinfo: kv[%d] uint32: %w", i, err)
			}
			extras[key] = v
		case KVFloat32:
			v, err := readF32At(data, kv.ValueOff)
			if err != nil {
				return nil, fmt.Errorf("modelinfo: kv[%d] float32: %w", i, err)
			}
			extras[key] = v
		case KVString:
			v, err := readStringAt(data, kv.ValueOff)
			if err != nil {
				return nil, fmt.Errorf("modelinfo: kv[%d] string: %w", i, err)
			}
			extras[key] = v
		default:
			return nil, fmt.Errorf("modelinfo: kv[%d] unknown type %d for key %q", i, kv.Type, key)
		}
	}
	mi.Extras = extras
	return mi, nil
}

func encodeExtrasKV(b *blobBuilder, extras map[string]any) ([]ModelInfoKV, error) {
	if len(extras) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(extras))
	for k := range extras {
		if k == "" {
			return nil, errors.New("modelinfo: extras contains empty key")
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kvs := make([]ModelInfoKV, 0, len(keys))
	for _, k := range keys {
		v := extras[k]

		keyOff, err := b.addString(k)
		if err != nil {
			return nil, err
		}

		var kv ModelInfoKV
		kv.KeyOff = keyOff

		switch vv := v.(type) {
		case string:
			valOff, err := b.addString(vv)
			if err != nil {
				return nil, err
			}
			kv.Type = KVString
			kv.ValueOff = valOff

		case uint32:
			valOff, err := b.addU32(vv)
			if err != nil {
				return nil, err
			}
			kv.Type = KVUint32
			kv.ValueOff = valOff

		case int:
			if vv < 0 || vv > math.MaxUint32 {
				return nil, fmt.Errorf("modelinfo: extras[%q] int out of uint32 range (%d)", k, vv)
			}
			valOff, err := b.addU32(uint32(vv))
			if err != nil {
				return nil, err
			}
			kv.Type = KVUint32
			kv.ValueOff = valOff

		case float32:
			valOff, err := b.addF32(vv)
			if err != nil {
				return nil, err
			}
			kv.Type = KVFloat32
			kv.ValueOff = valOff

		case float64:
			if math.IsNaN(vv) || math.IsInf(vv, 0) {
				return nil, fmt.Errorf("modelinfo: extras[%q] invalid float64 (%v)", k, vv)
			}
			if vv < -math.MaxFloat32 || vv > math.MaxFloat32 {
				return nil, fmt.Errorf("modelinfo: extras[%q] float64 out of float32 range (%v)", k, vv)
			}
			valOff, err := b.addF32(float32(vv))
			if err != nil {
				return nil, err
			}
			kv.Type = KVFloat32
			kv.ValueOff = valOff

		case nil:
			// Skip nils so callers can merge maps easily.
			continue

		default:
			return nil, fmt.Errorf("modelinfo: extras[%q] unsupported type %T", k, v)
		}

		kvs = append(kvs, kv)
	}

	return kvs, nil
}

type blobBuilder struct {
	buf bytes.Buffer
}

func newBlobBuilder() *blobBuilder {
	return &blobBuilder{}
}

func (b *blobBuilder) bytes() []byte {
	return b.buf.Bytes()
}

func (b *blobBuilder) offset() uint64 {
	return uint64(b.buf.Len())
}

func (b *blobBuilder) align(n int) {
	if n <= 1 {
		return
	}
	pad := (n - (b.buf.Len() % n)) % n
	if pad > 0 {
		_, _ = b.buf.Write(make([]byte, pad))
	}
}

func (b *blobBuilder) addRaw(p []byte) uint64 {
	off := b.offset()
	_, _ = b.buf.Write(p)
	return off
}

func (b *blobBuilder) writeStruct(v any) error {
	return binary.Write(&b.buf, binary.LittleEndian, v)
}

func (b *blobBuilder) addString(s string) (uint64, error) {
	if len(s) == 0 {
		return 0, nil
	}
	if len(s) > math.MaxUint32 {
		return 0, errors.New("modelinfo: blob too large")
	}
	b.align(8)
	off := b.offset()
	if err := binary.Write(&b.buf, binary.LittleEndian, uint32(len(s))); err != nil {
		return 0, err
	}
	_, _ = b.buf.WriteString(s)
	b.align(8)
	return off, nil
}

func (b *blobBuilder) addU32(v uint32) (uint64, error) {
	b.align(8)
	off := b.offset()
	if err := binary.Write(&b.buf, binary.LittleEndian, v); err != nil {
		return 0, err
	}
	b.align(8)
	return off, nil
}

func (b *blobBuilder) addF32(v float32) (uint64, error) {
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return 0, fmt.Errorf("modelinfo: invalid float32 %v", v)
	}
	b.align(8)
	off := b.offset()
	if err := binary.Write(&b.buf, binary.LittleEndian, v); err != nil {
		return 0, err
	}
	b.align(8)
	return off, nil
}

func readStructAt[T any](data []byte, off uint64, out *T) error {
	sz := uint64(binary.Size(*out))
	if sz == 0 {
		return errors.New("modelinfo: zero-sized struct")
	}
	if off > uint64(len(data)) || off+sz > uint64(len(data)) {
		return errors.New("modelinfo: struct out of bounds")
	}
	r := bytes.NewReader(data[off : off+sz])
	return binary.Read(r, binary.LittleEndian, out)
}

func readU32At(data []byte, off uint64) (uint32, error) {
	if off+4 > uint64(len(data)) {
		return 0, errors.New("modelinfo: u32 out of bounds")
	}
	return binary.LittleEndian.Uint32(data[off : off+4]), nil
}

func readF32At(data []byte, off uint64) (float32, error) {
	u, err := readU32At(data, off)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(u), nil
}

func readStringAt(data []byte, off uint64) (string, error) {
	if off == 0 {
		return "", nil
	}
	if off+4 > uint64(len(data)) {
		return "", errors.New("modelinfo: string length out of bounds")
	}
	n := binary.LittleEndian.Uint32(data[off : off+4])
	start := off + 4
	end := start + uint64(n)
	if end > uint64(len(data)) {
		return "", errors.New("modelinfo: string bytes out of bounds")
	}
	return string(data[start:end]), nil
}
