// Package safetensors reads and writes safetensors tensor archives.
//
// Reading supports a single .safetensors file, a sharded model described by
// model.safetensors.index.json, or a directory holding exactly one
// .safetensors file. Tensor payloads are exposed as streaming readers so
// callers can bound memory to roughly one tensor at a time.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// IndexFile is the standard sharded-checkpoint index filename.
const IndexFile = "model.safetensors.index.json"

// Cap on the JSON header; real-world headers are a few KiB to a few MiB.
const maxHeaderSize = 256 << 20

// TensorInfo describes one tensor payload within a single safetensors file.
// Start and End are absolute file offsets, End exclusive.
//
// DType values follow the safetensors convention, e.g. "F32", "F16", "BF16".
type TensorInfo struct {
	DType string
	Shape []int64
	Start int64
	End   int64
}

func (t TensorInfo) Size() int64 { return t.End - t.Start }

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int64 `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// File provides random access to tensors inside one safetensors file.
// The underlying os.File stays open until Close; ReadAt is safe for
// concurrent use.
type File struct {
	Path    string
	Tensors map[string]TensorInfo

	f *os.File
}

// OpenFile opens and parses a single .safetensors file.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	sf, err := parseFile(f, path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return sf, nil
}

func parseFile(f *os.File, path string) (*File, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < 8 {
		return nil, fmt.Errorf("%s: file too small for safetensors header", path)
	}

	headerLen, err := readU64(f)
	if err != nil {
		return nil, err
	}
	if headerLen > maxHeaderSize || int64(headerLen) > size-8 {
		return nil, fmt.Errorf("%s: safetensors header length %d out of range", path, headerLen)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("%s: parse safetensors header: %w", path, err)
	}
	delete(raw, "__metadata__")

	dataStart := int64(8 + headerLen)
	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start {
			return nil, fmt.Errorf("tensor %s: invalid offsets [%d, %d)", name, start, end)
		}
		if dataStart+end > size {
			return nil, fmt.Errorf("tensor %s: data range exceeds file size", name)
		}
		n, err := NumElements(th.Shape)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		if es, ok := elemSize(th.DType); ok && int64(n)*es != end-start {
			return nil, fmt.Errorf("tensor %s: %s payload is %d bytes, shape %v needs %d",
				name, th.DType, end-start, th.Shape, int64(n)*es)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: dataStart + start,
			End:   dataStart + end,
		}
	}

	return &File{Path: path, Tensors: tensors, f: f}, nil
}

func (f *File) Close() error {
	if f == nil || f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// TensorReader returns a reader over the raw little-endian tensor bytes.
func (f *File) TensorReader(name string) (*io.SectionReader, TensorInfo, error) {
	if f.f == nil {
		return nil, TensorInfo{}, errors.New("safetensors file closed")
	}
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	return io.NewSectionReader(f.f, t.Start, t.Size()), t, nil
}

// ReadTensor reads the raw tensor bytes into memory.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	r, t, err := f.TensorReader(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	buf := make([]byte, t.Size())
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

// TensorRef locates a tensor within a possibly sharded model.
type TensorRef struct {
	Name string
	File *File
	Info TensorInfo
}

// Model is a unified view over a single safetensors file or a sharded
// checkpoint described by model.safetensors.index.json.
type Model struct {
	BasePath string
	Files    map[string]*File
	Tensors  map[string]TensorRef
}

// OpenModel opens path as one of:
//   - a single .safetensors file
//   - a directory containing model.safetensors.index.json
//   - a directory containing exactly one .safetensors file
func OpenModel(path string) (*Model, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !st.IsDir() {
		sf, err := OpenFile(path)
		if err != nil {
			return nil, err
		}
		m := &Model{
			BasePath: path,
			Files:    map[string]*File{filepath.Base(path): sf},
			Tensors:  make(map[string]TensorRef, len(sf.Tensors)),
		}
		for name, info := range sf.Tensors {
			m.Tensors[name] = TensorRef{Name: name, File: sf, Info: info}
		}
		return m, nil
	}

	idxPath := filepath.Join(path, IndexFile)
	if _, err := os.Stat(idxPath); err == nil {
		return openSharded(path, idxPath)
	}

	single, err := findSingleFile(path)
	if err != nil {
		return nil, err
	}
	return OpenModel(single)
}

type shardIndex struct {
	WeightMap map[string]string `json:"weight_map"`
}

func openSharded(dir, idxPath string) (*Model, error) {
	b, err := os.ReadFile(idxPath)
	if err != nil {
		return nil, err
	}
	var idx shardIndex
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, fmt.Errorf("parse %s: %w", idxPath, err)
	}
	if len(idx.WeightMap) == 0 {
		return nil, fmt.Errorf("%s: empty weight_map", idxPath)
	}

	m := &Model{
		BasePath: dir,
		Files:    make(map[string]*File),
		Tensors:  make(map[string]TensorRef, len(idx.WeightMap)),
	}
	fail := func(err error) (*Model, error) {
		_ = m.Close()
		return nil, err
	}

	for name, shard := range idx.WeightMap {
		sf, ok := m.Files[shard]
		if !ok {
			sf, err = OpenFile(filepath.Join(dir, shard))
			if err != nil {
				return fail(err)
			}
			m.Files[shard] = sf
		}
		info, ok := sf.Tensor(name)
		if !ok {
			return fail(fmt.Errorf("tensor %s missing from shard %s", name, shard))
		}
		m.Tensors[name] = TensorRef{Name: name, File: sf, Info: info}
	}
	return m, nil
}

func findSingleFile(dir string) (string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, e := range ents {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".safetensors") {
			matches = append(matches, filepath.Join(dir, e.Name()))
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("%s: no .safetensors file and no %s", dir, IndexFile)
	default:
		return "", fmt.Errorf("%s: %d .safetensors files but no %s", dir, len(matches), IndexFile)
	}
}

func (m *Model) Close() error {
	if m == nil {
		return nil
	}
	var first error
	for _, f := range m.Files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *Model) Tensor(name string) (TensorRef, bool) {
	t, ok := m.Tensors[name]
	return t, ok
}

// TensorReader returns a streaming reader over the named tensor's bytes.
func (m *Model) TensorReader(name string) (*io.SectionReader, TensorRef, error) {
	ref, ok := m.Tensors[name]
	if !ok {
		return nil, TensorRef{}, fmt.Errorf("tensor not found: %s", name)
	}
	r, _, err := ref.File.TensorReader(name)
	if err != nil {
		return nil, TensorRef{}, err
	}
	return r, ref, nil
}

// SortedNames returns tensor names in lexicographic order.
func (m *Model) SortedNames() []string {
	names := make([]string, 0, len(m.Tensors))
	for name := range m.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NumElements returns the element count implied by shape.
func NumElements(shape []int64) (int64, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := int64(1)
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > (int64(^uint64(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func elemSize(dtype string) (int64, bool) {
	switch dtype {
	case "F64", "I64", "U64":
		return 8, true
	case "F32", "I32", "U32":
		return 4, true
	case "F16", "BF16", "I16", "U16":
		return 2, true
	case "I8", "U8", "BOOL", "F8_E4M3", "F8_E5M2":
		return 1, true
	default:
		return 0, false
	}
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
