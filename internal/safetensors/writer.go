package safetensors

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// WriteTensor declares one tensor to be written. Size is the payload size in
// bytes and must match what the caller later streams for this tensor.
type WriteTensor struct {
	Name  string
	DType string
	Shape []int64
	Size  int64
}

// Writer produces a safetensors file from a fixed set of declared tensors.
//
// All tensors are declared up front so the JSON header and data offsets can
// be computed before any payload bytes arrive. Payloads must then be supplied
// in declaration order via WriteTensorData, each with exactly the declared
// size. The header is deterministic: tensors are laid out in the order given
// and the JSON is built by hand with sorted-stable field order, so identical
// inputs yield byte-identical files.
type Writer struct {
	f       *os.File
	path    string
	order   []string
	tensors map[string]TensorInfo
	next    int
	closed  bool
}

// NewWriter creates the target file and writes the safetensors header for the
// declared tensors. Tensor names must be unique and non-empty.
func NewWriter(path string, decls []WriteTensor) (*Writer, error) {
	if len(decls) == 0 {
		return nil, errors.New("safetensors: no tensors declared")
	}

	tensors := make(map[string]TensorInfo, len(decls))
	order := make([]string, 0, len(decls))
	var off int64
	for _, d := range decls {
		if d.Name == "" {
			return nil, errors.New("safetensors: empty tensor name")
		}
		if _, dup := tensors[d.Name]; dup {
			return nil, fmt.Errorf("safetensors: duplicate tensor %s", d.Name)
		}
		n, err := NumElements(d.Shape)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", d.Name, err)
		}
		es, ok := elemSize(d.DType)
		if !ok {
			return nil, fmt.Errorf("tensor %s: unsupported dtype %s", d.Name, d.DType)
		}
		if n*es != d.Size {
			return nil, fmt.Errorf("tensor %s: declared size %d, shape %v needs %d",
				d.Name, d.Size, d.Shape, n*es)
		}
		tensors[d.Name] = TensorInfo{DType: d.DType, Shape: d.Shape, Start: off, End: off + d.Size}
		order = append(order, d.Name)
		off += d.Size
	}

	header, err := encodeHeader(order, tensors)
	if err != nil {
		return nil, err
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(header); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Writer{f: f, path: path, order: order, tensors: tensors}, nil
}

// encodeHeader builds the length-prefixed JSON header. Offsets in the header
// are relative to the data region, as the format requires.
func encodeHeader(order []string, tensors map[string]TensorInfo) ([]byte, error) {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, name := range order {
		t := tensors[name]
		if i > 0 {
			sb.WriteByte(',')
		}
		nameJSON, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		shapeJSON, err := json.Marshal(t.Shape)
		if err != nil {
			return nil, err
		}
		sb.Write(nameJSON)
		fmt.Fprintf(&sb, `:{"dtype":%q,"shape":%s,"data_offsets":[%d,%d]}`,
			t.DType, shapeJSON, t.Start, t.End)
	}
	sb.WriteByte('}')

	body := sb.String()
	out := make([]byte, 8, 8+len(body))
	for i := 0; i < 8; i++ {
		out[i] = byte(uint64(len(body)) >> (8 * i))
	}
	return append(out, body...), nil
}

// WriteTensorData streams the payload for the next declared tensor. name must
// match the declaration order, and r must yield exactly the declared size.
func (w *Writer) WriteTensorData(name string, r io.Reader) error {
	if w.closed {
		return errors.New("safetensors: writer closed")
	}
	if w.next >= len(w.order) {
		return fmt.Errorf("safetensors: all %d tensors already written", len(w.order))
	}
	if expect := w.order[w.next]; name != expect {
		return fmt.Errorf("safetensors: tensor %s out of order, expected %s", name, expect)
	}

	t := w.tensors[name]
	n, err := io.Copy(w.f, io.LimitReader(r, t.Size()))
	if err != nil {
		return fmt.Errorf("write tensor %s: %w", name, err)
	}
	if n != t.Size() {
		return fmt.Errorf("write tensor %s: short payload, got %d of %d bytes", name, n, t.Size())
	}
	// Reject oversized sources rather than silently truncating.
	var one [1]byte
	if extra, _ := r.Read(one[:]); extra > 0 {
		return fmt.Errorf("write tensor %s: payload exceeds declared %d bytes", name, t.Size())
	}

	w.next++
	return nil
}

// Close verifies every declared tensor was written and syncs the file.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.next != len(w.order) {
		missing := w.order[w.next:]
		_ = w.f.Close()
		return fmt.Errorf("safetensors: %d tensors not written (next: %s)", len(missing), missing[0])
	}
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}

// Declarations returns declared tensors in write order. Useful for building
// downstream indexes without reopening the file.
func (w *Writer) Declarations() []WriteTensor {
	out := make([]WriteTensor, 0, len(w.order))
	for _, name := range w.order {
		t := w.tensors[name]
		out = append(out, WriteTensor{Name: name, DType: t.DType, Shape: t.Shape, Size: t.Size()})
	}
	return out
}

// SortDeclarations orders declarations by name, the layout used for
// converter output so results are reproducible across runs.
func SortDeclarations(decls []WriteTensor) {
	sort.Slice(decls, func(i, j int) bool { return decls[i].Name < decls[j].Name })
}
