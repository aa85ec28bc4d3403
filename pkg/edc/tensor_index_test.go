package edc

import (
	"testing"
)

func TestTensorIndexRoundTrip(t *testing.T) {
	t.Parallel()

	records := []TensorIndexRecord{
		{Name: "decoder.layers.0.self_attention.query_key_value.weight", DType: DTypeBF16, Shape: []uint64{3072, 1024}, DataOff: 4096, DataSize: 3072 * 1024 * 2},
		{Name: "encoder.embedding.word_embeddings.weight", DType: DTypeF32, Shape: []uint64{32128, 1024}, DataOff: 64, DataSize: 32128 * 1024 * 4},
		{Name: "scalar", DType: DTypeF32, Shape: []uint64{1}, DataOff: 128, DataSize: 4},
	}

	blob, err := EncodeTensorIndexSection(records)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	idx, err := ParseTensorIndexSection(blob)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if idx.Count() != 3 {
		t.Fatalf("count: %d", idx.Count())
	}
	if idx.Flags()&TensorIndexFlagSortedByName == 0 {
		t.Fatal("sorted flag not set")
	}

	// Entries come back in name order.
	first, err := idx.Name(0)
	if err != nil {
		t.Fatalf("name(0): %v", err)
	}
	if first != "decoder.layers.0.self_attention.query_key_value.weight" {
		t.Fatalf("unexpected first entry: %s", first)
	}

	i, ok := idx.Find("encoder.embedding.word_embeddings.weight")
	if !ok {
		t.Fatal("Find failed")
	}
	e, err := idx.Entry(i)
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if e.DType != DTypeF32 || e.DataOff != 64 {
		t.Fatalf("entry mismatch: %+v", e)
	}
	shape, err := idx.Shape(i)
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	if len(shape) != 2 || shape[0] != 32128 || shape[1] != 1024 {
		t.Fatalf("shape mismatch: %v", shape)
	}

	if _, ok := idx.Find("missing.weight"); ok {
		t.Fatal("Find matched a missing tensor")
	}
}

func TestTensorIndexRejectsEmptyInput(t *testing.T) {
	t.Parallel()

	if _, err := EncodeTensorIndexSection(nil); err == nil {
		t.Fatal("expected error for empty records")
	}
	if _, err := EncodeTensorIndexSection([]TensorIndexRecord{{Name: ""}}); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestParseTensorIndexRejectsCorrupt(t *testing.T) {
	t.Parallel()

	blob, err := EncodeTensorIndexSection([]TensorIndexRecord{
		{Name: "t", DType: DTypeF32, Shape: []uint64{1}, DataOff: 0, DataSize: 4},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if _, err := ParseTensorIndexSection(blob[:tensorIndexHdrSize-1]); err == nil {
		t.Fatal("expected error for short payload")
	}

	// Corrupt the strings offset to point past the end.
	bad := make([]byte, len(blob))
	copy(bad, blob)
	for i := 32; i < 40; i++ {
		bad[i] = 0xFF
	}
	if _, err := ParseTensorIndexSection(bad); err == nil {
		t.Fatal("expected error for out-of-bounds strings table")
	}
}

func TestDTypeStringMapping(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"F32", "F16", "BF16", "F64", "I8", "U8", "I16", "U16", "I32", "U32", "I64", "U64"} {
		dt, err := DTypeFromString(s)
		if err != nil {
			t.Fatalf("DTypeFromString(%s): %v", s, err)
		}
		if dt.String() != s {
			t.Fatalf("round trip %s: got %s", s, dt.String())
		}
	}
	if _, err := DTypeFromString("Q4_K"); err == nil {
		t.Fatal("expected error for unsupported dtype")
	}
}
