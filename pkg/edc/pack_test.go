package edc

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/recast/internal/safetensors"
)

func writeStateDict(t *testing.T, path string) map[string][]byte {
	t.Helper()

	payloads := map[string][]byte{
		"decoder.final_layernorm.weight": bytes.Repeat([]byte{1}, 16),
		"encoder.final_layernorm.weight": bytes.Repeat([]byte{2}, 16),
	}
	w, err := safetensors.NewWriter(path, []safetensors.WriteTensor{
		{Name: "decoder.final_layernorm.weight", DType: "F32", Shape: []int64{4}, Size: 16},
		{Name: "encoder.final_layernorm.weight", DType: "F32", Shape: []int64{4}, Size: 16},
	})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	for _, name := range []string{"decoder.final_layernorm.weight", "encoder.final_layernorm.weight"} {
		if err := w.WriteTensorData(name, bytes.NewReader(payloads[name])); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return payloads
}

func TestPackEndToEnd(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	sdPath := filepath.Join(dir, "state.safetensors")
	payloads := writeStateDict(t, sdPath)

	tokPath := filepath.Join(dir, "spiece.model")
	tokBytes := []byte("fake-sentencepiece")
	if err := os.WriteFile(tokPath, tokBytes, 0o644); err != nil {
		t.Fatalf("write tokenizer: %v", err)
	}

	outPath := filepath.Join(dir, "model.edc")
	err := Pack(PackOptions{
		StateDictPath: sdPath,
		ConfigYAML:    []byte("encoder:\n  num_layers: 4\n"),
		TokenizerPath: tokPath,
		Info: &ModelInfo{
			ModelName:     "tiny",
			SourceModel:   "google/t5-v1_1-small",
			Activation:    ActGeGLU,
			EncoderLayers: 4,
			DecoderLayers: 4,
		},
		OutputPath: outPath,
	})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	f, err := Open(outPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = f.Close() }()

	if f.Header.Flags&FlagTensorDataAligned64 == 0 {
		t.Fatal("aligned flag not set")
	}
	for _, st := range []SectionType{SectionModelInfo, SectionConfigYAML, SectionTokenizerModel, SectionTensorIndex, SectionTensorData} {
		if f.Section(st) == nil {
			t.Fatalf("missing section %#x", uint32(st))
		}
	}

	if got := f.SectionData(f.Section(SectionTokenizerModel)); !bytes.Equal(got, tokBytes) {
		t.Fatalf("tokenizer mismatch: %q", got)
	}

	mi, err := ParseModelInfo(f.SectionData(f.Section(SectionModelInfo)))
	if err != nil {
		t.Fatalf("parse model info: %v", err)
	}
	if mi.SourceModel != "google/t5-v1_1-small" || mi.Activation != ActGeGLU {
		t.Fatalf("model info mismatch: %+v", mi)
	}

	idx, err := ParseTensorIndexSection(f.SectionData(f.Section(SectionTensorIndex)))
	if err != nil {
		t.Fatalf("parse index: %v", err)
	}
	if idx.Count() != len(payloads) {
		t.Fatalf("index count: %d", idx.Count())
	}
	for name, want := range payloads {
		i, ok := idx.Find(name)
		if !ok {
			t.Fatalf("index missing %s", name)
		}
		e, err := idx.Entry(i)
		if err != nil {
			t.Fatalf("entry %s: %v", name, err)
		}
		if e.DataOff%DefaultTensorAlign != 0 {
			t.Fatalf("tensor %s not %d-byte aligned: %d", name, DefaultTensorAlign, e.DataOff)
		}
		got, err := idx.TensorData(f, i)
		if err != nil {
			t.Fatalf("tensor data %s: %v", name, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("tensor %s payload mismatch", name)
		}
	}
}

func TestPackValidatesOptions(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	sdPath := filepath.Join(dir, "state.safetensors")
	writeStateDict(t, sdPath)

	base := PackOptions{
		StateDictPath: sdPath,
		ConfigYAML:    []byte("a: 1\n"),
		Info:          &ModelInfo{},
		OutputPath:    filepath.Join(dir, "out.edc"),
	}

	cases := []struct {
		name   string
		mutate func(*PackOptions)
	}{
		{"no_state_dict", func(o *PackOptions) { o.StateDictPath = "" }},
		{"no_output", func(o *PackOptions) { o.OutputPath = "" }},
		{"no_info", func(o *PackOptions) { o.Info = nil }},
		{"no_config", func(o *PackOptions) { o.ConfigYAML = nil }},
		{"bad_align", func(o *PackOptions) { o.TensorAlign = 48 }},
		{"missing_tokenizer", func(o *PackOptions) { o.TokenizerPath = filepath.Join(dir, "nope") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			opts := base
			opts.OutputPath = filepath.Join(dir, tc.name+".edc")
			tc.mutate(&opts)
			if err := Pack(opts); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
