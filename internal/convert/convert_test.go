package convert

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/recast/internal/logger"
	"github.com/samcharles93/recast/internal/safetensors"
	"github.com/samcharles93/recast/pkg/edc"
)

// fixtureTensor describes one tensor of the synthetic checkpoint; fill is the
// byte value its payload is filled with, so fusion order is observable.
type fixtureTensor struct {
	name  string
	shape []int64
	fill  byte
}

// buildCheckpoint writes a complete single-layer T5-v1.1 checkpoint
// (config.json, model.safetensors, spiece.model) into dir.
// Dims: d_model=8, heads=4, d_kv=2 (inner=8), d_ff=16, vocab=10, buckets=4.
func buildCheckpoint(t *testing.T, dir string) []fixtureTensor {
	t.Helper()

	cfg := `{
		"model_type": "t5",
		"vocab_size": 10,
		"d_model": 8,
		"d_kv": 2,
		"d_ff": 16,
		"num_layers": 1,
		"num_heads": 4,
		"relative_attention_num_buckets": 4,
		"dense_act_fn": "gelu_new"
	}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "spiece.model"), []byte("sentencepiece-bytes"), 0o644); err != nil {
		t.Fatalf("write tokenizer: %v", err)
	}

	tensors := []fixtureTensor{
		{"shared.weight", []int64{10, 8}, 0x50},
		{"lm_head.weight", []int64{10, 8}, 0x51},
		{"encoder.embed_tokens.weight", []int64{10, 8}, 0x52},
		{"decoder.embed_tokens.weight", []int64{10, 8}, 0x53},
		{"encoder.final_layer_norm.weight", []int64{8}, 0x54},
		{"decoder.final_layer_norm.weight", []int64{8}, 0x55},
		{"encoder.block.0.layer.0.SelfAttention.relative_attention_bias.weight", []int64{4, 4}, 0x56},
		{"decoder.block.0.layer.0.SelfAttention.relative_attention_bias.weight", []int64{4, 4}, 0x57},

		{"encoder.block.0.layer.0.SelfAttention.q.weight", []int64{8, 8}, 0x01},
		{"encoder.block.0.layer.0.SelfAttention.k.weight", []int64{8, 8}, 0x02},
		{"encoder.block.0.layer.0.SelfAttention.v.weight", []int64{8, 8}, 0x03},
		{"encoder.block.0.layer.0.SelfAttention.o.weight", []int64{8, 8}, 0x04},
		{"encoder.block.0.layer.0.layer_norm.weight", []int64{8}, 0x05},
		{"encoder.block.0.layer.1.DenseReluDense.wi_0.weight", []int64{16, 8}, 0x06},
		{"encoder.block.0.layer.1.DenseReluDense.wi_1.weight", []int64{16, 8}, 0x07},
		{"encoder.block.0.layer.1.DenseReluDense.wo.weight", []int64{8, 16}, 0x08},
		{"encoder.block.0.layer.1.layer_norm.weight", []int64{8}, 0x09},

		{"decoder.block.0.layer.0.SelfAttention.q.weight", []int64{8, 8}, 0x11},
		{"decoder.block.0.layer.0.SelfAttention.k.weight", []int64{8, 8}, 0x12},
		{"decoder.block.0.layer.0.SelfAttention.v.weight", []int64{8, 8}, 0x13},
		{"decoder.block.0.layer.0.SelfAttention.o.weight", []int64{8, 8}, 0x14},
		{"decoder.block.0.layer.0.layer_norm.weight", []int64{8}, 0x15},
		{"decoder.block.0.layer.1.EncDecAttention.q.weight", []int64{8, 8}, 0x16},
		{"decoder.block.0.layer.1.EncDecAttention.k.weight", []int64{8, 8}, 0x17},
		{"decoder.block.0.layer.1.EncDecAttention.v.weight", []int64{8, 8}, 0x18},
		{"decoder.block.0.layer.1.EncDecAttention.o.weight", []int64{8, 8}, 0x19},
		{"decoder.block.0.layer.1.layer_norm.weight", []int64{8}, 0x1A},
		{"decoder.block.0.layer.2.DenseReluDense.wi_0.weight", []int64{16, 8}, 0x1B},
		{"decoder.block.0.layer.2.DenseReluDense.wi_1.weight", []int64{16, 8}, 0x1C},
		{"decoder.block.0.layer.2.DenseReluDense.wo.weight", []int64{8, 16}, 0x1D},
		{"decoder.block.0.layer.2.layer_norm.weight", []int64{8}, 0x1E},
	}

	decls := make([]safetensors.WriteTensor, 0, len(tensors))
	for _, ft := range tensors {
		n := int64(4)
		for _, d := range ft.shape {
			n *= d
		}
		decls = append(decls, safetensors.WriteTensor{
			Name: ft.name, DType: "F32", Shape: ft.shape, Size: n,
		})
	}
	w, err := safetensors.NewWriter(filepath.Join(dir, "model.safetensors"), decls)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	for i, ft := range tensors {
		payload := bytes.Repeat([]byte{ft.fill}, int(decls[i].Size))
		if err := w.WriteTensorData(ft.name, bytes.NewReader(payload)); err != nil {
			t.Fatalf("write %s: %v", ft.name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return tensors
}

func writeBaseConfig(t *testing.T, path string) {
	t.Helper()
	body := `
encoder:
  num_layers: 12
  bias_activation_fusion: false
decoder:
  num_layers: 12
tokenizer:
  library: sentencepiece
optim:
  name: fused_adam
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write base config: %v", err)
	}
}

func TestRunEndToEnd(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	modelDir := filepath.Join(dir, "model")
	if err := os.Mkdir(modelDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	buildCheckpoint(t, modelDir)

	basePath := filepath.Join(dir, "base.yaml")
	writeBaseConfig(t, basePath)

	stateDictPath := filepath.Join(dir, "state.safetensors")
	outPath := filepath.Join(dir, "model.edc")

	err := Run(Options{
		ModelPath:      modelDir,
		ModelName:      "google/t5-v1_1-test",
		StateDictPath:  stateDictPath,
		OutputPath:     outPath,
		BaseConfigPath: basePath,
		Log:            logger.Discard(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	f, err := edc.Open(outPath)
	if err != nil {
		t.Fatalf("open container: %v", err)
	}
	defer func() { _ = f.Close() }()

	// Model info reflects the source config.
	mi, err := edc.ParseModelInfo(f.SectionData(f.Section(edc.SectionModelInfo)))
	if err != nil {
		t.Fatalf("parse model info: %v", err)
	}
	if mi.SourceModel != "google/t5-v1_1-test" {
		t.Fatalf("source model: %s", mi.SourceModel)
	}
	if mi.Activation != edc.ActGeGLU {
		t.Fatalf("activation: %v", mi.Activation)
	}
	if mi.EncoderLayers != 1 || mi.DecoderLayers != 1 {
		t.Fatalf("layers: %d/%d", mi.EncoderLayers, mi.DecoderLayers)
	}
	if mi.HiddenSize != 8 || mi.FFNHiddenSize != 16 || mi.KVChannels != 2 || mi.HeadCount != 4 {
		t.Fatalf("dims: %+v", mi)
	}
	if mi.VocabSize != 10 || mi.RelativeAttentionBuckets != 4 {
		t.Fatalf("vocab/buckets: %+v", mi)
	}

	// Derived YAML overwrites checkpoint-determined fields and keeps
	// template extras.
	var doc map[string]any
	if err := yaml.Unmarshal(f.SectionData(f.Section(edc.SectionConfigYAML)), &doc); err != nil {
		t.Fatalf("parse config yaml: %v", err)
	}
	enc := doc["encoder"].(map[string]any)
	if enc["num_layers"] != 1 || enc["activation"] != "geglu" {
		t.Fatalf("encoder section: %v", enc)
	}
	if enc["bias_activation_fusion"] != false {
		t.Fatalf("template extras dropped: %v", enc)
	}
	tok := doc["tokenizer"].(map[string]any)
	if tok["model"] != "spiece.model" || tok["library"] != "sentencepiece" {
		t.Fatalf("tokenizer section: %v", tok)
	}
	if _, ok := doc["optim"]; !ok {
		t.Fatal("template optim section dropped")
	}

	// Tokenizer bytes are embedded verbatim.
	if got := f.SectionData(f.Section(edc.SectionTokenizerModel)); !bytes.Equal(got, []byte("sentencepiece-bytes")) {
		t.Fatalf("tokenizer payload: %q", got)
	}

	// Fused QKV payload is q then k then v.
	idx, err := edc.ParseTensorIndexSection(f.SectionData(f.Section(edc.SectionTensorIndex)))
	if err != nil {
		t.Fatalf("parse tensor index: %v", err)
	}
	checkFused(t, f, idx,
		"enc_dec_model.enc_dec_model.encoder.model.layers.0.self_attention.query_key_value.weight",
		[]byte{0x01, 0x02, 0x03}, 256)
	checkFused(t, f, idx,
		"enc_dec_model.enc_dec_model.decoder.model.layers.0.inter_attention.key_value.weight",
		[]byte{0x17, 0x18}, 256)

	// Straight renames carry their payload through unchanged.
	checkFused(t, f, idx, "enc_dec_model.tokens_head.weight", []byte{0x51}, 320)

	// shared.weight is dropped, everything else lands: 8 top-level entries
	// minus shared, plus 7 encoder-layer and 11 decoder-layer outputs
	// (q/k/v fuse to one, cross k/v fuse to one).
	const wantTensors = 7 + 7 + 11
	if idx.Count() != wantTensors {
		t.Fatalf("tensor count: got %d want %d", idx.Count(), wantTensors)
	}
}

// checkFused verifies the named tensor is the concatenation of equal-size
// segments filled with the given byte values.
func checkFused(t *testing.T, f *edc.File, idx *edc.TensorIndex, name string, fills []byte, segSize int) {
	t.Helper()
	i, ok := idx.Find(name)
	if !ok {
		t.Fatalf("tensor %s missing from index", name)
	}
	data, err := idx.TensorData(f, i)
	if err != nil {
		t.Fatalf("tensor data %s: %v", name, err)
	}
	if len(data) != len(fills)*segSize {
		t.Fatalf("tensor %s: %d bytes, want %d", name, len(data), len(fills)*segSize)
	}
	for si, fill := range fills {
		seg := data[si*segSize : (si+1)*segSize]
		if !bytes.Equal(seg, bytes.Repeat([]byte{fill}, segSize)) {
			t.Fatalf("tensor %s segment %d not filled with %#x", name, si, fill)
		}
	}
}

func TestRunFailsFastOnMissingBaseConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	err := Run(Options{
		ModelPath:      dir,
		ModelName:      "m",
		StateDictPath:  filepath.Join(dir, "state.safetensors"),
		OutputPath:     filepath.Join(dir, "out.edc"),
		BaseConfigPath: filepath.Join(dir, "missing.yaml"),
		Log:            logger.Discard(),
	})
	if err == nil {
		t.Fatal("expected error for missing base config")
	}
}

func TestRunRejectsUnsupportedActivation(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	modelDir := filepath.Join(dir, "model")
	if err := os.Mkdir(modelDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	buildCheckpoint(t, modelDir)

	// Swap the activation for one with no gated equivalent.
	cfg := `{
		"vocab_size": 10, "d_model": 8, "d_kv": 2, "d_ff": 16,
		"num_layers": 1, "num_heads": 4,
		"relative_attention_num_buckets": 4,
		"dense_act_fn": "relu"
	}`
	if err := os.WriteFile(filepath.Join(modelDir, "config.json"), []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	basePath := filepath.Join(dir, "base.yaml")
	writeBaseConfig(t, basePath)

	err := Run(Options{
		ModelPath:      modelDir,
		ModelName:      "m",
		StateDictPath:  filepath.Join(dir, "state.safetensors"),
		OutputPath:     filepath.Join(dir, "out.edc"),
		BaseConfigPath: basePath,
		Log:            logger.Discard(),
	})
	if err == nil {
		t.Fatal("expected error for unsupported activation")
	}
	// Must fail before writing any output.
	if _, statErr := os.Stat(filepath.Join(dir, "state.safetensors")); statErr == nil {
		t.Fatal("state dict written despite activation error")
	}
}

func TestRunSingleFileModelPath(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	modelDir := filepath.Join(dir, "model")
	if err := os.Mkdir(modelDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	buildCheckpoint(t, modelDir)
	basePath := filepath.Join(dir, "base.yaml")
	writeBaseConfig(t, basePath)

	err := Run(Options{
		ModelPath:      filepath.Join(modelDir, "model.safetensors"),
		ModelName:      "m",
		StateDictPath:  filepath.Join(dir, "state.safetensors"),
		OutputPath:     filepath.Join(dir, "out.edc"),
		BaseConfigPath: basePath,
		Log:            logger.Discard(),
	})
	if err != nil {
		t.Fatalf("Run with file path: %v", err)
	}
}
