package t5

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

const largeConfig = `{
	"model_type": "t5",
	"vocab_size": 32128,
	"d_model": 1024,
	"d_kv": 64,
	"d_ff": 2816,
	"num_layers": 24,
	"num_heads": 16,
	"relative_attention_num_buckets": 32,
	"dense_act_fn": "gelu_new",
	"feed_forward_proj": "gated-gelu"
}`

func TestLoadFromDirectory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeConfig(t, dir, largeConfig)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ModelType != "t5" {
		t.Fatalf("model_type: %s", cfg.ModelType)
	}
	if cfg.DModel != 1024 || cfg.DKV != 64 || cfg.DFF != 2816 {
		t.Fatalf("dims mismatch: %+v", cfg)
	}
	if cfg.NumLayers != 24 || cfg.NumHeads != 16 {
		t.Fatalf("layers/heads mismatch: %+v", cfg)
	}
	if cfg.NumDecoderLayers != 24 {
		t.Fatalf("num_decoder_layers should default to num_layers, got %d", cfg.NumDecoderLayers)
	}
	if cfg.DenseActFn != "gelu_new" {
		t.Fatalf("dense_act_fn: %s", cfg.DenseActFn)
	}
}

func TestLoadExplicitDecoderLayers(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeConfig(t, dir, `{
		"vocab_size": 100, "d_model": 8, "d_kv": 2, "d_ff": 16,
		"num_layers": 6, "num_decoder_layers": 2, "num_heads": 4,
		"relative_attention_num_buckets": 32, "dense_act_fn": "silu"
	}`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NumDecoderLayers != 2 {
		t.Fatalf("num_decoder_layers: %d", cfg.NumDecoderLayers)
	}
}

func TestLoadActivationFromFeedForwardProj(t *testing.T) {
	t.Parallel()

	cases := []struct {
		proj string
		want string
	}{
		{"gated-gelu", "gelu_new"},
		{"gated-silu", "silu"},
		{"gelu", "gelu_new"},
		{"silu", "silu"},
	}
	for _, tc := range cases {
		t.Run(tc.proj, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			writeConfig(t, dir, `{
				"vocab_size": 100, "d_model": 8, "d_kv": 2, "d_ff": 16,
				"num_layers": 2, "num_heads": 4,
				"relative_attention_num_buckets": 32,
				"feed_forward_proj": "`+tc.proj+`"
			}`)
			cfg, err := Load(dir)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.DenseActFn != tc.want {
				t.Fatalf("dense_act_fn: got %s want %s", cfg.DenseActFn, tc.want)
			}
		})
	}
}

func TestLoadRejectsMissingFields(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeConfig(t, dir, `{"vocab_size": 100, "d_model": 8}`)

	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for incomplete config")
	}
}

func TestLoadRejectsUnknownProj(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeConfig(t, dir, `{
		"vocab_size": 100, "d_model": 8, "d_kv": 2, "d_ff": 16,
		"num_layers": 2, "num_heads": 4,
		"relative_attention_num_buckets": 32,
		"feed_forward_proj": "gated-mish"
	}`)

	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "activation") {
		t.Fatalf("expected activation error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestTranslateActivation(t *testing.T) {
	t.Parallel()

	got, err := TranslateActivation("silu")
	if err != nil || got != "swiglu" {
		t.Fatalf("silu: got %q, %v", got, err)
	}
	got, err = TranslateActivation("gelu_new")
	if err != nil || got != "geglu" {
		t.Fatalf("gelu_new: got %q, %v", got, err)
	}

	_, err = TranslateActivation("relu")
	if err == nil {
		t.Fatal("expected error for relu")
	}
	if !strings.Contains(err.Error(), "relu") {
		t.Fatalf("error should name the activation: %v", err)
	}
}
