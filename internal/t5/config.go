// Package t5 loads Hugging Face T5-v1.1 checkpoint configuration.
package t5

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
)

// ConfigFile is the checkpoint configuration filename.
const ConfigFile = "config.json"

// Config mirrors the subset of config.json the converter consumes.
type Config struct {
	ModelType string `json:"model_type"`

	VocabSize int `json:"vocab_size"`
	DModel    int `json:"d_model"`
	DKV       int `json:"d_kv"`
	DFF       int `json:"d_ff"`

	NumLayers        int `json:"num_layers"`
	NumDecoderLayers int `json:"num_decoder_layers"`
	NumHeads         int `json:"num_heads"`

	RelativeAttentionNumBuckets int `json:"relative_attention_num_buckets"`

	// DenseActFn names the inner feed-forward nonlinearity, e.g. "gelu_new".
	// Older checkpoints only carry FeedForwardProj, e.g. "gated-gelu".
	DenseActFn      string `json:"dense_act_fn"`
	FeedForwardProj string `json:"feed_forward_proj"`
}

// Load reads config.json from a checkpoint directory (or a direct path to the
// file) and fills derived defaults.
func Load(path string) (*Config, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		path = filepath.Join(path, ConfigFile)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// Decoder depth defaults to the encoder's when absent.
	if cfg.NumDecoderLayers == 0 {
		cfg.NumDecoderLayers = cfg.NumLayers
	}
	if cfg.DenseActFn == "" {
		cfg.DenseActFn = actFromProj(cfg.FeedForwardProj)
	}

	if err := cfg.validate(path); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// actFromProj recovers the inner activation from the legacy
// feed_forward_proj field.
func actFromProj(proj string) string {
	switch strings.TrimPrefix(proj, "gated-") {
	case "gelu":
		return "gelu_new"
	case "silu":
		return "silu"
	default:
		return ""
	}
}

func (c *Config) validate(path string) error {
	type field struct {
		name string
		val  int
	}
	for _, f := range []field{
		{"vocab_size", c.VocabSize},
		{"d_model", c.DModel},
		{"d_kv", c.DKV},
		{"d_ff", c.DFF},
		{"num_layers", c.NumLayers},
		{"num_decoder_layers", c.NumDecoderLayers},
		{"num_heads", c.NumHeads},
		{"relative_attention_num_buckets", c.RelativeAttentionNumBuckets},
	} {
		if f.val <= 0 {
			return fmt.Errorf("%s: missing or invalid %s", path, f.name)
		}
	}
	if c.DenseActFn == "" {
		return fmt.Errorf("%s: cannot determine activation (dense_act_fn and feed_forward_proj both unusable)", path)
	}
	return nil
}

// TranslateActivation maps the checkpoint activation identifier to the gated
// form used by the output model. Anything outside the known pairs is an
// error: silently emitting a different nonlinearity would corrupt the model.
func TranslateActivation(actFn string) (string, error) {
	switch actFn {
	case "silu":
		return "swiglu", nil
	case "gelu_new":
		return "geglu", nil
	default:
		return "", fmt.Errorf("unsupported activation %q: only silu and gelu_new have gated equivalents", actFn)
	}
}
