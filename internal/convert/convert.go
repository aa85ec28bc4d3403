// Package convert drives the full checkpoint conversion: load the source
// model, remap its weights into an intermediate state dict, derive the model
// configuration, and package everything into a single container file.
package convert

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/recast/internal/logger"
	"github.com/samcharles93/recast/internal/remap"
	"github.com/samcharles93/recast/internal/safetensors"
	"github.com/samcharles93/recast/internal/t5"
	"github.com/samcharles93/recast/internal/tokenizer"
	"github.com/samcharles93/recast/pkg/edc"
)

// Options configures one conversion run.
type Options struct {
	// ModelPath is the source checkpoint: a directory holding config.json
	// and safetensors weights, or a single .safetensors file whose siblings
	// live alongside it.
	ModelPath string

	// ModelName labels the output, e.g. "google/t5-v1_1-large".
	ModelName string

	// StateDictPath receives the intermediate remapped safetensors file.
	StateDictPath string

	// OutputPath receives the final container.
	OutputPath string

	// BaseConfigPath is the YAML template whose encoder/decoder/tokenizer
	// sections get overwritten from the source config. Must exist.
	BaseConfigPath string

	// TensorAlign overrides the container tensor alignment when > 0.
	TensorAlign int

	Log logger.Logger
}

// Run executes the conversion.
func Run(opts Options) error {
	if opts.Log == nil {
		opts.Log = logger.Default()
	}
	log := opts.Log

	if opts.ModelPath == "" {
		return errors.New("convert: model path is required")
	}
	if opts.StateDictPath == "" {
		return errors.New("convert: state dict path is required")
	}
	if opts.OutputPath == "" {
		return errors.New("convert: output path is required")
	}
	// Fail before any heavy work if the template is missing.
	if opts.BaseConfigPath == "" {
		return errors.New("convert: base config path is required")
	}
	if _, err := os.Stat(opts.BaseConfigPath); err != nil {
		return fmt.Errorf("convert: base config %s does not exist: %w", opts.BaseConfigPath, err)
	}

	modelDir := opts.ModelPath
	if st, err := os.Stat(opts.ModelPath); err == nil && !st.IsDir() {
		modelDir = filepath.Dir(opts.ModelPath)
	}

	cfg, err := t5.Load(modelDir)
	if err != nil {
		return fmt.Errorf("convert: load model config: %w", err)
	}
	// Resolve the activation up front: an unconvertible model should fail
	// before any tensor bytes move.
	activation, err := t5.TranslateActivation(cfg.DenseActFn)
	if err != nil {
		return fmt.Errorf("convert: %w", err)
	}
	log.Info("loaded model config",
		"model", opts.ModelName,
		"encoder_layers", cfg.NumLayers,
		"decoder_layers", cfg.NumDecoderLayers,
		"d_model", cfg.DModel,
		"activation", activation)

	model, err := safetensors.OpenModel(opts.ModelPath)
	if err != nil {
		return fmt.Errorf("convert: open checkpoint: %w", err)
	}
	defer func() { _ = model.Close() }()
	log.Info("opened checkpoint", "tensors", len(model.Tensors), "shards", len(model.Files))

	plan, err := remap.Plan(modelIndex{model})
	if err != nil {
		return fmt.Errorf("convert: plan remap: %w", err)
	}
	log.Info("planned remap", "outputs", len(plan.Entries))

	if err := writeStateDict(log, model, plan, opts.StateDictPath); err != nil {
		return err
	}
	log.Info("wrote state dict", "path", opts.StateDictPath)

	vocab, err := tokenizer.Locate(modelDir)
	if err != nil {
		return fmt.Errorf("convert: %w", err)
	}
	if vocab.VocabSize > 0 && vocab.VocabSize != cfg.VocabSize {
		log.Warn("tokenizer vocab differs from model config",
			"tokenizer", vocab.VocabSize, "config", cfg.VocabSize)
	}
	log.Info("found tokenizer", "path", vocab.Path, "kind", string(vocab.Kind))

	configYAML, err := deriveConfig(opts.BaseConfigPath, cfg, activation, filepath.Base(vocab.Path))
	if err != nil {
		return fmt.Errorf("convert: derive config: %w", err)
	}

	info := buildModelInfo(opts.ModelName, cfg, activation, vocab)
	if err := edc.Pack(edc.PackOptions{
		StateDictPath: opts.StateDictPath,
		ConfigYAML:    configYAML,
		TokenizerPath: vocab.Path,
		Info:          info,
		OutputPath:    opts.OutputPath,
		TensorAlign:   opts.TensorAlign,
	}); err != nil {
		return fmt.Errorf("convert: package container: %w", err)
	}
	log.Info("wrote container", "path", opts.OutputPath)
	return nil
}

// modelIndex adapts a safetensors model to the remap planner.
type modelIndex struct {
	m *safetensors.Model
}

func (mi modelIndex) Names() []string {
	return mi.m.SortedNames()
}

func (mi modelIndex) Lookup(name string) (remap.Meta, bool) {
	ref, ok := mi.m.Tensor(name)
	if !ok {
		return remap.Meta{}, false
	}
	return remap.Meta{DType: ref.Info.DType, Shape: ref.Info.Shape}, true
}

// writeStateDict streams every planned tensor into the intermediate
// safetensors file. Fused tensors are written as the byte concatenation of
// their row-major sources, so memory stays bounded by the copy buffer.
func writeStateDict(log logger.Logger, model *safetensors.Model, plan *remap.Mapping, path string) error {
	decls := make([]safetensors.WriteTensor, 0, len(plan.Entries))
	for _, e := range plan.Entries {
		var size int64
		for _, src := range e.Sources {
			ref, ok := model.Tensor(src)
			if !ok {
				return fmt.Errorf("convert: planned source %s vanished from checkpoint", src)
			}
			size += ref.Info.Size()
		}
		decls = append(decls, safetensors.WriteTensor{
			Name:  e.Target,
			DType: e.DType,
			Shape: e.Shape,
			Size:  size,
		})
	}

	w, err := safetensors.NewWriter(path, decls)
	if err != nil {
		return fmt.Errorf("convert: create state dict: %w", err)
	}

	for _, e := range plan.Entries {
		readers := make([]io.Reader, 0, len(e.Sources))
		for _, src := range e.Sources {
			r, _, err := model.TensorReader(src)
			if err != nil {
				_ = w.Close()
				return fmt.Errorf("convert: %w", err)
			}
			readers = append(readers, r)
		}
		if err := w.WriteTensorData(e.Target, io.MultiReader(readers...)); err != nil {
			_ = w.Close()
			return fmt.Errorf("convert: %w", err)
		}
		if len(e.Sources) == 1 {
			log.Debug("mapped tensor", "from", e.Sources[0], "to", e.Target)
		} else {
			log.Debug("fused tensors", "from", e.Sources, "to", e.Target)
		}
	}
	return w.Close()
}

// deriveConfig loads the base YAML template and overwrites the fields the
// source checkpoint determines, leaving everything else untouched.
func deriveConfig(basePath string, cfg *t5.Config, activation, tokenizerFile string) ([]byte, error) {
	b, err := os.ReadFile(basePath)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", basePath, err)
	}
	if doc == nil {
		doc = make(map[string]any)
	}

	stack := func(layers int) map[string]any {
		return map[string]any{
			"num_layers":                     layers,
			"hidden_size":                    cfg.DModel,
			"ffn_hidden_size":                cfg.DFF,
			"kv_channels":                    cfg.DKV,
			"num_attention_heads":            cfg.NumHeads,
			"activation":                     activation,
			"relative_attention_num_buckets": cfg.RelativeAttentionNumBuckets,
		}
	}
	mergeSection(doc, "encoder", stack(cfg.NumLayers))
	mergeSection(doc, "decoder", stack(cfg.NumDecoderLayers))
	mergeSection(doc, "tokenizer", map[string]any{"model": tokenizerFile})

	return yaml.Marshal(doc)
}

// mergeSection overwrites keys inside doc[name], creating the section if the
// template lacks it but keeping any extra template keys.
func mergeSection(doc map[string]any, name string, values map[string]any) {
	sec, _ := doc[name].(map[string]any)
	if sec == nil {
		sec = make(map[string]any)
	}
	for k, v := range values {
		sec[k] = v
	}
	doc[name] = sec
}

func buildModelInfo(modelName string, cfg *t5.Config, activation string, vocab *tokenizer.Vocabulary) *edc.ModelInfo {
	act := edc.ActUnknown
	switch activation {
	case "swiglu":
		act = edc.ActSwiGLU
	case "geglu":
		act = edc.ActGeGLU
	}

	info := &edc.ModelInfo{
		ModelName:                filepath.Base(modelName),
		SourceModel:              modelName,
		Activation:               act,
		EncoderLayers:            uint32(cfg.NumLayers),
		DecoderLayers:            uint32(cfg.NumDecoderLayers),
		HiddenSize:               uint32(cfg.DModel),
		FFNHiddenSize:            uint32(cfg.DFF),
		KVChannels:               uint32(cfg.DKV),
		HeadCount:                uint32(cfg.NumHeads),
		RelativeAttentionBuckets: uint32(cfg.RelativeAttentionNumBuckets),
		VocabSize:                uint32(cfg.VocabSize),
		Extras: map[string]any{
			"tokenizer_kind": string(vocab.Kind),
			"model_type":     cfg.ModelType,
		},
	}
	if info.Extras["model_type"] == "" {
		delete(info.Extras, "model_type")
	}
	return info
}
