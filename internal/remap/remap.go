// Package remap translates Hugging Face T5-v1.1 state-dict keys into the
// Megatron-style enc-dec naming convention.
//
// Planning is pure: Plan inspects only tensor metadata and returns the full
// output layout before any payload bytes move. Fused outputs record their
// source keys in concatenation order; since all weights are row-major and
// fusion is along dim 0, executing a fusion is plain byte concatenation.
package remap

import (
	"fmt"
	"sort"
	"strings"
)

// Meta is the tensor metadata planning needs.
type Meta struct {
	DType string
	Shape []int64
}

// Index exposes the source checkpoint's tensor metadata.
type Index interface {
	Names() []string
	Lookup(name string) (Meta, bool)
}

// Entry is one output tensor. Sources lists the input keys whose payloads are
// concatenated along dim 0, in order; a single source means a straight rename.
type Entry struct {
	Target  string
	DType   string
	Shape   []int64
	Sources []string
}

// Mapping is a complete conversion plan, entries sorted by target key.
type Mapping struct {
	Entries []Entry
}

// Roles within the enc-dec stack.
const (
	roleEncoder = "encoder"
	roleDecoder = "decoder"
)

const (
	prefixModel = "enc_dec_model.enc_dec_model"
	prefixTop   = "enc_dec_model"
)

// Plan computes the output layout for every tensor in idx. Every source key
// must be consumed by some rule; an unrecognised key is an error rather than
// a silently dropped weight.
func Plan(idx Index) (*Mapping, error) {
	names := idx.Names()
	sort.Strings(names)

	var entries []Entry
	for _, k := range names {
		e, emit, err := planKey(idx, k)
		if err != nil {
			return nil, err
		}
		if emit {
			entries = append(entries, e)
		}
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no convertible tensors found")
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Target < entries[j].Target })
	for i := 1; i < len(entries); i++ {
		if entries[i].Target == entries[i-1].Target {
			return nil, fmt.Errorf("duplicate target key %s", entries[i].Target)
		}
	}
	return &Mapping{Entries: entries}, nil
}

// planKey applies the rule table to one source key. emit=false means the key
// is consumed by another rule (tied embeddings, fusion siblings).
func planKey(idx Index, k string) (Entry, bool, error) {
	switch {
	// The shared embedding is tied; encoder.embed_tokens and
	// decoder.embed_tokens carry the same weights.
	case k == "shared.weight":
		return Entry{}, false, nil

	case k == "lm_head.weight":
		return rename(idx, k, prefixTop+".tokens_head.weight")

	case k == "encoder.embed_tokens.weight":
		return rename(idx, k, prefixTop+".encoder_embedding.word_embeddings.weight")

	case k == "decoder.embed_tokens.weight":
		return rename(idx, k, prefixTop+".decoder_embedding.word_embeddings.weight")

	// Relative position bias lives only in block 0 of each stack.
	case k == "encoder.block.0.layer.0.SelfAttention.relative_attention_bias.weight":
		return rename(idx, k, prefixTop+".encoder_relative_position_embedding.relative_position_embedding.weight")

	case k == "decoder.block.0.layer.0.SelfAttention.relative_attention_bias.weight":
		return rename(idx, k, prefixTop+".decoder_relative_position_embedding.relative_position_embedding.weight")

	case strings.Contains(k, "SelfAttention.q.weight"):
		role, block, _, err := splitKey(k)
		if err != nil {
			return Entry{}, false, err
		}
		target := fmt.Sprintf("%s.%s.model.layers.%d.self_attention.query_key_value.weight", prefixModel, role, block)
		return fuse(idx, target, k,
			strings.Replace(k, "q.weight", "k.weight", 1),
			strings.Replace(k, "q.weight", "v.weight", 1))

	// Consumed by the q rule above; verify the sibling actually exists so a
	// checkpoint with a dangling k or v cannot silently lose weights.
	case strings.Contains(k, "SelfAttention.k.weight"), strings.Contains(k, "SelfAttention.v.weight"):
		return requireSibling(idx, k, "SelfAttention", "q.weight")

	case strings.Contains(k, "SelfAttention.o.weight"):
		role, block, _, err := splitKey(k)
		if err != nil {
			return Entry{}, false, err
		}
		return rename(idx, k, fmt.Sprintf("%s.%s.model.layers.%d.self_attention.dense.weight", prefixModel, role, block))

	// Cross-attention K and V are bundled; Q stays separate.
	case strings.Contains(k, "EncDecAttention.k.weight"):
		block, err := decoderBlock(k)
		if err != nil {
			return Entry{}, false, err
		}
		target := fmt.Sprintf("%s.%s.model.layers.%d.inter_attention.key_value.weight", prefixModel, roleDecoder, block)
		return fuse(idx, target, k, strings.Replace(k, "k.weight", "v.weight", 1))

	case strings.Contains(k, "EncDecAttention.v.weight"):
		if _, err := decoderBlock(k); err != nil {
			return Entry{}, false, err
		}
		return requireSibling(idx, k, "EncDecAttention", "k.weight")

	case strings.Contains(k, "EncDecAttention.q.weight"):
		block, err := decoderBlock(k)
		if err != nil {
			return Entry{}, false, err
		}
		return rename(idx, k, fmt.Sprintf("%s.%s.model.layers.%d.inter_attention.query.weight", prefixModel, roleDecoder, block))

	case strings.Contains(k, "EncDecAttention.o.weight"):
		block, err := decoderBlock(k)
		if err != nil {
			return Entry{}, false, err
		}
		return rename(idx, k, fmt.Sprintf("%s.%s.model.layers.%d.inter_attention.dense.weight", prefixModel, roleDecoder, block))

	case strings.Contains(k, "DenseReluDense.wi_0.weight"):
		return mlpRename(idx, k, "dense_h_to_4h")

	case strings.Contains(k, "DenseReluDense.wi_1.weight"):
		return mlpRename(idx, k, "dense_h_to_4h_2")

	case strings.Contains(k, "DenseReluDense.wo.weight"):
		return mlpRename(idx, k, "dense_4h_to_h")

	case strings.Contains(k, "layer_norm"):
		return planLayerNorm(idx, k)

	default:
		return Entry{}, false, fmt.Errorf("unknown key: %s", k)
	}
}

func planLayerNorm(idx Index, k string) (Entry, bool, error) {
	if strings.Contains(k, "final") {
		role := roleDecoder
		if strings.HasPrefix(k, roleEncoder) {
			role = roleEncoder
		}
		return rename(idx, k, fmt.Sprintf("%s.%s.model.final_layernorm.weight", prefixModel, role))
	}

	role, block, layer, err := splitKey(k)
	if err != nil {
		return Entry{}, false, err
	}

	// HF sublayer position determines which norm this is: 0 precedes self
	// attention, 1 follows it, and 2 (decoder only) follows cross attention.
	var leaf string
	switch {
	case layer == 0:
		leaf = "input_layernorm"
	case layer == 1:
		leaf = "post_attention_layernorm"
	case layer == 2 && role == roleDecoder:
		leaf = "post_inter_attention_layernorm"
	default:
		return Entry{}, false, fmt.Errorf("unknown layer_norm key: %s", k)
	}
	return rename(idx, k, fmt.Sprintf("%s.%s.model.layers.%d.%s.weight", prefixModel, role, block, leaf))
}

func rename(idx Index, src, target string) (Entry, bool, error) {
	m, ok := idx.Lookup(src)
	if !ok {
		return Entry{}, false, fmt.Errorf("missing tensor: %s", src)
	}
	return Entry{Target: target, DType: m.DType, Shape: m.Shape, Sources: []string{src}}, true, nil
}

// fuse plans a dim-0 concatenation of srcs in the given order. Sources must
// agree on dtype and all trailing dims.
func fuse(idx Index, target string, srcs ...string) (Entry, bool, error) {
	metas := make([]Meta, len(srcs))
	for i, s := range srcs {
		m, ok := idx.Lookup(s)
		if !ok {
			return Entry{}, false, fmt.Errorf("%s: missing fusion input %s", target, s)
		}
		if len(m.Shape) < 2 {
			return Entry{}, false, fmt.Errorf("%s: fusion input %s has rank %d, need >= 2", target, s, len(m.Shape))
		}
		metas[i] = m
	}

	first := metas[0]
	var dim0 int64
	for i, m := range metas {
		if m.DType != first.DType {
			return Entry{}, false, fmt.Errorf("%s: dtype mismatch between %s (%s) and %s (%s)",
				target, srcs[0], first.DType, srcs[i], m.DType)
		}
		if len(m.Shape) != len(first.Shape) {
			return Entry{}, false, fmt.Errorf("%s: rank mismatch between %s and %s", target, srcs[0], srcs[i])
		}
		for d := 1; d < len(m.Shape); d++ {
			if m.Shape[d] != first.Shape[d] {
				return Entry{}, false, fmt.Errorf("%s: trailing dim mismatch between %s %v and %s %v",
					target, srcs[0], first.Shape, srcs[i], m.Shape)
			}
		}
		dim0 += m.Shape[0]
	}

	shape := make([]int64, len(first.Shape))
	copy(shape, first.Shape)
	shape[0] = dim0
	return Entry{Target: target, DType: first.DType, Shape: shape, Sources: srcs}, true, nil
}

// requireSibling confirms the key that fuses this one exists, then marks the
// key consumed. leaf replaces the trailing "<x>.weight" within module's scope.
func requireSibling(idx Index, k, module, leaf string) (Entry, bool, error) {
	i := strings.Index(k, module+".")
	if i < 0 {
		return Entry{}, false, fmt.Errorf("unknown key: %s", k)
	}
	sibling := k[:i] + module + "." + leaf
	if _, ok := idx.Lookup(sibling); !ok {
		return Entry{}, false, fmt.Errorf("key %s has no %s sibling to fuse into", k, sibling)
	}
	return Entry{}, false, nil
}

func mlpRename(idx Index, k, leaf string) (Entry, bool, error) {
	role, block, _, err := splitKey(k)
	if err != nil {
		return Entry{}, false, err
	}
	return rename(idx, k, fmt.Sprintf("%s.%s.model.layers.%d.mlp.%s.weight", prefixModel, role, block, leaf))
}

// decoderBlock parses a cross-attention key, rejecting encoder keys since the
// encoder stack has no cross attention.
func decoderBlock(k string) (int, error) {
	role, block, _, err := splitKey(k)
	if err != nil {
		return 0, err
	}
	if role != roleDecoder {
		return 0, fmt.Errorf("cross-attention key outside decoder: %s", k)
	}
	return block, nil
}

// splitKey parses "{role}.block.{n}.layer.{i}...." keys.
func splitKey(k string) (role string, block, layer int, err error) {
	parts := strings.Split(k, ".")
	if len(parts) < 5 || parts[1] != "block" || parts[3] != "layer" {
		return "", 0, 0, fmt.Errorf("malformed key: %s", k)
	}
	role = parts[0]
	if role != roleEncoder && role != roleDecoder {
		return "", 0, 0, fmt.Errorf("unknown stack %q in key: %s", role, k)
	}
	if block, err = parseUint(parts[2]); err != nil {
		return "", 0, 0, fmt.Errorf("bad block index in key %s: %w", k, err)
	}
	if layer, err = parseUint(parts[4]); err != nil {
		return "", 0, 0, fmt.Errorf("bad layer index in key %s: %w", k, err)
	}
	return role, block, layer, nil
}

func parseUint(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("empty index")
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("non-numeric index %q", s)
		}
		n = n*10 + int(c-'0')
		if n > 1<<20 {
			return 0, fmt.Errorf("index %q out of range", s)
		}
	}
	return n, nil
}
