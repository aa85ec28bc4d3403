// Package tokenizer locates the tokenizer artefacts of a checkpoint
// directory.
package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// Kind identifies the tokenizer artefact format.
type Kind string

const (
	// KindSentencePiece is a binary sentencepiece model (spiece.model or
	// tokenizer.model).
	KindSentencePiece Kind = "sentencepiece"

	// KindTokenizerJSON is a Hugging Face fast-tokenizer JSON file.
	KindTokenizerJSON Kind = "tokenizer_json"
)

// Vocabulary points at the tokenizer file chosen for embedding.
// VocabSize is only known for tokenizer.json sources; zero means unknown.
type Vocabulary struct {
	Path      string
	Kind      Kind
	VocabSize int
}

// Candidate filenames in preference order. SentencePiece models win because
// the output runtime consumes them directly.
var candidates = []struct {
	name string
	kind Kind
}{
	{"spiece.model", KindSentencePiece},
	{"tokenizer.model", KindSentencePiece},
	{"tokenizer.json", KindTokenizerJSON},
}

// Locate finds the tokenizer file in a checkpoint directory.
func Locate(dir string) (*Vocabulary, error) {
	for _, c := range candidates {
		path := filepath.Join(dir, c.name)
		st, err := os.Stat(path)
		if err != nil || st.IsDir() {
			continue
		}
		v := &Vocabulary{Path: path, Kind: c.kind}
		if c.kind == KindTokenizerJSON {
			n, err := vocabSizeFromJSON(path)
			if err != nil {
				return nil, err
			}
			v.VocabSize = n
		}
		return v, nil
	}
	return nil, fmt.Errorf("no tokenizer found in %s (looked for spiece.model, tokenizer.model, tokenizer.json)", dir)
}

func vocabSizeFromJSON(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var doc struct {
		Model struct {
			Vocab map[string]json.RawMessage `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return len(doc.Model.Vocab), nil
}
