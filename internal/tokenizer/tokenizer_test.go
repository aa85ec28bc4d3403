package tokenizer

import (
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLocatePrefersSpiece(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "spiece.model"), "sp")
	touch(t, filepath.Join(dir, "tokenizer.model"), "tm")
	touch(t, filepath.Join(dir, "tokenizer.json"), "{}")

	v, err := Locate(dir)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if filepath.Base(v.Path) != "spiece.model" {
		t.Fatalf("expected spiece.model, got %s", v.Path)
	}
	if v.Kind != KindSentencePiece {
		t.Fatalf("kind: %s", v.Kind)
	}
}

func TestLocateFallsBackToTokenizerModel(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "tokenizer.model"), "tm")

	v, err := Locate(dir)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if filepath.Base(v.Path) != "tokenizer.model" {
		t.Fatalf("expected tokenizer.model, got %s", v.Path)
	}
}

func TestLocateTokenizerJSONCountsVocab(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "tokenizer.json"),
		`{"model": {"vocab": {"<pad>": 0, "a": 1, "b": 2}}}`)

	v, err := Locate(dir)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if v.Kind != KindTokenizerJSON {
		t.Fatalf("kind: %s", v.Kind)
	}
	if v.VocabSize != 3 {
		t.Fatalf("vocab size: %d", v.VocabSize)
	}
}

func TestLocateRejectsInvalidTokenizerJSON(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "tokenizer.json"), "not json")

	if _, err := Locate(dir); err == nil {
		t.Fatal("expected error for invalid tokenizer.json")
	}
}

func TestLocateMissing(t *testing.T) {
	t.Parallel()
	if _, err := Locate(t.TempDir()); err == nil {
		t.Fatal("expected error for empty directory")
	}
}
