// Package tokenizer loads the text tokenizer bundled with a model
// checkpoint. The primary format is the CLIP byte-level BPE shipped in
// diffusers tokenizer directories; single-file tokenizer.json bundles and
// declared tiktoken encodings are fallbacks.
package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Tokenizer is the interface the model object exposes to the training
// pipeline.
type Tokenizer interface {
	// Encode converts text to token IDs.
	Encode(text string) ([]int32, error)

	// Decode converts token IDs back to text.
	Decode(tokens []int32) (string, error)

	// VocabSize returns the vocabulary size, or 0 when unknown.
	VocabSize() int
}

// hfTokenizerFile is the subset of a single-file tokenizer.json we read.
type hfTokenizerFile struct {
	Model struct {
		Type   string         `json:"type"`
		Vocab  map[string]int `json:"vocab"`
		Merges []string       `json:"merges"`
	} `json:"model"`
}

// Load loads a tokenizer from a model's tokenizer directory, trying
// strategies in priority order:
//
//  1. vocab.json + merges.txt (the diffusers CLIP layout)
//  2. single-file tokenizer.json
//  3. a tiktoken encoding name declared in tokenizer_config.json
//
// All failures are collected; the returned error wraps every attempt.
func Load(dir string) (Tokenizer, error) {
	var errs []error

	tok, err := LoadCLIP(dir)
	if err == nil {
		return tok, nil
	}
	errs = append(errs, fmt.Errorf("vocab.json: %w", err))

	tok2, err := loadTokenizerJSON(filepath.Join(dir, "tokenizer.json"))
	if err == nil {
		return tok2, nil
	}
	errs = append(errs, fmt.Errorf("tokenizer.json: %w", err))

	tok3, err := loadDeclaredTikToken(filepath.Join(dir, "tokenizer_config.json"))
	if err == nil {
		return tok3, nil
	}
	errs = append(errs, fmt.Errorf("tiktoken: %w", err))

	return nil, fmt.Errorf("no tokenizer found in %s: %w", dir, errors.Join(errs...))
}

// loadTokenizerJSON builds a CLIP tokenizer from a single-file HuggingFace
// tokenizer.json bundle.
func loadTokenizerJSON(path string) (*CLIPTokenizer, error) {
	//nolint:gosec // G304: tokenizer files live inside the user-supplied model directory
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer.json: %w", err)
	}

	var file hfTokenizerFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer.json: %w", err)
	}
	if file.Model.Type != "" && file.Model.Type != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer type: %s", file.Model.Type)
	}
	if len(file.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer.json has no vocabulary")
	}

	vocab := make(map[string]int32, len(file.Model.Vocab))
	for token, id := range file.Model.Vocab {
		vocab[token] = int32(id) //nolint:gosec // G115: vocab sizes fit in int32
	}

	merges := make([]mergePair, 0, len(file.Model.Merges))
	for _, line := range file.Model.Merges {
		first, second, ok := cutMerge(line)
		if !ok {
			return nil, fmt.Errorf("malformed merge rule: %q", line)
		}
		merges = append(merges, mergePair{first: first, second: second})
	}

	return NewCLIPTokenizer(vocab, merges), nil
}

func cutMerge(line string) (string, string, bool) {
	for i := 0; i < len(line); i++ {
		if line[i] == ' ' {
			return line[:i], line[i+1:], true
		}
	}
	return "", "", false
}

// loadDeclaredTikToken reads a tokenizer_config.json that declares a
// tiktoken encoding instead of shipping vocabulary files.
func loadDeclaredTikToken(path string) (*TikToken, error) {
	//nolint:gosec // G304: tokenizer files live inside the user-supplied model directory
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer_config.json: %w", err)
	}

	var config struct {
		TikTokenEncoding string `json:"tiktoken_encoding"`
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer_config.json: %w", err)
	}
	if config.TikTokenEncoding == "" {
		return nil, fmt.Errorf("tokenizer_config.json declares no tiktoken encoding")
	}

	return NewTikToken(config.TikTokenEncoding)
}
