package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// CLIP vocabulary constants. The stock tokenizer shipped with every SD 1.x
// and 2.x checkpoint uses these IDs.
const (
	clipDefaultBOS       = 49406 // <|startoftext|>
	clipDefaultEOS       = 49407 // <|endoftext|>
	clipDefaultMaxLength = 77
)

// clipPattern is the word-splitting regex from the original CLIP tokenizer.
var clipPattern = regexp.MustCompile(`<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|[\p{L}]+|[\p{N}]|[^\s\p{L}\p{N}]+`)

// mergePair is one BPE merge rule.
type mergePair struct {
	first  string
	second string
}

// CLIPTokenizer implements the byte-level BPE tokenizer used by the CLIP
// text encoder. Text is lowercased, split with the CLIP regex, mapped
// byte-by-byte into a printable unicode alphabet and merged by rank; the
// last symbol of every word carries the "</w>" end-of-word marker.
type CLIPTokenizer struct {
	vocab        map[string]int32
	reverseVocab map[int32]string
	ranks        map[mergePair]int

	bosToken  int32
	eosToken  int32
	padToken  int32
	maxLength int

	byteEncoder map[byte]rune
	byteDecoder map[rune]byte
}

// NewCLIPTokenizer creates a tokenizer from a vocabulary and merge list.
func NewCLIPTokenizer(vocab map[string]int32, merges []mergePair) *CLIPTokenizer {
	reverseVocab := make(map[int32]string, len(vocab))
	for token, id := range vocab {
		reverseVocab[id] = token
	}

	ranks := make(map[mergePair]int, len(merges))
	for i, m := range merges {
		ranks[m] = i
	}

	byteEncoder := bytesToUnicode()
	byteDecoder := make(map[rune]byte, len(byteEncoder))
	for b, r := range byteEncoder {
		byteDecoder[r] = b
	}

	t := &CLIPTokenizer{
		vocab:        vocab,
		reverseVocab: reverseVocab,
		ranks:        ranks,
		bosToken:     clipDefaultBOS,
		eosToken:     clipDefaultEOS,
		padToken:     clipDefaultEOS,
		maxLength:    clipDefaultMaxLength,
		byteEncoder:  byteEncoder,
		byteDecoder:  byteDecoder,
	}

	// Small test vocabularies will not contain the stock special tokens.
	if id, ok := vocab["<|startoftext|>"]; ok {
		t.bosToken = id
	}
	if id, ok := vocab["<|endoftext|>"]; ok {
		t.eosToken = id
		t.padToken = id
	}

	return t
}

// bytesToUnicode builds the reversible byte-to-printable-rune table from the
// GPT-2 byte-level BPE scheme.
func bytesToUnicode() map[byte]rune {
	table := make(map[byte]rune, 256)
	n := 0
	for b := 0; b < 256; b++ {
		printable := (b >= '!' && b <= '~') || (b >= 0xa1 && b <= 0xac) || (b >= 0xae && b <= 0xff)
		if printable {
			table[byte(b)] = rune(b)
		} else {
			table[byte(b)] = rune(256 + n)
			n++
		}
	}
	return table
}

// Encode converts text to token IDs, wrapped in BOS/EOS and truncated to the
// model's maximum sequence length.
func (t *CLIPTokenizer) Encode(text string) ([]int32, error) {
	tokens := []int32{t.bosToken}

	text = strings.ToLower(strings.Join(strings.Fields(text), " "))
	for _, word := range clipPattern.FindAllString(text, -1) {
		for _, symbol := range t.bpe(word) {
			id, ok := t.vocab[symbol]
			if !ok {
				return nil, fmt.Errorf("symbol %q not in vocabulary", symbol)
			}
			tokens = append(tokens, id)
		}
	}

	if len(tokens) >= t.maxLength {
		tokens = tokens[:t.maxLength-1]
	}
	tokens = append(tokens, t.eosToken)
	return tokens, nil
}

// bpe splits one word into merged subword symbols.
func (t *CLIPTokenizer) bpe(word string) []string {
	data := []byte(word)
	if len(data) == 0 {
		return nil
	}

	symbols := make([]string, len(data))
	for i, b := range data {
		symbols[i] = string(t.byteEncoder[b])
	}
	symbols[len(symbols)-1] += "</w>"

	for len(symbols) > 1 {
		bestIdx := -1
		bestRank := len(t.ranks) + 1
		for i := 0; i < len(symbols)-1; i++ {
			rank, ok := t.ranks[mergePair{symbols[i], symbols[i+1]}]
			if ok && rank < bestRank {
				bestIdx = i
				bestRank = rank
			}
		}
		if bestIdx < 0 {
			break
		}

		merged := symbols[bestIdx] + symbols[bestIdx+1]
		symbols = append(symbols[:bestIdx], append([]string{merged}, symbols[bestIdx+2:]...)...)
	}

	return symbols
}

// Decode converts token IDs back to text.
func (t *CLIPTokenizer) Decode(tokens []int32) (string, error) {
	var sb strings.Builder
	for _, token := range tokens {
		if token == t.bosToken || token == t.eosToken {
			continue
		}
		text, ok := t.reverseVocab[token]
		if !ok {
			return "", fmt.Errorf("unknown token id %d", token)
		}
		text = strings.ReplaceAll(text, "</w>", " ")
		for _, r := range text {
			if b, ok := t.byteDecoder[r]; ok {
				sb.WriteByte(b)
			} else {
				sb.WriteRune(r)
			}
		}
	}
	return strings.TrimRight(sb.String(), " "), nil
}

// VocabSize returns the total vocabulary size.
func (t *CLIPTokenizer) VocabSize() int {
	return len(t.vocab)
}

// BosToken returns the beginning-of-sequence token ID.
func (t *CLIPTokenizer) BosToken() int32 {
	return t.bosToken
}

// EosToken returns the end-of-sequence token ID.
func (t *CLIPTokenizer) EosToken() int32 {
	return t.eosToken
}

// PadToken returns the padding token ID.
func (t *CLIPTokenizer) PadToken() int32 {
	return t.padToken
}

// MaxLength returns the maximum sequence length including BOS/EOS.
func (t *CLIPTokenizer) MaxLength() int {
	return t.maxLength
}

// clipSpecialTokensMap is the subset of special_tokens_map.json we read.
// Entries are either bare strings or {"content": ...} objects.
type clipSpecialTokensMap struct {
	BosToken json.RawMessage `json:"bos_token"`
	EosToken json.RawMessage `json:"eos_token"`
	PadToken json.RawMessage `json:"pad_token"`
}

// clipTokenizerConfig is the subset of tokenizer_config.json we read.
type clipTokenizerConfig struct {
	ModelMaxLength int `json:"model_max_length"`
}

// LoadCLIP loads a CLIP tokenizer from a diffusers tokenizer directory
// (vocab.json + merges.txt, with optional special token and length configs).
func LoadCLIP(dir string) (*CLIPTokenizer, error) {
	vocab, err := loadVocabJSON(filepath.Join(dir, "vocab.json"))
	if err != nil {
		return nil, err
	}
	merges, err := loadMergesTxt(filepath.Join(dir, "merges.txt"))
	if err != nil {
		return nil, err
	}

	t := NewCLIPTokenizer(vocab, merges)
	t.applySpecialTokensMap(filepath.Join(dir, "special_tokens_map.json"))

	if data, err := os.ReadFile(filepath.Join(dir, "tokenizer_config.json")); err == nil {
		var config clipTokenizerConfig
		if err := json.Unmarshal(data, &config); err == nil && config.ModelMaxLength > 0 {
			t.maxLength = config.ModelMaxLength
		}
	}

	return t, nil
}

func loadVocabJSON(path string) (map[string]int32, error) {
	//nolint:gosec // G304: tokenizer files live inside the user-supplied model directory
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocab.json: %w", err)
	}
	var vocab map[string]int32
	if err := json.Unmarshal(data, &vocab); err != nil {
		return nil, fmt.Errorf("failed to parse vocab.json: %w", err)
	}
	return vocab, nil
}

func loadMergesTxt(path string) ([]mergePair, error) {
	//nolint:gosec // G304: tokenizer files live inside the user-supplied model directory
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read merges.txt: %w", err)
	}

	var merges []mergePair
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		first, second, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("malformed merge rule: %q", line)
		}
		merges = append(merges, mergePair{first: first, second: second})
	}
	return merges, nil
}

// applySpecialTokensMap overrides special token IDs from
// special_tokens_map.json when present. Missing or malformed files keep the
// stock CLIP defaults.
func (t *CLIPTokenizer) applySpecialTokensMap(path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: see above
	if err != nil {
		return
	}
	var m clipSpecialTokensMap
	if err := json.Unmarshal(data, &m); err != nil {
		return
	}

	if id, ok := t.lookupSpecial(m.BosToken); ok {
		t.bosToken = id
	}
	if id, ok := t.lookupSpecial(m.EosToken); ok {
		t.eosToken = id
	}
	if id, ok := t.lookupSpecial(m.PadToken); ok {
		t.padToken = id
	}
}

func (t *CLIPTokenizer) lookupSpecial(raw json.RawMessage) (int32, bool) {
	if len(raw) == 0 {
		return 0, false
	}

	var content string
	if err := json.Unmarshal(raw, &content); err != nil {
		var obj struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return 0, false
		}
		content = obj.Content
	}

	id, ok := t.vocab[content]
	return id, ok
}
