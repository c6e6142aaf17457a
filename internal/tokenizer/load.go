package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
)

// LoadFromGGUF loads a tokenizer from GGUF metadata. Only the "gpt2"
// (byte-level BPE) model is supported.
func LoadFromGGUF(getMetadata func(string) (interface{}, bool)) (*Tokenizer, error) {
	if v, ok := getMetadata("tokenizer.ggml.model"); ok {
		if model, _ := v.(string); model != "gpt2" {
			return nil, fmt.Errorf("unsupported tokenizer model %q", model)
		}
	}

	tokens, err := stringArray(getMetadata, "tokenizer.ggml.tokens")
	if err != nil {
		return nil, err
	}
	merges, err := stringArray(getMetadata, "tokenizer.ggml.merges")
	if err != nil {
		return nil, err
	}

	var tokenTypes []TokenType
	if typesRaw, ok := getMetadata("tokenizer.ggml.token_type"); ok {
		if typesArr, ok := typesRaw.([]interface{}); ok {
			tokenTypes = make([]TokenType, len(typesArr))
			for i, t := range typesArr {
				switch v := t.(type) {
				case int32:
					tokenTypes[i] = TokenType(v)
				case uint32:
					tokenTypes[i] = TokenType(v)
				default:
					tokenTypes[i] = TokenNormal
				}
			}
		}
	}

	cfg := Config{
		AddBOS: getBoolMetadata(getMetadata, "tokenizer.ggml.add_bos_token", false),
		AddEOS: getBoolMetadata(getMetadata, "tokenizer.ggml.add_eos_token", false),
		NFC:    true,
	}
	if v, ok := getMetadata("tokenizer.ggml.pretokenizer"); ok {
		cfg.Pretokenizer, _ = v.(string)
	}

	tok, err := New(tokens, merges, tokenTypes, cfg)
	if err != nil {
		return nil, err
	}
	tok.SetSpecialTokens(getIDMetadata(getMetadata, "tokenizer.ggml.bos_token_id"), getIDMetadata(getMetadata, "tokenizer.ggml.eos_token_id"))
	return tok, nil
}

func stringArray(getMetadata func(string) (interface{}, bool), key string) ([]string, error) {
	raw, ok := getMetadata(key)
	if !ok {
		return nil, fmt.Errorf("%s not found", key)
	}
	arr, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s is not an array", key)
	}
	out := make([]string, len(arr))
	for i, v := range arr {
		if out[i], ok = v.(string); !ok {
			return nil, fmt.Errorf("%s[%d] is not a string", key, i)
		}
	}
	return out, nil
}

func getBoolMetadata(getMetadata func(string) (interface{}, bool), key string, defaultVal bool) bool {
	if val, ok := getMetadata(key); ok {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return defaultVal
}

func getIDMetadata(getMetadata func(string) (interface{}, bool), key string) int32 {
	if val, ok := getMetadata(key); ok {
		switch v := val.(type) {
		case uint32:
			return int32(v)
		case int32:
			return v
		}
	}
	return -1
}

// tokenizerJSON is the subset of a Hugging Face tokenizer.json used here.
type tokenizerJSON struct {
	AddedTokens []struct {
		ID      int32  `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
	Normalizer *struct {
		Type string `json:"type"`
	} `json:"normalizer"`
	Model struct {
		Type   string            `json:"type"`
		Vocab  map[string]int32  `json:"vocab"`
		Merges []json.RawMessage `json:"merges"`
	} `json:"model"`
}

// LoadJSON reads a Hugging Face tokenizer.json with a BPE model. An
// "<|endoftext|>" token, when present, becomes EOS.
func LoadJSON(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tj tokenizerJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if tj.Model.Type != "BPE" {
		return nil, fmt.Errorf("%s: unsupported tokenizer model %q", path, tj.Model.Type)
	}

	size := 0
	for _, id := range tj.Model.Vocab {
		size = max(size, int(id)+1)
	}
	for _, at := range tj.AddedTokens {
		size = max(size, int(at.ID)+1)
	}
	vocab := make([]string, size)
	types := make([]TokenType, size)
	for token, id := range tj.Model.Vocab {
		vocab[id] = token
		types[id] = TokenNormal
	}
	for _, at := range tj.AddedTokens {
		vocab[at.ID] = at.Content
		types[at.ID] = TokenUserDefined
		if at.Special {
			types[at.ID] = TokenControl
		}
	}
	for i := range types {
		if types[i] == 0 {
			types[i] = TokenUnused
		}
	}

	merges := make([]string, len(tj.Model.Merges))
	for i, raw := range tj.Model.Merges {
		// older files store "a b", newer ones ["a", "b"]
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			merges[i] = s
			continue
		}
		var pair []string
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
			return nil, fmt.Errorf("%s: merge %d: %s", path, i, raw)
		}
		merges[i] = strings.Join(pair, " ")
	}

	cfg := Config{NFC: tj.Normalizer != nil && tj.Normalizer.Type == "NFC"}
	tok, err := New(vocab, merges, types, cfg)
	if err != nil {
		return nil, err
	}
	eos := int32(-1)
	if i := slices.Index(vocab, "<|endoftext|>"); i >= 0 {
		eos = int32(i)
	}
	tok.SetSpecialTokens(-1, eos)
	return tok, nil
}
