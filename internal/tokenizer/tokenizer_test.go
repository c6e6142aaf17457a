package tokenizer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// byte tokens take ids 0-255, merged tokens follow in merge order
var testMerges = []string{"h e", "l l", "he ll", "hell o", "Ġ w", "o r", "Ġw or", "l d"}

func testVocab() ([]string, []TokenType) {
	var vocab []string
	for b := 0; b < 256; b++ {
		vocab = append(vocab, string(byteEncoder[b]))
	}
	vocab = append(vocab, "he", "ll", "hell", "hello", "Ġw", "or", "Ġwor", "ld", "<|endoftext|>")
	types := make([]TokenType, len(vocab))
	for i := range types {
		types[i] = TokenNormal
	}
	types[len(types)-1] = TokenControl
	return vocab, types
}

func newTestTokenizer(t *testing.T, cfg Config) *Tokenizer {
	t.Helper()
	vocab, types := testVocab()
	tok, err := New(vocab, testMerges, types, cfg)
	require.NoError(t, err)
	tok.SetSpecialTokens(-1, int32(len(vocab)-1))
	return tok
}

func TestByteTables(t *testing.T) {
	assert.Equal(t, 'Ġ', byteEncoder[' '])
	assert.Equal(t, 'a', byteEncoder['a'])
	assert.Len(t, byteDecoder, 256)
	for b := 0; b < 256; b++ {
		assert.Equal(t, byte(b), byteDecoder[byteEncoder[b]])
	}
}

func TestEncodeMergesByRank(t *testing.T) {
	tok := newTestTokenizer(t, Config{})

	ids, err := tok.Encode("hello world")
	require.NoError(t, err)
	// hello, Ġwor, ld
	assert.Equal(t, []int32{259, 262, 263}, ids)

	text, err := tok.Decode(ids)
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestEncodeFallsBackToBytes(t *testing.T) {
	tok := newTestTokenizer(t, Config{})

	ids, err := tok.Encode("hex!")
	require.NoError(t, err)
	assert.Equal(t, []int32{256, 'x', '!'}, ids)

	ids, err = tok.Encode("\u00e9")
	require.NoError(t, err)
	assert.Equal(t, []int32{0xc3, 0xa9}, ids)
	text, err := tok.Decode(ids)
	require.NoError(t, err)
	assert.Equal(t, "\u00e9", text)
}

func TestEncodeKeepsSpecialTokens(t *testing.T) {
	tok := newTestTokenizer(t, Config{AddEOS: true})
	eos := tok.EOS()

	ids, err := tok.Encode("hello<|endoftext|>hello")
	require.NoError(t, err)
	assert.Equal(t, []int32{259, eos, 259, eos}, ids)

	text, err := tok.Decode(ids)
	require.NoError(t, err)
	assert.Equal(t, "hellohello", text)

	_, err = tok.Decode([]int32{9999})
	assert.Error(t, err)
}

func TestNormalizer(t *testing.T) {
	assert.Equal(t, "\u00e9", NewNormalizer(true).Normalize("e\u0301"))
	assert.Equal(t, "e\u0301", NewNormalizer(false).Normalize("e\u0301"))

	tok := newTestTokenizer(t, Config{NFC: true})
	composed, err := tok.Encode("\u00e9")
	require.NoError(t, err)
	decomposed, err := tok.Encode("e\u0301")
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestSplit(t *testing.T) {
	tok := newTestTokenizer(t, Config{})
	pieces, err := tok.split("it's 42  apples!")
	require.NoError(t, err)
	assert.Equal(t, []string{"it", "'s", " 42", " ", " apples", "!"}, pieces)

	pieces, err = tok.split("")
	require.NoError(t, err)
	assert.Empty(t, pieces)
}

func TestLoadFromGGUF(t *testing.T) {
	vocab, types := testVocab()
	tokens := make([]interface{}, len(vocab))
	for i, v := range vocab {
		tokens[i] = v
	}
	typeVals := make([]interface{}, len(types))
	for i, v := range types {
		typeVals[i] = int32(v)
	}
	merges := make([]interface{}, len(testMerges))
	for i, m := range testMerges {
		merges[i] = m
	}
	meta := map[string]interface{}{
		"tokenizer.ggml.model":         "gpt2",
		"tokenizer.ggml.tokens":        tokens,
		"tokenizer.ggml.token_type":    typeVals,
		"tokenizer.ggml.merges":        merges,
		"tokenizer.ggml.bos_token_id":  uint32(len(vocab) - 1),
		"tokenizer.ggml.eos_token_id":  uint32(len(vocab) - 1),
		"tokenizer.ggml.add_bos_token": true,
	}
	get := func(k string) (interface{}, bool) {
		v, ok := meta[k]
		return v, ok
	}

	tok, err := LoadFromGGUF(get)
	require.NoError(t, err)
	ids, err := tok.Encode("hello")
	require.NoError(t, err)
	assert.Equal(t, []int32{int32(len(vocab) - 1), 259}, ids)

	meta["tokenizer.ggml.model"] = "llama"
	_, err = LoadFromGGUF(get)
	assert.ErrorContains(t, err, "unsupported tokenizer model")

	meta["tokenizer.ggml.model"] = "gpt2"
	delete(meta, "tokenizer.ggml.merges")
	_, err = LoadFromGGUF(get)
	assert.ErrorContains(t, err, "tokenizer.ggml.merges not found")
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"added_tokens": [{"id": 6, "content": "<|endoftext|>", "special": true}],
		"normalizer": {"type": "NFC"},
		"model": {
			"type": "BPE",
			"vocab": {"h": 0, "e": 1, "l": 2, "o": 3, "he": 4, "ll": 5},
			"merges": ["h e", ["l", "l"]]
		}
	}`), 0o644))

	tok, err := LoadJSON(path)
	require.NoError(t, err)
	assert.Equal(t, 7, tok.VocabSize())
	assert.Equal(t, int32(6), tok.EOS())

	ids, err := tok.Encode("hello<|endoftext|>")
	require.NoError(t, err)
	assert.Equal(t, []int32{4, 5, 3, 6}, ids)

	_, err = tok.Encode("x")
	assert.ErrorIs(t, err, ErrUnknownToken)

	require.NoError(t, os.WriteFile(path, []byte(`{"model": {"type": "Unigram"}}`), 0o644))
	_, err = LoadJSON(path)
	assert.ErrorContains(t, err, "Unigram")
}
