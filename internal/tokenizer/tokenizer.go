// Package tokenizer provides the byte-level BPE tokenizer of StableLM
// checkpoints, loaded from GGUF metadata or a Hugging Face tokenizer.json.
package tokenizer

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/dlclark/regexp2"
	heap "github.com/emirpasic/gods/v2/trees/binaryheap"
	"golang.org/x/text/unicode/norm"

	"github.com/headlands-org/go-stablelm/internal/logutil"
)

// TokenType mirrors tokenizer.ggml.token_type.
type TokenType int32

const (
	TokenNormal      TokenType = 1
	TokenUnknown     TokenType = 2
	TokenControl     TokenType = 3
	TokenUserDefined TokenType = 4
	TokenUnused      TokenType = 5
	TokenByte        TokenType = 6
)

// DefaultPretokenizer is the GPT-2 split pattern.
const DefaultPretokenizer = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

var ErrUnknownToken = errors.New("token not in vocabulary")

type Tokenizer struct {
	vocab      []string
	tokenTypes []TokenType
	tokenToID  map[string]int32
	merges     map[string]int
	special    []string // longest first
	pre        *regexp2.Regexp
	bosID      int32
	eosID      int32
	addBOS     bool
	addEOS     bool
	normalizer Normalizer
}

type Config struct {
	AddBOS bool
	AddEOS bool
	NFC    bool
	// Pretokenizer overrides DefaultPretokenizer.
	Pretokenizer string
}

// New builds a tokenizer from the vocabulary and its merge list, ordered
// by rank, each merge written "left right".
func New(vocab, merges []string, tokenTypes []TokenType, cfg Config) (*Tokenizer, error) {
	if len(tokenTypes) > 0 && len(vocab) != len(tokenTypes) {
		return nil, fmt.Errorf("vocab and tokenTypes length mismatch: %d != %d", len(vocab), len(tokenTypes))
	}
	if len(tokenTypes) == 0 {
		tokenTypes = make([]TokenType, len(vocab))
		for i := range tokenTypes {
			tokenTypes[i] = TokenNormal
		}
	}

	pattern := cfg.Pretokenizer
	if pattern == "" {
		pattern = DefaultPretokenizer
	}
	pre, err := regexp2.Compile(pattern, regexp2.RE2)
	if err != nil {
		return nil, fmt.Errorf("pretokenizer: %w", err)
	}

	t := &Tokenizer{
		vocab:      vocab,
		tokenTypes: tokenTypes,
		tokenToID:  make(map[string]int32, len(vocab)),
		merges:     make(map[string]int, len(merges)),
		pre:        pre,
		bosID:      -1,
		eosID:      -1,
		addBOS:     cfg.AddBOS,
		addEOS:     cfg.AddEOS,
		normalizer: Normalizer{nfc: cfg.NFC},
	}
	for i, token := range vocab {
		t.tokenToID[token] = int32(i)
		if tokenTypes[i] == TokenControl || tokenTypes[i] == TokenUserDefined {
			t.special = append(t.special, token)
		}
	}
	slices.SortStableFunc(t.special, func(a, b string) int { return cmp.Compare(len(b), len(a)) })
	for rank, m := range merges {
		t.merges[m] = rank
	}
	return t, nil
}

// SetSpecialTokens sets the BOS and EOS ids. -1 means none.
func (t *Tokenizer) SetSpecialTokens(bos, eos int32) {
	t.bosID, t.eosID = bos, eos
}

func (t *Tokenizer) BOS() int32     { return t.bosID }
func (t *Tokenizer) EOS() int32     { return t.eosID }
func (t *Tokenizer) VocabSize() int { return len(t.vocab) }

// fragment is a piece of input, already resolved to ids when it is a
// special token.
type fragment struct {
	value string
	ids   []int32
}

// Encode tokenizes text. Special tokens present verbatim in the text are
// kept whole.
func (t *Tokenizer) Encode(text string) ([]int32, error) {
	text = t.normalizer.Normalize(text)

	fragments := []fragment{{value: text}}
	for _, special := range t.special {
		id := t.tokenToID[special]
		for i := 0; i < len(fragments); i++ {
			frag := fragments[i]
			if len(frag.ids) > 0 {
				continue
			}
			idx := strings.Index(frag.value, special)
			if idx < 0 {
				continue
			}

			var middle []fragment
			if idx > 0 {
				middle = append(middle, fragment{value: frag.value[:idx]})
			}
			middle = append(middle, fragment{value: special, ids: []int32{id}})
			if rest := frag.value[idx+len(special):]; rest != "" {
				middle = append(middle, fragment{value: rest})
			}
			fragments = slices.Replace(fragments, i, i+1, middle...)
		}
	}

	ids := make([]int32, 0, len(text)/3+2)
	if t.addBOS && t.bosID >= 0 {
		ids = append(ids, t.bosID)
	}
	for _, frag := range fragments {
		if len(frag.ids) > 0 {
			ids = append(ids, frag.ids...)
			continue
		}
		pieces, err := t.split(frag.value)
		if err != nil {
			return nil, err
		}
		for _, piece := range pieces {
			pieceIDs, err := t.tokenizeBPE(piece)
			if err != nil {
				return nil, err
			}
			ids = append(ids, pieceIDs...)
		}
	}
	if t.addEOS && t.eosID >= 0 {
		ids = append(ids, t.eosID)
	}

	logutil.Trace("encoded", "text", text, "ids", ids)
	return ids, nil
}

// split applies the pretokenizer. Text between matches is kept as its own
// piece.
func (t *Tokenizer) split(s string) ([]string, error) {
	r := []rune(s)
	var pieces []string
	offset := 0
	m, err := t.pre.FindRunesMatch(r)
	for ; m != nil && err == nil; m, err = t.pre.FindNextMatch(m) {
		if m.Index > offset {
			pieces = append(pieces, string(r[offset:m.Index]))
		}
		pieces = append(pieces, m.String())
		offset = m.Index + m.Length
	}
	if err != nil {
		return nil, fmt.Errorf("pretokenize: %w", err)
	}
	if offset < len(r) {
		pieces = append(pieces, string(r[offset:]))
	}
	return pieces, nil
}

type symbol struct {
	text       string
	prev, next int
}

type bigram struct {
	left, right int
	rank        int
	text        string
}

// tokenizeBPE maps piece to byte symbols and applies merges lowest rank
// first.
func (t *Tokenizer) tokenizeBPE(piece string) ([]int32, error) {
	if piece == "" {
		return nil, nil
	}
	var sb strings.Builder
	for _, b := range []byte(piece) {
		sb.WriteRune(byteEncoder[b])
	}
	encoded := sb.String()
	if id, ok := t.tokenToID[encoded]; ok {
		return []int32{id}, nil
	}

	runes := []rune(encoded)
	symbols := make([]symbol, len(runes))
	for i, r := range runes {
		symbols[i] = symbol{text: string(r), prev: i - 1, next: i + 1}
	}
	symbols[len(symbols)-1].next = -1

	pair := func(left, right int) *bigram {
		if left < 0 || right < 0 {
			return nil
		}
		l, r := symbols[left].text, symbols[right].text
		rank, ok := t.merges[l+" "+r]
		if !ok {
			return nil
		}
		return &bigram{left: left, right: right, rank: rank, text: l + r}
	}

	queue := heap.NewWith(func(a, b *bigram) int {
		if c := cmp.Compare(a.rank, b.rank); c != 0 {
			return c
		}
		return cmp.Compare(a.left, b.left)
	})
	for i := 0; i+1 < len(symbols); i++ {
		if p := pair(i, i+1); p != nil {
			queue.Push(p)
		}
	}

	for !queue.Empty() {
		best, _ := queue.Pop()
		left, right := &symbols[best.left], &symbols[best.right]
		// skip pairs invalidated by an earlier merge
		if left.text == "" || right.text == "" || left.next != best.right || left.text+right.text != best.text {
			continue
		}
		if _, ok := t.tokenToID[best.text]; !ok {
			continue
		}

		left.text = best.text
		left.next = right.next
		if right.next >= 0 {
			symbols[right.next].prev = best.left
		}
		right.text = ""

		if p := pair(left.prev, best.left); p != nil {
			queue.Push(p)
		}
		if p := pair(best.left, left.next); p != nil {
			queue.Push(p)
		}
	}

	var ids []int32
	for i := 0; i >= 0; i = symbols[i].next {
		id, ok := t.tokenToID[symbols[i].text]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownToken, symbols[i].text)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Decode converts ids back to text. Control tokens are skipped.
func (t *Tokenizer) Decode(ids []int32) (string, error) {
	var buf []byte
	for _, id := range ids {
		if id < 0 || int(id) >= len(t.vocab) {
			return "", fmt.Errorf("token id %d out of range", id)
		}
		if t.isSpecialToken(id) {
			continue
		}
		for _, r := range t.vocab[id] {
			if b, ok := byteDecoder[r]; ok {
				buf = append(buf, b)
			} else {
				buf = append(buf, string(r)...)
			}
		}
	}
	return string(buf), nil
}

func (t *Tokenizer) isSpecialToken(id int32) bool {
	return id == t.bosID || id == t.eosID ||
		t.tokenTypes[id] == TokenControl || t.tokenTypes[id] == TokenUnused
}

// byteEncoder maps every byte to a printable rune so that byte-level
// tokens are valid strings; byteDecoder inverts it.
var byteEncoder, byteDecoder = byteTables()

func byteTables() ([256]rune, map[rune]byte) {
	var enc [256]rune
	dec := make(map[rune]byte, 256)
	next := rune(256)
	for b := 0; b < 256; b++ {
		r := rune(b)
		printable := ('!' <= r && r <= '~') || ('¡' <= r && r <= '¬') || ('®' <= r && r <= 'ÿ')
		if !printable {
			r = next
			next++
		}
		enc[b] = r
		dec[r] = byte(b)
	}
	return enc, dec
}

// Normalizer applies Unicode normalization before splitting.
type Normalizer struct {
	nfc bool
}

func NewNormalizer(nfc bool) Normalizer {
	return Normalizer{nfc: nfc}
}

func (n Normalizer) Normalize(text string) string {
	if n.nfc {
		return norm.NFC.String(text)
	}
	return text
}
