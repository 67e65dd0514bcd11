package tokenizer

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	pq "github.com/emirpasic/gods/queues/priorityqueue"

	"github.com/23skdu/corellm/internal/errs"
	"github.com/23skdu/corellm/internal/gguf"
	"github.com/23skdu/corellm/internal/logger"
	"github.com/23skdu/corellm/internal/metrics"
)

const spaceMarker = "▁"

type TokenType int32

const (
	TokenUndefined   TokenType = 0
	TokenNormal      TokenType = 1
	TokenUnknown     TokenType = 2
	TokenControl     TokenType = 3
	TokenUserDefined TokenType = 4
	TokenUnused      TokenType = 5
	TokenByte        TokenType = 6
)

// Vocabulary is the ordered token table. Token ids are indices.
type Vocabulary struct {
	Tokens []string
	Scores []float32
	Types  []TokenType
}

// Options carries special token ids and encoding flags. A negative id means
// the vocabulary has no such token.
type Options struct {
	BOS            int
	EOS            int
	EOT            int
	UNK            int
	PAD            int
	AddBOS         bool
	AddSpacePrefix bool
}

// EncodeOptions controls a single Encode call.
type EncodeOptions struct {
	AddBOS       bool
	ParseSpecial bool
}

type Tokenizer struct {
	vocab    Vocabulary
	opts     Options
	pieces   map[string]int
	specials []string
	special  map[string]int
	byteIDs  [256]int
	eog      map[int]bool
}

// eogPieces are control tokens that end a turn in common chat formats.
var eogPieces = map[string]bool{
	"</s>":          true,
	"<|im_end|>":    true,
	"<|eot_id|>":    true,
	"<|endoftext|>": true,
	"<end_of_turn>": true,
}

// New builds an SPM tokenizer from GGUF metadata.
func New(md gguf.Metadata) (*Tokenizer, error) {
	const op = "tokenizer.new"
	if model, ok := md.String("tokenizer.ggml.model"); ok && model != "llama" {
		return nil, errs.Errorf(errs.UnsupportedArchitecture, op, "tokenizer model %q", model)
	}
	tokens, ok := md.Strings("tokenizer.ggml.tokens")
	if !ok || len(tokens) == 0 {
		return nil, errs.Errorf(errs.Schema, op, "missing or invalid tokenizer.ggml.tokens")
	}
	v := Vocabulary{Tokens: tokens}
	if _, present := md["tokenizer.ggml.scores"]; present {
		scores, ok := md.Float32s("tokenizer.ggml.scores")
		if !ok || len(scores) != len(tokens) {
			return nil, errs.Errorf(errs.Schema, op, "tokenizer.ggml.scores has wrong type or length")
		}
		v.Scores = scores
	}
	if _, present := md["tokenizer.ggml.token_type"]; present {
		types, ok := md.Ints("tokenizer.ggml.token_type")
		if !ok || len(types) != len(tokens) {
			return nil, errs.Errorf(errs.Schema, op, "tokenizer.ggml.token_type has wrong type or length")
		}
		v.Types = make([]TokenType, len(types))
		for i, t := range types {
			v.Types[i] = TokenType(t)
		}
	}

	specialID := func(key string, def int) int {
		if id, ok := md.Int(key); ok {
			return int(id)
		}
		return def
	}
	opts := Options{
		BOS:            specialID("tokenizer.ggml.bos_token_id", 1),
		EOS:            specialID("tokenizer.ggml.eos_token_id", 2),
		EOT:            specialID("tokenizer.ggml.eot_token_id", -1),
		UNK:            specialID("tokenizer.ggml.unknown_token_id", 0),
		PAD:            specialID("tokenizer.ggml.padding_token_id", -1),
		AddBOS:         true,
		AddSpacePrefix: true,
	}
	if b, ok := md.Bool("tokenizer.ggml.add_bos_token"); ok {
		opts.AddBOS = b
	}
	if b, ok := md.Bool("tokenizer.ggml.add_space_prefix"); ok {
		opts.AddSpacePrefix = b
	}
	return NewFromVocabulary(v, opts)
}

// NewFromVocabulary builds a tokenizer from an explicit vocabulary. Missing
// scores default to zero. Missing types are inferred: special ids become
// control (unknown for UNK), "<0xNN>" pieces become byte tokens.
func NewFromVocabulary(v Vocabulary, opts Options) (*Tokenizer, error) {
	const op = "tokenizer.new"
	n := len(v.Tokens)
	if n == 0 {
		return nil, errs.Errorf(errs.Schema, op, "empty vocabulary")
	}
	if v.Scores == nil {
		v.Scores = make([]float32, n)
	}
	inRange := func(id int) bool { return id >= 0 && id < n }
	for _, id := range []*int{&opts.BOS, &opts.EOS, &opts.EOT, &opts.UNK, &opts.PAD} {
		if !inRange(*id) {
			*id = -1
		}
	}
	if v.Types == nil {
		v.Types = make([]TokenType, n)
		for i, tok := range v.Tokens {
			switch {
			case i == opts.UNK:
				v.Types[i] = TokenUnknown
			case i == opts.BOS || i == opts.EOS || i == opts.EOT || i == opts.PAD:
				v.Types[i] = TokenControl
			case isBytePiece(tok):
				v.Types[i] = TokenByte
			default:
				v.Types[i] = TokenNormal
			}
		}
	}
	if len(v.Scores) != n || len(v.Types) != n {
		return nil, errs.Errorf(errs.Schema, op, "vocabulary tables disagree: %d tokens, %d scores, %d types",
			n, len(v.Scores), len(v.Types))
	}

	t := &Tokenizer{
		vocab:   v,
		opts:    opts,
		pieces:  make(map[string]int, n),
		special: make(map[string]int),
		eog:     make(map[int]bool),
	}
	for i := range t.byteIDs {
		t.byteIDs[i] = -1
	}
	for id, tok := range v.Tokens {
		switch v.Types[id] {
		case TokenNormal, TokenUserDefined, TokenUnused, TokenUndefined:
			if _, dup := t.pieces[tok]; !dup {
				t.pieces[tok] = id
			}
		case TokenByte:
			if b, ok := parseBytePiece(tok); ok {
				t.byteIDs[b] = id
			}
		}
		if v.Types[id] == TokenControl || v.Types[id] == TokenUserDefined {
			if tok != "" {
				if _, dup := t.special[tok]; !dup {
					t.special[tok] = id
					t.specials = append(t.specials, tok)
				}
			}
		}
		if v.Types[id] == TokenControl && eogPieces[tok] {
			t.eog[id] = true
		}
	}
	sort.SliceStable(t.specials, func(a, b int) bool { return len(t.specials[a]) > len(t.specials[b]) })
	if opts.EOS >= 0 {
		t.eog[opts.EOS] = true
	}
	if opts.EOT >= 0 {
		t.eog[opts.EOT] = true
	}
	logger.Log.Debug("tokenizer ready",
		"vocab", n,
		"specials", len(t.specials),
		"bos", opts.BOS,
		"eos", opts.EOS,
		"add_bos", opts.AddBOS)
	return t, nil
}

func (t *Tokenizer) VocabSize() int        { return len(t.vocab.Tokens) }
func (t *Tokenizer) Vocabulary() Vocabulary { return t.vocab }
func (t *Tokenizer) Options() Options       { return t.opts }
func (t *Tokenizer) BOS() int               { return t.opts.BOS }
func (t *Tokenizer) EOS() int               { return t.opts.EOS }

// IsEOG reports whether id ends generation.
func (t *Tokenizer) IsEOG(id int) bool { return t.eog[id] }

// IsSpecial reports whether id is a control or unknown token, which are not
// part of normal text output.
func (t *Tokenizer) IsSpecial(id int) bool {
	if id < 0 || id >= len(t.vocab.Types) {
		return false
	}
	typ := t.vocab.Types[id]
	return typ == TokenControl || typ == TokenUnknown
}

// Piece returns the raw vocabulary string of id.
func (t *Tokenizer) Piece(id int) (string, error) {
	if id < 0 || id >= len(t.vocab.Tokens) {
		return "", errs.Errorf(errs.InvalidTokenID, "tokenizer.piece", "id %d outside vocabulary of %d", id, len(t.vocab.Tokens))
	}
	return t.vocab.Tokens[id], nil
}

// Encode tokenizes text without a BOS token and without recognizing special
// token text.
func (t *Tokenizer) Encode(text string) []int {
	return t.EncodeOpts(text, EncodeOptions{})
}

// EncodeOpts tokenizes text. With ParseSpecial, occurrences of control and
// user-defined token strings map directly to their ids.
func (t *Tokenizer) EncodeOpts(text string, o EncodeOptions) []int {
	start := time.Now()
	var ids []int
	if o.AddBOS && t.opts.BOS >= 0 {
		ids = append(ids, t.opts.BOS)
	}
	fallbacks := 0
	for i, frag := range t.fragments(text, o.ParseSpecial) {
		if frag.id >= 0 {
			ids = append(ids, frag.id)
			continue
		}
		s := frag.text
		if t.opts.AddSpacePrefix && i == 0 && frag.atStart {
			s = " " + s
		}
		var n int
		ids, n = t.encodeSPM(ids, strings.ReplaceAll(s, " ", spaceMarker))
		fallbacks += n
	}
	metrics.RecordTokenizerEncode(len(ids), fallbacks, time.Since(start))
	return ids
}

type fragment struct {
	text    string
	id      int
	atStart bool
}

func (t *Tokenizer) fragments(text string, parseSpecial bool) []fragment {
	if text == "" {
		return nil
	}
	if !parseSpecial || len(t.specials) == 0 {
		return []fragment{{text: text, id: -1, atStart: true}}
	}
	var out []fragment
	last := 0
	for i := 0; i < len(text); {
		matched := ""
		for _, sp := range t.specials {
			if strings.HasPrefix(text[i:], sp) {
				matched = sp
				break
			}
		}
		if matched == "" {
			_, size := utf8.DecodeRuneInString(text[i:])
			i += size
			continue
		}
		if last < i {
			out = append(out, fragment{text: text[last:i], id: -1, atStart: last == 0})
		}
		out = append(out, fragment{id: t.special[matched]})
		i += len(matched)
		last = i
	}
	if last < len(text) {
		out = append(out, fragment{text: text[last:], id: -1, atStart: last == 0})
	}
	return out
}

type symbol struct {
	text       string
	prev, next int
}

type bigram struct {
	left, right int
	score       float32
	id          int
	size        int
}

// byPriority orders bigrams by highest score, then lowest resulting id, then
// leftmost position.
func byPriority(a, b interface{}) int {
	x, y := a.(*bigram), b.(*bigram)
	switch {
	case x.score != y.score:
		if x.score > y.score {
			return -1
		}
		return 1
	case x.id != y.id:
		if x.id < y.id {
			return -1
		}
		return 1
	case x.left != y.left:
		if x.left < y.left {
			return -1
		}
		return 1
	}
	return 0
}

// encodeSPM appends the ids for s, which already uses the space marker, and
// returns how many characters needed byte fallback.
func (t *Tokenizer) encodeSPM(ids []int, s string) ([]int, int) {
	if s == "" {
		return ids, 0
	}
	if id, ok := t.pieces[s]; ok {
		return append(ids, id), 0
	}

	syms := make([]symbol, 0, len(s))
	for i := 0; i < len(s); {
		_, size := utf8.DecodeRuneInString(s[i:])
		syms = append(syms, symbol{text: s[i : i+size], prev: len(syms) - 1, next: len(syms) + 1})
		i += size
	}
	syms[len(syms)-1].next = -1

	queue := pq.NewWith(byPriority)
	tryAdd := func(left, right int) {
		if left < 0 || right < 0 {
			return
		}
		merged := syms[left].text + syms[right].text
		id, ok := t.pieces[merged]
		if !ok {
			return
		}
		queue.Enqueue(&bigram{left: left, right: right, score: t.vocab.Scores[id], id: id, size: len(merged)})
	}
	for i := 1; i < len(syms); i++ {
		tryAdd(i-1, i)
	}

	for !queue.Empty() {
		v, _ := queue.Dequeue()
		bg := v.(*bigram)
		left, right := &syms[bg.left], &syms[bg.right]
		// Skip entries made stale by an earlier merge.
		if left.text == "" || right.text == "" || len(left.text)+len(right.text) != bg.size || left.next != bg.right {
			continue
		}
		left.text += right.text
		right.text = ""
		left.next = right.next
		if right.next >= 0 {
			syms[right.next].prev = bg.left
		}
		tryAdd(left.prev, bg.left)
		tryAdd(bg.left, left.next)
	}

	fallbacks := 0
	for i := 0; i >= 0; i = syms[i].next {
		sym := syms[i].text
		if id, ok := t.pieces[sym]; ok {
			ids = append(ids, id)
			continue
		}
		fallbacks++
		for j := 0; j < len(sym); j++ {
			if id := t.byteIDs[sym[j]]; id >= 0 {
				ids = append(ids, id)
			} else if t.opts.UNK >= 0 {
				ids = append(ids, t.opts.UNK)
				break
			}
		}
	}
	return ids, fallbacks
}

// Decode renders ids as text, skipping control and unknown tokens. It is
// defined as the concatenation of a StreamDecoder's output, so streaming
// and whole-sequence decoding always agree.
func (t *Tokenizer) Decode(ids []int) (string, error) {
	return t.DecodeOpts(ids, DecodeOptions{StripLeadingSpace: t.opts.AddSpacePrefix})
}

// DecodeOpts renders ids with explicit options.
func (t *Tokenizer) DecodeOpts(ids []int, o DecodeOptions) (string, error) {
	d := t.NewStreamDecoder(o)
	var sb strings.Builder
	for _, id := range ids {
		s, err := d.Next(id)
		if err != nil {
			return "", err
		}
		sb.WriteString(s)
	}
	sb.WriteString(d.Flush())
	return sb.String(), nil
}

func isBytePiece(s string) bool {
	_, ok := parseBytePiece(s)
	return ok
}

// parseBytePiece decodes "<0xNN>".
func parseBytePiece(s string) (byte, bool) {
	if len(s) != 6 || !strings.HasPrefix(s, "<0x") || s[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(s[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

// BytePiece formats b as a byte-fallback token string.
func BytePiece(b byte) string {
	return fmt.Sprintf("<0x%02X>", b)
}
