package tokenizer

import (
	"strings"
	"unicode/utf8"

	"github.com/23skdu/corellm/internal/errs"
)

// DecodeOptions controls detokenization.
type DecodeOptions struct {
	// Special renders control and unknown tokens as their raw pieces.
	Special bool
	// StripLeadingSpace drops the single space the encoder prepends to the
	// start of text.
	StripLeadingSpace bool
}

// StreamDecoder turns a token stream into text one token at a time. Bytes of
// a UTF-8 sequence split across byte-fallback tokens are held back until the
// sequence is complete.
type StreamDecoder struct {
	t       *Tokenizer
	opts    DecodeOptions
	pending []byte
	started bool
}

func (t *Tokenizer) NewStreamDecoder(o DecodeOptions) *StreamDecoder {
	return &StreamDecoder{t: t, opts: o}
}

// Next returns the text completed by id. It may be empty.
func (d *StreamDecoder) Next(id int) (string, error) {
	v := d.t.vocab
	if id < 0 || id >= len(v.Tokens) {
		return "", errs.Errorf(errs.InvalidTokenID, "tokenizer.decode", "id %d outside vocabulary of %d", id, len(v.Tokens))
	}
	switch v.Types[id] {
	case TokenByte:
		b, ok := parseBytePiece(v.Tokens[id])
		if !ok {
			return "", nil
		}
		d.pending = append(d.pending, b)
	case TokenControl, TokenUnknown:
		if !d.opts.Special {
			return "", nil
		}
		d.pending = append(d.pending, v.Tokens[id]...)
	default:
		d.pending = append(d.pending, strings.ReplaceAll(v.Tokens[id], spaceMarker, " ")...)
	}
	return d.emit(completePrefix(d.pending)), nil
}

// Flush returns any bytes still held back. Incomplete sequences are returned
// as-is; callers printing them see replacement characters.
func (d *StreamDecoder) Flush() string {
	return d.emit(len(d.pending))
}

// Reset clears buffered state so the decoder can start a new sequence.
func (d *StreamDecoder) Reset() {
	d.pending = d.pending[:0]
	d.started = false
}

func (d *StreamDecoder) emit(n int) string {
	if n == 0 {
		return ""
	}
	out := d.pending[:n]
	if d.opts.StripLeadingSpace && !d.started && out[0] == ' ' {
		out = out[1:]
	}
	d.started = true
	s := string(out)
	d.pending = append(d.pending[:0], d.pending[n:]...)
	return s
}

// completePrefix returns the length of the longest prefix of b that does not
// end inside an unfinished UTF-8 sequence.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		c := b[i]
		if c < utf8.RuneSelf {
			return len(b)
		}
		if utf8.RuneStart(c) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}
