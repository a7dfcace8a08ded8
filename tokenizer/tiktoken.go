package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// cl100k_base reserves IDs up to 100276 (specials included), so our
// own specials start right after.
const (
	cl100kBaseSize = 100277

	tiktokenPadID = int64(cl100kBaseSize)
	tiktokenSepID = int64(cl100kBaseSize + 1)
	tiktokenEndID = int64(cl100kBaseSize + 2)
)

// TiktokenTokenizer wraps the cl100k_base BPE used by GPT-3.5/4,
// with pad/sep/end specials appended past the base vocabulary. It is
// the quick-start alternative to training a corpus-specific BPE.
type TiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the cl100k_base encoding. The first call fetches
// the BPE ranks file unless a local tiktoken cache is present.
func NewTiktoken() (*TiktokenTokenizer, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("load cl100k_base: %w", err)
	}
	return &TiktokenTokenizer{enc: enc}, nil
}

// Encode converts text to token IDs. Special-token text in the input
// is encoded as ordinary text, never as specials.
func (t *TiktokenTokenizer) Encode(text string) []int64 {
	ids := t.enc.Encode(text, nil, nil)
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

// Decode converts token IDs back to text, skipping our specials.
func (t *TiktokenTokenizer) Decode(tokens []int64) string {
	ids := make([]int, 0, len(tokens))
	for _, id := range tokens {
		if id >= int64(cl100kBaseSize) {
			continue
		}
		ids = append(ids, int(id))
	}
	return t.enc.Decode(ids)
}

// VocabSize returns the base vocabulary plus the three specials.
func (t *TiktokenTokenizer) VocabSize() int { return cl100kBaseSize + 3 }

func (t *TiktokenTokenizer) Pad() int64 { return tiktokenPadID }
func (t *TiktokenTokenizer) Sep() int64 { return tiktokenSepID }
func (t *TiktokenTokenizer) End() int64 { return tiktokenEndID }
