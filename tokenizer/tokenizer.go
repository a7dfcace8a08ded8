package tokenizer

// Token ID layout (shared across all qachat tokenizers):
//
//	0-255:   raw bytes (UTF-8 byte values)
//	256:     <pad>   padding
//	257:     <sep>   question/answer separator
//	258:     <end>   end of answer
//	259:     <unk>   unknown token
//	260+:    BPE merged tokens (ordered by merge priority)
//
// The tiktoken-backed tokenizer uses its own base vocabulary and
// appends the three specials past it; callers must go through the
// PadID/SepID/EndID accessors rather than assuming fixed values.
const (
	NumBytes     = 256
	PadID        = int64(256)
	SepID        = int64(257)
	EndID        = int64(258)
	UnkID        = int64(259)
	FirstMergeID = int64(260)
)

// Tokenizer converts between text and token IDs.
type Tokenizer interface {
	Encode(text string) []int64
	Decode(tokens []int64) string
	VocabSize() int

	// Special token accessors. IDs differ between implementations.
	Pad() int64
	Sep() int64
	End() int64
}
