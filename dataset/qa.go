// Package dataset converts raw question-answer text pairs into the
// fixed-length token sequences the model trains on.
package dataset

import (
	"fmt"

	"github.com/avolkov/qachat/ops"
	"github.com/avolkov/qachat/tokenizer"
)

// Pair is one raw question-answer example.
type Pair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Example is one training-ready sequence triple.
//
//	Source:  model input, length MaxLen
//	Target:  next-token labels, length MaxLen; IgnoreIndex at positions
//	         whose source token is padding
//	PadMask: true at padded source positions
type Example struct {
	Source  []int64
	Target  []int64
	PadMask []bool
}

// SequenceBuilder assembles token sequences from QA pairs:
//
//	question ++ <sep> ++ answer ++ <end>
//
// truncated or padded to MaxLen+1, then split into the shifted
// (source, target) pair.
type SequenceBuilder struct {
	Tok    tokenizer.Tokenizer
	MaxLen int
}

// NewSequenceBuilder creates a builder for sequences of length maxLen.
func NewSequenceBuilder(tok tokenizer.Tokenizer, maxLen int) (*SequenceBuilder, error) {
	if maxLen < 2 {
		return nil, fmt.Errorf("maxLen must be at least 2, got %d", maxLen)
	}
	return &SequenceBuilder{Tok: tok, MaxLen: maxLen}, nil
}

// Build constructs the training example for one QA pair. Truncation
// is a plain cut: a long pair may lose its end marker and the tail of
// its answer.
func (sb *SequenceBuilder) Build(p Pair) Example {
	pad := sb.Tok.Pad()

	ids := sb.Tok.Encode(p.Question)
	ids = append(ids, sb.Tok.Sep())
	ids = append(ids, sb.Tok.Encode(p.Answer)...)
	ids = append(ids, sb.Tok.End())

	full := sb.MaxLen + 1
	if len(ids) > full {
		ids = ids[:full]
	}
	for len(ids) < full {
		ids = append(ids, pad)
	}

	source := make([]int64, sb.MaxLen)
	target := make([]int64, sb.MaxLen)
	mask := make([]bool, sb.MaxLen)
	copy(source, ids[:sb.MaxLen])
	copy(target, ids[1:])

	for i := range source {
		if source[i] == pad {
			target[i] = ops.IgnoreIndex
			mask[i] = true
		}
	}

	return Example{Source: source, Target: target, PadMask: mask}
}

// BuildAll converts a slice of pairs.
func (sb *SequenceBuilder) BuildAll(pairs []Pair) []Example {
	out := make([]Example, len(pairs))
	for i, p := range pairs {
		out[i] = sb.Build(p)
	}
	return out
}
