// Package chat runs interactive question answering against a trained
// model.
package chat

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/avolkov/qachat/nn"
	"github.com/avolkov/qachat/tensor"
	"github.com/avolkov/qachat/tokenizer"
)

// Options control generation.
type Options struct {
	MaxNewTokens int
	TopK         int
	Temperature  float64
	Seed         int64
}

// Session answers questions with a trained model.
type Session struct {
	model *nn.Transformer
	tok   tokenizer.Tokenizer
	opts  Options
	rng   *rand.Rand
}

// NewSession creates a chat session.
func NewSession(model *nn.Transformer, tok tokenizer.Tokenizer, opts Options) *Session {
	if opts.MaxNewTokens <= 0 {
		opts.MaxNewTokens = 128
	}
	return &Session{
		model: model,
		tok:   tok,
		opts:  opts,
		rng:   rand.New(rand.NewSource(opts.Seed)),
	}
}

// Answer generates a reply to the question. Generation starts after
// the separator token and stops at the end token, the context window,
// or the new-token limit, whichever comes first.
func (s *Session) Answer(question string) (string, error) {
	ids := s.tok.Encode(strings.TrimSpace(question))
	ids = append(ids, s.tok.Sep())

	maxLen := s.model.Config.MaxSeqLen
	if len(ids) >= maxLen {
		return "", fmt.Errorf("question takes %d tokens, context window is %d", len(ids), maxLen)
	}

	var answer []int64
	for i := 0; i < s.opts.MaxNewTokens && len(ids) < maxLen; i++ {
		next, err := s.nextToken(ids)
		if err != nil {
			return "", err
		}
		if next == s.tok.End() {
			break
		}
		ids = append(ids, next)
		answer = append(answer, next)
	}

	return strings.TrimSpace(s.tok.Decode(answer)), nil
}

// nextToken runs the model over the current context and samples the
// next token from the last position's logits.
func (s *Session) nextToken(ids []int64) (int64, error) {
	seqLen := len(ids)
	row := make([]int64, seqLen)
	copy(row, ids)

	tokens, err := tensor.FromSlice(row, tensor.Shape{1, seqLen})
	if err != nil {
		return 0, err
	}

	logits, err := s.model.Forward(tokens, nil)
	if err != nil {
		return 0, err
	}

	vocab := s.model.Config.VocabSize
	all := logits.ToFloat32Slice()
	last := all[(seqLen-1)*vocab : seqLen*vocab]

	if s.opts.Temperature <= 0 {
		return int64(nn.ArgMax(last)), nil
	}
	return int64(nn.TopKSample(s.rng, last, s.opts.TopK, s.opts.Temperature)), nil
}
