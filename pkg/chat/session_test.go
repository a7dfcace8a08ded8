package chat

import (
	"strings"
	"testing"

	"github.com/avolkov/qachat/nn"
	"github.com/avolkov/qachat/tokenizer"

	_ "github.com/avolkov/qachat/backend/cpu" // register CPU backend
)

func newSession(t *testing.T, opts Options) *Session {
	t.Helper()
	tok := tokenizer.TrainBPE("hello world how are you fine thanks", 270)
	model, err := nn.NewTransformer(nn.TinyConfig(tok.VocabSize()))
	if err != nil {
		t.Fatal(err)
	}
	return NewSession(model, tok, opts)
}

func TestAnswerTerminates(t *testing.T) {
	s := newSession(t, Options{MaxNewTokens: 10, Temperature: 0})

	answer, err := s.Answer("how are you")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	// An untrained model produces noise, but generation must stop and
	// the reply must not leak special-token markers.
	if strings.Contains(answer, "<pad>") || strings.Contains(answer, "<sep>") || strings.Contains(answer, "<end>") {
		t.Errorf("answer leaked special tokens: %q", answer)
	}
}

func TestAnswerGreedyIsDeterministic(t *testing.T) {
	s := newSession(t, Options{MaxNewTokens: 8, Temperature: 0})

	a, err := s.Answer("hello")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Answer("hello")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("greedy decoding differed: %q vs %q", a, b)
	}
}

func TestAnswerRejectsOverlongQuestion(t *testing.T) {
	s := newSession(t, Options{MaxNewTokens: 4, Temperature: 0})

	long := strings.Repeat("very long question ", 50)
	if _, err := s.Answer(long); err == nil {
		t.Fatal("expected error for a question exceeding the context window")
	}
}

func TestMaxNewTokensDefault(t *testing.T) {
	s := newSession(t, Options{})
	if s.opts.MaxNewTokens != 128 {
		t.Errorf("default MaxNewTokens = %d, want 128", s.opts.MaxNewTokens)
	}
}
