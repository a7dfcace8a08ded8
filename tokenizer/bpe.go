package tokenizer

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/dlclark/regexp2"
)

// GPT-2 style pre-tokenization pattern. Uses lookahead, which the
// stdlib regexp cannot express.
const preTokenPattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

// MergePair is one BPE merge rule: tokens A and B merge into a new
// token with ID FirstMergeID + index_in_merges_list.
type MergePair struct {
	A, B int64
}

// BPETokenizer implements byte-level BPE (Sennrich et al., 2016) with
// GPT-style pre-tokenization: the text is first split into word-like
// chunks and merges never cross chunk boundaries.
type BPETokenizer struct {
	merges    []MergePair      // ordered merge rules (index = priority)
	vocab     map[int64][]byte // id → byte sequence this token represents
	vocabSize int
	pre       *regexp2.Regexp
}

// TrainBPE trains a byte-level BPE tokenizer on the given corpus.
// targetVocabSize counts the 260 base tokens, so the number of merges
// learned is targetVocabSize - 260.
func TrainBPE(text string, targetVocabSize int) *BPETokenizer {
	t := newBPEBase()

	chunks := t.preTokenize(text)
	words := make([][]int64, len(chunks))
	total := 0
	for i, c := range chunks {
		raw := []byte(c)
		ids := make([]int64, len(raw))
		for j, b := range raw {
			ids[j] = int64(b)
		}
		words[i] = ids
		total += len(raw)
	}

	numMerges := targetVocabSize - int(FirstMergeID)
	if numMerges <= 0 {
		return t
	}

	fmt.Printf("BPE training: %d bytes, %d chunks → %d merges\n", total, len(words), numMerges)

	for m := 0; m < numMerges; m++ {
		counts := make(map[MergePair]int)
		for _, w := range words {
			for i := 0; i < len(w)-1; i++ {
				counts[MergePair{w[i], w[i+1]}]++
			}
		}
		if len(counts) == 0 {
			break
		}

		// Most frequent pair, ties broken by lower IDs for determinism.
		var best MergePair
		bestCount := 0
		for p, c := range counts {
			if c > bestCount || (c == bestCount && (p.A < best.A || (p.A == best.A && p.B < best.B))) {
				best = p
				bestCount = c
			}
		}
		if bestCount < 2 {
			break
		}

		newID := FirstMergeID + int64(m)
		t.vocab[newID] = concatBytes(t.vocab[best.A], t.vocab[best.B])
		t.merges = append(t.merges, best)

		for i, w := range words {
			words[i] = replacePairInPlace(w, best.A, best.B, newID)
		}

		if (m+1)%500 == 0 || m == numMerges-1 {
			fmt.Printf("  merge %4d/%d  %q + %q  freq=%d\n",
				m+1, numMerges, safeStr(t.vocab[best.A]), safeStr(t.vocab[best.B]), bestCount)
		}
	}

	t.vocabSize = int(FirstMergeID) + len(t.merges)
	return t
}

// Encode converts text to BPE token IDs. Merges apply in training
// order within each pre-token chunk.
func (t *BPETokenizer) Encode(text string) []int64 {
	if len(text) == 0 {
		return nil
	}

	var out []int64
	for _, chunk := range t.preTokenize(text) {
		raw := []byte(chunk)
		ids := make([]int64, len(raw))
		for i, b := range raw {
			ids[i] = int64(b)
		}
		for i, merge := range t.merges {
			if len(ids) < 2 {
				break
			}
			ids = replacePairInPlace(ids, merge.A, merge.B, FirstMergeID+int64(i))
		}
		out = append(out, ids...)
	}
	return out
}

// Decode converts token IDs back to text. Unknown IDs are skipped.
func (t *BPETokenizer) Decode(tokens []int64) string {
	var buf []byte
	for _, id := range tokens {
		if id == PadID || id == SepID || id == EndID {
			continue
		}
		if b, ok := t.vocab[id]; ok {
			buf = append(buf, b...)
		}
	}
	return string(buf)
}

// DecodeToken converts a single token ID to its string form.
func (t *BPETokenizer) DecodeToken(id int64) string {
	if b, ok := t.vocab[id]; ok {
		return string(b)
	}
	return "<unk>"
}

func (t *BPETokenizer) VocabSize() int { return t.vocabSize }
func (t *BPETokenizer) NumMerges() int { return len(t.merges) }

func (t *BPETokenizer) Pad() int64 { return PadID }
func (t *BPETokenizer) Sep() int64 { return SepID }
func (t *BPETokenizer) End() int64 { return EndID }

// Save writes the merge rules to a file, one "A B" pair per line.
// The full vocab is reconstructible from merges alone.
func (t *BPETokenizer) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "# qachat BPE v1\n")
	fmt.Fprintf(w, "# vocab_size %d\n", t.vocabSize)
	fmt.Fprintf(w, "# num_merges %d\n", len(t.merges))
	for _, m := range t.merges {
		fmt.Fprintf(w, "%d %d\n", m.A, m.B)
	}
	return w.Flush()
}

// LoadBPE reads a merge file and rebuilds the tokenizer.
func LoadBPE(path string) (*BPETokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t := newBPEBase()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		var a, b int64
		if _, err := fmt.Sscanf(line, "%d %d", &a, &b); err != nil {
			continue
		}
		newID := FirstMergeID + int64(len(t.merges))
		t.vocab[newID] = concatBytes(t.vocab[a], t.vocab[b])
		t.merges = append(t.merges, MergePair{a, b})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	t.vocabSize = int(FirstMergeID) + len(t.merges)
	return t, nil
}

// preTokenize splits text into GPT-style chunks.
func (t *BPETokenizer) preTokenize(text string) []string {
	var chunks []string
	m, err := t.pre.FindStringMatch(text)
	for err == nil && m != nil {
		chunks = append(chunks, m.String())
		m, err = t.pre.FindNextMatch(m)
	}
	return chunks
}

// newBPEBase creates a tokenizer with the 260 base tokens.
func newBPEBase() *BPETokenizer {
	t := &BPETokenizer{
		vocab:     make(map[int64][]byte, 512),
		vocabSize: int(FirstMergeID),
		pre:       regexp2.MustCompile(preTokenPattern, regexp2.None),
	}
	for i := 0; i < NumBytes; i++ {
		t.vocab[int64(i)] = []byte{byte(i)}
	}
	t.vocab[PadID] = []byte("<pad>")
	t.vocab[SepID] = []byte("<sep>")
	t.vocab[EndID] = []byte("<end>")
	t.vocab[UnkID] = []byte("<unk>")
	return t
}

// replacePairInPlace rewrites ids, replacing every adjacent (a, b)
// with newID. Reuses the underlying array.
func replacePairInPlace(ids []int64, a, b, newID int64) []int64 {
	out := ids[:0]
	i := 0
	for i < len(ids) {
		if i < len(ids)-1 && ids[i] == a && ids[i+1] == b {
			out = append(out, newID)
			i += 2
		} else {
			out = append(out, ids[i])
			i++
		}
	}
	return out
}

func concatBytes(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}

// safeStr renders token bytes for logging, escaping non-printables.
func safeStr(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if c >= 0x20 && c < 0x7f {
			sb.WriteByte(c)
		} else {
			fmt.Fprintf(&sb, "\\x%02x", c)
		}
	}
	return sb.String()
}
