package tokenizer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const corpus = "the cat sat on the mat. the cat ate the rat. " +
	"the dog sat on the log. the dog ate the bone."

func TestBaseRoundtrip(t *testing.T) {
	tok := newBPEBase()

	text := "hello, world! Ünïcödé too."
	ids := tok.Encode(text)
	assert.Equal(t, text, tok.Decode(ids))

	// Without merges every token is a single byte.
	assert.Len(t, ids, len([]byte(text)))
}

func TestTrainCompresses(t *testing.T) {
	tok := TrainBPE(corpus, 300)
	require.Greater(t, tok.NumMerges(), 0)

	ids := tok.Encode(corpus)
	assert.Less(t, len(ids), len([]byte(corpus)), "merges should shorten the encoding")
	assert.Equal(t, corpus, tok.Decode(ids))
}

func TestTrainedRoundtripUnseenText(t *testing.T) {
	tok := TrainBPE(corpus, 300)

	// Byte fallback must cover text the training corpus never saw.
	text := "zebras quibble @ 3 AM"
	assert.Equal(t, text, tok.Decode(tok.Encode(text)))
}

func TestSpecialTokenIDs(t *testing.T) {
	tok := newBPEBase()
	assert.Equal(t, int64(256), tok.Pad())
	assert.Equal(t, int64(257), tok.Sep())
	assert.Equal(t, int64(258), tok.End())

	// Decode skips specials rather than printing their markers.
	ids := append(tok.Encode("hi"), tok.Sep(), tok.End(), tok.Pad())
	assert.Equal(t, "hi", tok.Decode(ids))
}

func TestSaveLoadRoundtrip(t *testing.T) {
	tok := TrainBPE(corpus, 300)

	path := filepath.Join(t.TempDir(), "merges.bpe")
	require.NoError(t, tok.Save(path))

	loaded, err := LoadBPE(path)
	require.NoError(t, err)

	assert.Equal(t, tok.VocabSize(), loaded.VocabSize())
	assert.Equal(t, tok.NumMerges(), loaded.NumMerges())

	text := "the cat sat on the log"
	assert.Equal(t, tok.Encode(text), loaded.Encode(text))
}

func TestPreTokenizeBoundaries(t *testing.T) {
	tok := TrainBPE("aaaa bbbb aaaa bbbb aaaa bbbb", 270)

	// Merges must not cross chunk boundaries: no token may span the
	// letters of "a...a b...b" joined together.
	for id := FirstMergeID; id < FirstMergeID+int64(tok.NumMerges()); id++ {
		b, ok := tok.vocab[id]
		if !ok {
			continue
		}
		s := string(b)
		assert.NotContains(t, s, "ab", "merge %d spans a chunk boundary: %q", id, s)
	}
}

func TestEncodeEmpty(t *testing.T) {
	tok := newBPEBase()
	assert.Empty(t, tok.Encode(""))
	assert.Equal(t, "", tok.Decode(nil))
}
