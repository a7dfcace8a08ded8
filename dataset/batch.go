package dataset

import (
	"fmt"
	"math/rand"

	"github.com/avolkov/qachat/tensor"
)

// Batch is one collated training batch.
type Batch struct {
	Source  *tensor.Tensor // [batch, seqLen] int64
	Target  *tensor.Tensor // [batch, seqLen] int64
	PadMask *tensor.Tensor // [batch, seqLen] bool
}

// Loader iterates over examples in shuffled fixed-size batches.
type Loader struct {
	examples  []Example
	batchSize int
	dropLast  bool
	rng       *rand.Rand
	order     []int
	pos       int
}

// NewLoader creates a batch loader. A nil rng disables shuffling.
func NewLoader(examples []Example, batchSize int, dropLast bool, rng *rand.Rand) (*Loader, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("no examples to load")
	}

	order := make([]int, len(examples))
	for i := range order {
		order[i] = i
	}
	l := &Loader{
		examples:  examples,
		batchSize: batchSize,
		dropLast:  dropLast,
		rng:       rng,
		order:     order,
	}
	l.Reset()
	return l, nil
}

// Reset rewinds the loader and reshuffles when an rng was supplied.
func (l *Loader) Reset() {
	l.pos = 0
	if l.rng != nil {
		l.rng.Shuffle(len(l.order), func(i, j int) {
			l.order[i], l.order[j] = l.order[j], l.order[i]
		})
	}
}

// NumBatches returns how many batches one epoch yields.
func (l *Loader) NumBatches() int {
	n := len(l.examples) / l.batchSize
	if !l.dropLast && len(l.examples)%l.batchSize != 0 {
		n++
	}
	return n
}

// Next returns the next batch, or ok=false at the end of the epoch.
func (l *Loader) Next() (Batch, bool, error) {
	remaining := len(l.order) - l.pos
	if remaining == 0 || (l.dropLast && remaining < l.batchSize) {
		return Batch{}, false, nil
	}

	n := l.batchSize
	if remaining < n {
		n = remaining
	}
	idx := l.order[l.pos : l.pos+n]
	l.pos += n

	seqLen := len(l.examples[idx[0]].Source)
	source := make([]int64, 0, n*seqLen)
	target := make([]int64, 0, n*seqLen)
	mask := make([]bool, 0, n*seqLen)
	for _, i := range idx {
		ex := l.examples[i]
		source = append(source, ex.Source...)
		target = append(target, ex.Target...)
		mask = append(mask, ex.PadMask...)
	}

	shape := tensor.Shape{n, seqLen}
	srcT, err := tensor.FromSlice(source, shape)
	if err != nil {
		return Batch{}, false, err
	}
	tgtT, err := tensor.FromSlice(target, shape)
	if err != nil {
		return Batch{}, false, err
	}
	maskT, err := tensor.FromBoolSlice(mask, shape)
	if err != nil {
		return Batch{}, false, err
	}

	return Batch{Source: srcT, Target: tgtT, PadMask: maskT}, true, nil
}
