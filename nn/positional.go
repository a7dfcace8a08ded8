package nn

import (
	"fmt"
	"math"

	"github.com/avolkov/qachat/ops"
	"github.com/avolkov/qachat/tensor"
)

// PositionalEncoding adds fixed sinusoidal position information to
// token embeddings. The table is precomputed once and never trained.
//
//	pe[pos, 2i]   = sin(pos / 10000^(2i/dim))
//	pe[pos, 2i+1] = cos(pos / 10000^(2i/dim))
type PositionalEncoding struct {
	Table  *tensor.Tensor // [maxLen, dim]
	MaxLen int
	Dim    int
}

// NewPositionalEncoding precomputes the encoding table.
func NewPositionalEncoding(dim, maxLen int) (*PositionalEncoding, error) {
	data := make([]float32, maxLen*dim)
	for pos := 0; pos < maxLen; pos++ {
		for i := 0; i < dim; i += 2 {
			angle := float64(pos) * math.Exp(-math.Log(10000.0)*float64(i)/float64(dim))
			data[pos*dim+i] = float32(math.Sin(angle))
			if i+1 < dim {
				data[pos*dim+i+1] = float32(math.Cos(angle))
			}
		}
	}

	table, err := tensor.FromSlice(data, tensor.Shape{maxLen, dim})
	if err != nil {
		return nil, err
	}

	return &PositionalEncoding{Table: table, MaxLen: maxLen, Dim: dim}, nil
}

// Forward adds positional encodings to x.
// x: [batch, seqLen, dim] → same shape. The table row for position p is
// added to every batch element's position p.
func (pe *PositionalEncoding) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	shape := x.Shape()
	seqLen := shape[1]
	if seqLen > pe.MaxLen {
		return nil, fmt.Errorf("sequence length %d exceeds positional table %d", seqLen, pe.MaxLen)
	}

	// Slice the first seqLen rows of the table; broadcasting over batch
	// handles the rest.
	tableData := pe.Table.ToFloat32Slice()
	window, err := tensor.FromSlice(tableData[:seqLen*pe.Dim], tensor.Shape{seqLen, pe.Dim})
	if err != nil {
		return nil, err
	}

	return ops.Add(x, window)
}
