package train

import (
	"encoding/gob"
	"fmt"
	"os"

	"github.com/avolkov/qachat/nn"
)

// checkpointFile is the serialized form of a model: its architecture
// config plus every parameter tensor flattened in Parameters() order.
type checkpointFile struct {
	Config nn.ModelConfig
	Params [][]float32
}

// SaveCheckpoint writes the model weights and config to path.
func SaveCheckpoint(path string, model *nn.Transformer) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	params := model.Parameters()
	ck := checkpointFile{
		Config: model.Config,
		Params: make([][]float32, len(params)),
	}
	for i, p := range params {
		data := make([]float32, p.NumElements())
		copy(data, p.ToFloat32Slice())
		ck.Params[i] = data
	}
	return gob.NewEncoder(f).Encode(&ck)
}

// LoadCheckpoint rebuilds a model from a checkpoint file.
func LoadCheckpoint(path string) (*nn.Transformer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ck checkpointFile
	if err := gob.NewDecoder(f).Decode(&ck); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	model, err := nn.NewTransformer(ck.Config)
	if err != nil {
		return nil, err
	}

	params := model.Parameters()
	if len(params) != len(ck.Params) {
		return nil, fmt.Errorf("checkpoint has %d parameter tensors, model expects %d",
			len(ck.Params), len(params))
	}
	for i, p := range params {
		dst := p.ToFloat32Slice()
		if len(dst) != len(ck.Params[i]) {
			return nil, fmt.Errorf("parameter %d: checkpoint has %d elements, model expects %d",
				i, len(ck.Params[i]), len(dst))
		}
		copy(dst, ck.Params[i])
	}
	return model, nil
}
