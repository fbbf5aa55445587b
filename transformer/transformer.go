package transformer

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/Titanium-SS/CheckMate/params"
)

// ErrCheckpointMismatch means a checkpoint was saved for a different
// architecture or vocabulary than the model it is loaded into.
var ErrCheckpointMismatch = errors.New("checkpoint does not match model")

// Checkpoints are gob-encoded weights only (no optimizer state). Every
// tensor is stored flat with its dims under the name Parameters() gives it.

type modelHeader struct {
	DimModel         int
	DHid             int
	NumHeads         int
	NumLayers        int
	NPositions       int
	VocabSize        int
	VocabFingerprint uint64
}

type tensorData struct {
	Name string
	R, C int
	Data []float64
}

type modelData struct {
	Header  modelHeader
	Tensors []tensorData
}

func (g *Transformer) header() modelHeader {
	return modelHeader{
		DimModel:         g.Cfg.DimModel,
		DHid:             g.Cfg.DHid,
		NumHeads:         g.Cfg.NumHeads,
		NumLayers:        g.Cfg.NumLayers,
		NPositions:       g.Cfg.NPositions,
		VocabSize:        g.VocabSize,
		VocabFingerprint: g.VocabFingerprint,
	}
}

// MarshalCheckpoint snapshots the current weights.
func MarshalCheckpoint(g *Transformer) ([]byte, error) {
	data := modelData{Header: g.header()}
	for _, p := range g.Parameters() {
		r, c := p.W.Dims()
		raw := mat.DenseCopyOf(p.W).RawMatrix()
		data.Tensors = append(data.Tensors, tensorData{
			Name: p.Name,
			R:    r,
			C:    c,
			Data: append([]float64(nil), raw.Data...),
		})
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return nil, errors.Wrap(err, "encode checkpoint")
	}
	return buf.Bytes(), nil
}

// UnmarshalCheckpoint validates raw against g and only then copies the
// weights in. On any mismatch g is left untouched.
func UnmarshalCheckpoint(g *Transformer, raw []byte) error {
	var data modelData
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&data); err != nil {
		return errors.Wrap(err, "decode checkpoint")
	}

	have, file := g.header(), data.Header
	check := func(name string, h, f int) error {
		if h != f {
			return errors.Wrapf(ErrCheckpointMismatch, "%s: have %d, file %d", name, h, f)
		}
		return nil
	}
	for _, c := range []struct {
		name string
		h, f int
	}{
		{"dim_model", have.DimModel, file.DimModel},
		{"d_hid", have.DHid, file.DHid},
		{"num_heads", have.NumHeads, file.NumHeads},
		{"num_layers", have.NumLayers, file.NumLayers},
		{"n_positions", have.NPositions, file.NPositions},
		{"vocab size", have.VocabSize, file.VocabSize},
	} {
		if err := check(c.name, c.h, c.f); err != nil {
			return err
		}
	}
	if have.VocabFingerprint != 0 && file.VocabFingerprint != 0 && have.VocabFingerprint != file.VocabFingerprint {
		return errors.Wrap(ErrCheckpointMismatch, "vocabulary order differs from the one the checkpoint was trained with")
	}

	ps := g.Parameters()
	if len(ps) != len(data.Tensors) {
		return errors.Wrapf(ErrCheckpointMismatch, "tensor count: have %d, file %d", len(ps), len(data.Tensors))
	}
	byName := make(map[string]tensorData, len(data.Tensors))
	for _, td := range data.Tensors {
		byName[td.Name] = td
	}
	for _, p := range ps {
		td, ok := byName[p.Name]
		if !ok {
			return errors.Wrapf(ErrCheckpointMismatch, "missing tensor %s", p.Name)
		}
		r, c := p.W.Dims()
		if td.R != r || td.C != c || len(td.Data) != r*c {
			return errors.Wrapf(ErrCheckpointMismatch, "%s: have %dx%d, file %dx%d", p.Name, r, c, td.R, td.C)
		}
	}

	// copy in place so anything holding the matrices (optimizer state) stays valid
	for _, p := range ps {
		td := byName[p.Name]
		p.W.Copy(mat.NewDense(td.R, td.C, td.Data))
	}
	if g.VocabFingerprint == 0 {
		g.VocabFingerprint = file.VocabFingerprint
	}
	return nil
}

// SaveTransformer persists the weights to filename, creating parent dirs.
func SaveTransformer(g *Transformer, filename string) error {
	raw, err := MarshalCheckpoint(g)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return errors.Wrap(err, "create checkpoint dir")
	}
	return errors.Wrapf(os.WriteFile(filename, raw, 0o644), "write %s", filename)
}

// LoadTransformer loads a checkpoint written by SaveTransformer into g.
func LoadTransformer(g *Transformer, filename string) error {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrapf(err, "read %s", filename)
	}
	return errors.Wrapf(UnmarshalCheckpoint(g, raw), "load %s", filename)
}

// LoadGPT builds a model for cfg and fills it from filename.
func LoadGPT(cfg params.ModelConfig, vocabSize int, fingerprint uint64, filename string) (*Transformer, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", filename)
	}
	g, err := DecodeGPT(cfg, vocabSize, fingerprint, raw)
	return g, errors.Wrapf(err, "load %s", filename)
}

// DecodeGPT builds a model for cfg, fills it from checkpoint bytes and
// switches it to evaluation mode.
func DecodeGPT(cfg params.ModelConfig, vocabSize int, fingerprint uint64, raw []byte) (*Transformer, error) {
	g, err := CreateGPT(cfg, vocabSize, 0)
	if err != nil {
		return nil, err
	}
	g.VocabFingerprint = fingerprint
	if err := UnmarshalCheckpoint(g, raw); err != nil {
		return nil, err
	}
	g.Eval()
	return g, nil
}
