package transformer

import (
	"github.com/Titanium-SS/CheckMate/optimizations"
)

// CloneForInference creates a shallow clone of the model where all
// weights/biases are shared (read-only), but per-module caches are private.
// The clone never trains: dropout is the identity and Backward panics.
// Safe for concurrent Forward calls against the same parent.
func (g *Transformer) CloneForInference() *Transformer {
	out := &Transformer{
		Cfg:              g.Cfg,
		VocabSize:        g.VocabSize,
		VocabFingerprint: g.VocabFingerprint,
		Emb:              g.Emb, // shared read-only
		PosEmb:           g.PosEmb,
		OutW:             g.OutW,
		OutB:             g.OutB,
		LnF:              g.LnF.Clone(),
		Blocks:           make([]TransformerBlock, len(g.Blocks)),
		embDrop:          optimizations.NewDropout(0, nil),
	}
	for i := range g.Blocks {
		src := &g.Blocks[i]
		out.Blocks[i] = TransformerBlock{
			Attn:  cloneAttention(src.Attn),
			Mlp:   cloneMLP(src.Mlp),
			Ln1:   src.Ln1.Clone(),
			Ln2:   src.Ln2.Clone(),
			Drop1: optimizations.NewDropout(0, nil),
			Drop2: optimizations.NewDropout(0, nil),
		}
	}
	return out
}

func cloneAttention(src *Attention) *Attention {
	a := &Attention{
		H:       src.H,
		DModel:  src.DModel,
		DHead:   src.DHead,
		Wquery:  src.Wquery, // shared read-only
		Wkey:    src.Wkey,
		Wvalue:  src.Wvalue,
		Woutput: src.Woutput,
		// avoid head-level goroutines inside concurrent requests
		parallel: false,
	}
	a.initCaches()
	return a
}

func cloneMLP(src *MLP) *MLP {
	return &MLP{
		Inputs:        src.Inputs,
		Hiddens:       src.Hiddens,
		Outputs:       src.Outputs,
		HiddenWeights: src.HiddenWeights, // shared read-only
		HiddenBias:    src.HiddenBias,
		OutputWeights: src.OutputWeights,
		OutputBias:    src.OutputBias,
	}
}
