package transformer

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/Titanium-SS/CheckMate/optimizations"
	"github.com/Titanium-SS/CheckMate/params"
	"github.com/Titanium-SS/CheckMate/utils"
)

// Transformer is a causal decoder-only language model over move tokens.
// Activations are column-major: one (dModel x T) matrix per sequence.
type Transformer struct {
	Cfg       params.ModelConfig
	VocabSize int
	// VocabFingerprint ties checkpoints to the vocabulary they were trained
	// with. Zero disables the check.
	VocabFingerprint uint64

	Emb    *mat.Dense // (dModel x |V|)
	PosEmb *mat.Dense // (dModel x NPositions)
	Blocks []TransformerBlock
	LnF    *optimizations.LayerNorm
	OutW   *mat.Dense // (|V| x dModel)
	OutB   *mat.Dense // (|V| x 1)

	dEmb, dPos, dOutW, dOutB *mat.Dense

	training bool
	embDrop  *optimizations.Dropout

	// cache for backprop
	lastIDs []int
	lastYf  *mat.Dense
}

type TransformerBlock struct {
	Attn  *Attention
	Mlp   *MLP
	Ln1   *optimizations.LayerNorm
	Ln2   *optimizations.LayerNorm
	Drop1 *optimizations.Dropout
	Drop2 *optimizations.Dropout
}

// residual branch scale
var resScale = 1 / math.Sqrt(2)

// Initalization

// CreateGPT builds a model for cfg with randomly initialized weights. The
// same seed always yields the same weights and dropout masks.
func CreateGPT(cfg params.ModelConfig, vocabSize int, seed uint64) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if vocabSize <= 0 {
		return nil, errors.Errorf("vocab size must be positive, got %d", vocabSize)
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	d := cfg.DimModel
	parallel := os.Getenv("HEAD_PAR") == "1"

	gpt := &Transformer{
		Cfg:       cfg,
		VocabSize: vocabSize,
		Emb:       mat.NewDense(d, vocabSize, utils.RandomArray(rng, d*vocabSize, float64(d))),
		PosEmb:    mat.NewDense(d, cfg.NPositions, utils.RandomArray(rng, d*cfg.NPositions, float64(d))),
		Blocks:    make([]TransformerBlock, cfg.NumLayers),
		LnF:       optimizations.NewLayerNorm(d, 1e-5),
		OutW:      mat.NewDense(vocabSize, d, utils.RandomArray(rng, vocabSize*d, float64(d))),
		OutB:      mat.NewDense(vocabSize, 1, nil),
		dEmb:      mat.NewDense(d, vocabSize, nil),
		dPos:      mat.NewDense(d, cfg.NPositions, nil),
		dOutW:     mat.NewDense(vocabSize, d, nil),
		dOutB:     mat.NewDense(vocabSize, 1, nil),
		embDrop:   optimizations.NewDropout(cfg.DropoutP, rng),
	}
	for i := range gpt.Blocks {
		gpt.Blocks[i] = TransformerBlock{
			Attn:  NewAttention(d, cfg.NumHeads, rng, parallel),
			Mlp:   NewMLP(d, cfg.DHid, rng),
			Ln1:   optimizations.NewLayerNorm(d, 1e-5),
			Ln2:   optimizations.NewLayerNorm(d, 1e-5),
			Drop1: optimizations.NewDropout(cfg.DropoutP, rng),
			Drop2: optimizations.NewDropout(cfg.DropoutP, rng),
		}
	}
	return gpt, nil
}

func (g *Transformer) NPositions() int { return g.Cfg.NPositions }

// Train enables dropout and activation caching for Backward.
func (g *Transformer) Train() { g.training = true }

// Eval disables dropout; Forward then runs on a private clone and is safe
// for concurrent use.
func (g *Transformer) Eval() { g.training = false }

func (g *Transformer) Training() bool { return g.training }

// Forward runs a batch of equal-length sequences (batch-major: src[b][t])
// and returns one (|V| x T) log-probability matrix per sequence. causal is
// (T x T), pad is [b][t]; true marks disallowed entries. In training mode
// only the last sequence stays cached for Backward; use ForwardSeq per row
// when gradients are needed.
func (g *Transformer) Forward(src [][]int, causal [][]bool, pad [][]bool) ([]*mat.Dense, error) {
	if pad != nil && len(pad) != len(src) {
		return nil, errors.Errorf("padding mask has %d rows, batch has %d", len(pad), len(src))
	}
	run := g
	if !g.training {
		run = g.CloneForInference()
	}
	out := make([]*mat.Dense, len(src))
	for b, ids := range src {
		var padRow []bool
		if pad != nil {
			padRow = pad[b]
		}
		lp, err := run.ForwardSeq(ids, causal, padRow)
		if err != nil {
			return nil, errors.Wrapf(err, "batch row %d", b)
		}
		out[b] = lp
	}
	return out, nil
}

// ForwardSeq runs a single sequence and caches what Backward needs.
func (g *Transformer) ForwardSeq(ids []int, causal [][]bool, pad []bool) (*mat.Dense, error) {
	T := len(ids)
	switch {
	case T == 0:
		return nil, errors.New("empty sequence")
	case T > g.Cfg.NPositions:
		return nil, errors.Errorf("sequence length %d exceeds n_positions %d", T, g.Cfg.NPositions)
	case len(causal) != T:
		return nil, errors.Errorf("causal mask is %d x %d, sequence length is %d", len(causal), len(causal), T)
	case pad != nil && len(pad) != T:
		return nil, errors.Errorf("padding mask length %d, sequence length %d", len(pad), T)
	}
	d := g.Cfg.DimModel
	X := mat.NewDense(d, T, nil)
	for t, id := range ids {
		if id < 0 || id >= g.VocabSize {
			return nil, errors.Errorf("token id %d at position %d out of range [0,%d)", id, t, g.VocabSize)
		}
		for i := 0; i < d; i++ {
			X.Set(i, t, g.Emb.At(i, id)+g.PosEmb.At(i, t))
		}
	}
	X = g.embDrop.Forward(X, g.training)

	mask := utils.AdditiveMask(causal, pad)
	Y := X
	for i := range g.Blocks {
		Y = g.Blocks[i].Forward(Y, mask, g.training)
	}
	Yf := g.LnF.Forward(Y)
	g.lastIDs = ids
	g.lastYf = Yf

	logits := utils.AddBias(utils.ToDense(utils.Dot(g.OutW, Yf)), g.OutB) // (|V| x T)
	return utils.LogSoftmaxCols(logits), nil
}

// Backward takes dLoss/dLogits (|V| x T) for the last ForwardSeq and
// accumulates gradients into every parameter.
func (g *Transformer) Backward(dLogits *mat.Dense) {
	if g.dEmb == nil {
		panic("Backward on an inference clone")
	}
	g.dOutW.Add(g.dOutW, utils.Dot(dLogits, g.lastYf.T()))
	g.dOutB.Add(g.dOutB, utils.SumCols(dLogits))

	dY := utils.ToDense(utils.Dot(g.OutW.T(), dLogits))
	dY = g.LnF.Backward(dY)
	for i := len(g.Blocks) - 1; i >= 0; i-- {
		dY = g.Blocks[i].Backward(dY)
	}
	dX := g.embDrop.Backward(dY)

	// X = emb[:, id_t] + pos[:, t]
	d := g.Cfg.DimModel
	for t, id := range g.lastIDs {
		for i := 0; i < d; i++ {
			g.dEmb.Set(i, id, g.dEmb.At(i, id)+dX.At(i, t))
			g.dPos.Set(i, t, g.dPos.At(i, t)+dX.At(i, t))
		}
	}
}

func (g *Transformer) ZeroGrad() {
	g.dEmb.Zero()
	g.dPos.Zero()
	g.dOutW.Zero()
	g.dOutB.Zero()
	g.LnF.ZeroGrad()
	for i := range g.Blocks {
		b := &g.Blocks[i]
		b.Attn.ZeroGrad()
		b.Mlp.ZeroGrad()
		b.Ln1.ZeroGrad()
		b.Ln2.ZeroGrad()
	}
}

// Parameters lists every weight with its gradient in a stable order. The
// names double as checkpoint keys.
func (g *Transformer) Parameters() []optimizations.Param {
	ps := []optimizations.Param{
		{Name: "emb", W: g.Emb, Grad: g.dEmb, Decay: true},
		{Name: "pos", W: g.PosEmb, Grad: g.dPos},
	}
	for i := range g.Blocks {
		b := &g.Blocks[i]
		prefix := fmt.Sprintf("blocks.%d", i)
		for h := 0; h < b.Attn.H; h++ {
			ps = append(ps,
				optimizations.Param{Name: fmt.Sprintf("%s.attn.wq.%d", prefix, h), W: b.Attn.Wquery[h], Grad: b.Attn.dWq[h], Decay: true},
				optimizations.Param{Name: fmt.Sprintf("%s.attn.wk.%d", prefix, h), W: b.Attn.Wkey[h], Grad: b.Attn.dWk[h], Decay: true},
				optimizations.Param{Name: fmt.Sprintf("%s.attn.wv.%d", prefix, h), W: b.Attn.Wvalue[h], Grad: b.Attn.dWv[h], Decay: true},
			)
		}
		ps = append(ps,
			optimizations.Param{Name: prefix + ".attn.wo", W: b.Attn.Woutput, Grad: b.Attn.dWo, Decay: true},
			optimizations.Param{Name: prefix + ".mlp.hidden_w", W: b.Mlp.HiddenWeights, Grad: b.Mlp.dHiddenW, Decay: true},
			optimizations.Param{Name: prefix + ".mlp.hidden_b", W: b.Mlp.HiddenBias, Grad: b.Mlp.dHiddenB},
			optimizations.Param{Name: prefix + ".mlp.output_w", W: b.Mlp.OutputWeights, Grad: b.Mlp.dOutputW, Decay: true},
			optimizations.Param{Name: prefix + ".mlp.output_b", W: b.Mlp.OutputBias, Grad: b.Mlp.dOutputB},
		)
		ps = append(ps, b.Ln1.Params(prefix+".ln1")...)
		ps = append(ps, b.Ln2.Params(prefix+".ln2")...)
	}
	ps = append(ps, g.LnF.Params("ln_f")...)
	ps = append(ps,
		optimizations.Param{Name: "out.w", W: g.OutW, Grad: g.dOutW, Decay: true},
		optimizations.Param{Name: "out.b", W: g.OutB, Grad: g.dOutB},
	)
	return ps
}

// Block forward/backward with pre-norm residuals.
func (b *TransformerBlock) Forward(X, mask *mat.Dense, training bool) *mat.Dense {
	x1 := b.Ln1.Forward(X)
	attnOut := b.Drop1.Forward(b.Attn.Forward(x1, mask), training)
	xRes := utils.ToDense(utils.Add(X, utils.Scale(resScale, attnOut)))
	x2 := b.Ln2.Forward(xRes)
	mlpOut := b.Drop2.Forward(b.Mlp.Forward(x2), training)
	return utils.ToDense(utils.Add(xRes, utils.Scale(resScale, mlpOut)))
}

func (b *TransformerBlock) Backward(grad *mat.Dense) *mat.Dense {
	// Y = xRes + c*MLP(x2); x2 = Ln2(xRes); xRes = X + c*Attn(Ln1(X))
	dMlp := b.Drop2.Backward(utils.ToDense(utils.Scale(resScale, grad)))
	dX2 := b.Mlp.Backward(dMlp)
	dXres := utils.ToDense(utils.Add(grad, b.Ln2.Backward(dX2)))

	dAttn := b.Drop1.Backward(utils.ToDense(utils.Scale(resScale, dXres)))
	dX1 := b.Attn.Backward(dAttn)
	return utils.ToDense(utils.Add(dXres, b.Ln1.Backward(dX1)))
}
