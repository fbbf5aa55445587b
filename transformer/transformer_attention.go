package transformer

import (
	"math"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/Titanium-SS/CheckMate/utils"
)

// Attention is multi-head self-attention over a (dModel x T) activation.
type Attention struct {
	H       int
	DModel  int
	DHead   int
	Wquery  []*mat.Dense // per head (dHead x dModel)
	Wkey    []*mat.Dense
	Wvalue  []*mat.Dense
	Woutput *mat.Dense // (dModel x dModel)

	// accumulated grads
	dWq, dWk, dWv []*mat.Dense
	dWo           *mat.Dense

	// cache for backprop
	X       *mat.Dense
	Q, K, V []*mat.Dense
	A       []*mat.Dense
	O_cat   *mat.Dense

	parallel bool // parallelize over heads if true
}

func NewAttention(dModel, nHeads int, rng *rand.Rand, parallel bool) *Attention {
	if dModel%nHeads != 0 {
		panic("dModel must be divisible by nHeads")
	}
	dHead := dModel / nHeads
	attn := &Attention{
		H:        nHeads,
		DModel:   dModel,
		DHead:    dHead,
		Wquery:   make([]*mat.Dense, nHeads),
		Wkey:     make([]*mat.Dense, nHeads),
		Wvalue:   make([]*mat.Dense, nHeads),
		dWq:      make([]*mat.Dense, nHeads),
		dWk:      make([]*mat.Dense, nHeads),
		dWv:      make([]*mat.Dense, nHeads),
		parallel: parallel,
	}
	for h := 0; h < nHeads; h++ {
		attn.Wquery[h] = mat.NewDense(dHead, dModel, utils.RandomArray(rng, dHead*dModel, float64(dModel)))
		attn.Wkey[h] = mat.NewDense(dHead, dModel, utils.RandomArray(rng, dHead*dModel, float64(dModel)))
		attn.Wvalue[h] = mat.NewDense(dHead, dModel, utils.RandomArray(rng, dHead*dModel, float64(dModel)))
		attn.dWq[h] = mat.NewDense(dHead, dModel, nil)
		attn.dWk[h] = mat.NewDense(dHead, dModel, nil)
		attn.dWv[h] = mat.NewDense(dHead, dModel, nil)
	}
	attn.Woutput = mat.NewDense(dModel, dModel, utils.RandomArray(rng, dModel*dModel, float64(dModel)))
	attn.dWo = mat.NewDense(dModel, dModel, nil)
	attn.initCaches()
	return attn
}

func (attn *Attention) initCaches() {
	attn.Q = make([]*mat.Dense, attn.H)
	attn.K = make([]*mat.Dense, attn.H)
	attn.V = make([]*mat.Dense, attn.H)
	attn.A = make([]*mat.Dense, attn.H)
}

// Forward applies attention with an additive (T x T) mask built by
// utils.AdditiveMask (0 = allowed, NegInf = blocked).
func (attn *Attention) Forward(X, mask *mat.Dense) *mat.Dense {
	attn.X = X
	_, T := X.Dims()
	headsCat := mat.NewDense(attn.DModel, T, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	work := func(h int) {
		q := mat.NewDense(attn.DHead, T, nil)
		k := mat.NewDense(attn.DHead, T, nil)
		v := mat.NewDense(attn.DHead, T, nil)
		q.Mul(attn.Wquery[h], X)
		k.Mul(attn.Wkey[h], X)
		v.Mul(attn.Wvalue[h], X)
		// S = (Q^T K)/sqrt
		s := mat.NewDense(T, T, nil)
		s.Mul(q.T(), k)
		s.Scale(rescale, s)
		a := mat.NewDense(T, T, nil)
		utils.RowSoftmaxMaskedInPlace(a, s, mask)
		// O = V * A^T
		o := mat.NewDense(attn.DHead, T, nil)
		o.Mul(v, a.T())
		base := h * attn.DHead
		headsCat.Slice(base, base+attn.DHead, 0, T).(*mat.Dense).Copy(o)
		attn.Q[h], attn.K[h], attn.V[h], attn.A[h] = q, k, v, a
	}
	if attn.parallel && attn.H > 1 {
		var wg sync.WaitGroup
		wg.Add(attn.H)
		for h := 0; h < attn.H; h++ {
			go func(hh int) { defer wg.Done(); work(hh) }(h)
		}
		wg.Wait()
	} else {
		for h := 0; h < attn.H; h++ {
			work(h)
		}
	}
	attn.O_cat = headsCat
	return utils.ToDense(utils.Dot(attn.Woutput, headsCat))
}

// Backward accumulates weight grads and returns dX for the last Forward.
func (attn *Attention) Backward(dY *mat.Dense) *mat.Dense {
	_, T := attn.X.Dims()

	// Y = Wout * Ocat
	attn.dWo.Add(attn.dWo, utils.Dot(dY, attn.O_cat.T()))
	dOcat := utils.ToDense(utils.Dot(attn.Woutput.T(), dY))

	dXtotal := mat.NewDense(attn.DModel, T, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	for h := 0; h < attn.H; h++ {
		base := h * attn.DHead
		dO := dOcat.Slice(base, base+attn.DHead, 0, T)

		// O = V * A^T
		dV := utils.Dot(dO, attn.A[h])             // (dHead x T)
		dA := utils.Dot(attn.V[h].T(), dO).T()     // (T x T)
		dS := utils.SoftmaxBackward(dA, attn.A[h]) // masked entries have A=0, so dS=0 there

		// S = Q^T K / sqrt(dHead)
		dQ := utils.Scale(rescale, utils.Dot(attn.K[h], dS.T())) // (dHead x T)
		dK := utils.Scale(rescale, utils.Dot(attn.Q[h], dS))     // (dHead x T)

		attn.dWq[h].Add(attn.dWq[h], utils.Dot(dQ, attn.X.T()))
		attn.dWk[h].Add(attn.dWk[h], utils.Dot(dK, attn.X.T()))
		attn.dWv[h].Add(attn.dWv[h], utils.Dot(dV, attn.X.T()))

		dXtotal.Add(dXtotal, utils.Dot(attn.Wquery[h].T(), dQ))
		dXtotal.Add(dXtotal, utils.Dot(attn.Wkey[h].T(), dK))
		dXtotal.Add(dXtotal, utils.Dot(attn.Wvalue[h].T(), dV))
	}
	return dXtotal
}

func (attn *Attention) ZeroGrad() {
	for h := 0; h < attn.H; h++ {
		attn.dWq[h].Zero()
		attn.dWk[h].Zero()
		attn.dWv[h].Zero()
	}
	attn.dWo.Zero()
}
