package optimizations

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/Titanium-SS/CheckMate/params"
	"github.com/Titanium-SS/CheckMate/utils"
)

// Param pairs a weight matrix with its accumulated gradient.
type Param struct {
	Name  string
	W     *mat.Dense
	Grad  *mat.Dense
	Decay bool // weight decay applies to weights only, not biases or norms
}

type moments struct {
	M, V *mat.Dense
}

// Adam keeps first/second moments per weight matrix across steps.
type Adam struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
	GradClip    float64 // <=0 disables

	T     int
	state map[*mat.Dense]*moments
}

func NewAdam(cfg params.TrainingConfig) *Adam {
	eps := cfg.AdamEps
	if eps <= 0 {
		eps = 1e-8
	}
	return &Adam{
		LR:          cfg.LR,
		Beta1:       cfg.AdamBeta1,
		Beta2:       params.AdamBeta2,
		Eps:         eps,
		WeightDecay: cfg.WeightDecay,
		GradClip:    cfg.GradClip,
		state:       make(map[*mat.Dense]*moments),
	}
}

// Step applies one bias-corrected update to every param using its Grad.
// Returns the clip scale applied (1.0 when no clipping happened).
func (a *Adam) Step(ps []Param) float64 {
	a.T++
	scale := 1.0
	if a.GradClip > 0 {
		grads := make([]*mat.Dense, len(ps))
		for i, p := range ps {
			grads[i] = p.Grad
		}
		scale = utils.ClipGrads(a.GradClip, grads...)
	}
	for _, p := range ps {
		st, ok := a.state[p.W]
		if !ok {
			st = &moments{M: utils.ZerosLike(p.W), V: utils.ZerosLike(p.W)}
			a.state[p.W] = st
		}
		wd := 0.0
		if p.Decay {
			wd = a.WeightDecay
		}
		AdamUpdateInPlace(p.W, p.Grad, st.M, st.V, a.T, a.LR, a.Beta1, a.Beta2, a.Eps, wd)
	}
	return scale
}

// p -= lr * (mhat/(sqrt(vhat)+eps) + wd * p) with bias correction (AdamW).
func AdamUpdateInPlace(
	p, g, m, v *mat.Dense,
	t int,
	lr, beta1, beta2, eps, weightDecay float64,
) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("adamUpdateInPlace: grad shape mismatch")
	}
	if mr, mc := m.Dims(); mr != pr || mc != pc {
		panic("adamUpdateInPlace: m shape mismatch")
	}
	if vr, vc := v.Dims(); vr != pr || vc != pc {
		panic("adamUpdateInPlace: v shape mismatch")
	}
	c1 := 1.0 / (1.0 - math.Pow(beta1, float64(t)))
	c2 := 1.0 / (1.0 - math.Pow(beta2, float64(t)))
	for i := 0; i < pr; i++ {
		for j := 0; j < pc; j++ {
			gij := g.At(i, j)
			mij := beta1*m.At(i, j) + (1.0-beta1)*gij
			vij := beta2*v.At(i, j) + (1.0-beta2)*gij*gij
			mhat := mij * c1
			vhat := vij * c2
			update := mhat/(math.Sqrt(vhat)+eps) + weightDecay*p.At(i, j)
			m.Set(i, j, mij)
			v.Set(i, j, vij)
			p.Set(i, j, p.At(i, j)-lr*update)
		}
	}
}
