package optimizations

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Dropout zeroes activations with probability P and rescales the survivors
// by 1/(1-P). It is the identity when not training or when P == 0.
type Dropout struct {
	P   float64
	rng *rand.Rand

	mask *mat.Dense // cache, nil when the last Forward was the identity
}

func NewDropout(p float64, rng *rand.Rand) *Dropout {
	return &Dropout{P: p, rng: rng}
}

func (d *Dropout) Forward(X *mat.Dense, training bool) *mat.Dense {
	if !training || d.P <= 0 || d.rng == nil {
		d.mask = nil
		return X
	}
	r, c := X.Dims()
	keep := 1.0 / (1.0 - d.P)
	mask := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if d.rng.Float64() >= d.P {
				mask.Set(i, j, keep)
			}
		}
	}
	d.mask = mask
	out := mat.NewDense(r, c, nil)
	out.MulElem(X, mask)
	return out
}

func (d *Dropout) Backward(dY *mat.Dense) *mat.Dense {
	if d.mask == nil {
		return dY
	}
	r, c := dY.Dims()
	out := mat.NewDense(r, c, nil)
	out.MulElem(dY, d.mask)
	return out
}
