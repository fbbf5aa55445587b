package transformer

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/Titanium-SS/CheckMate/utils"
)

// MLP is the position-wise feed-forward sublayer: W_out * gelu(W_hid * x + b_hid) + b_out.
type MLP struct {
	Inputs, Hiddens, Outputs  int
	HiddenWeights, HiddenBias *mat.Dense
	OutputWeights, OutputBias *mat.Dense

	// accumulated grads
	dHiddenW, dHiddenB *mat.Dense
	dOutputW, dOutputB *mat.Dense

	// cache for backprop
	lastInput, hiddenPreAct, hiddenOutputs *mat.Dense
}

func NewMLP(dModel, hidden int, rng *rand.Rand) *MLP {
	return &MLP{
		Inputs:        dModel,
		Hiddens:       hidden,
		Outputs:       dModel,
		HiddenWeights: mat.NewDense(hidden, dModel, utils.RandomArray(rng, dModel*hidden, float64(dModel))),
		HiddenBias:    mat.NewDense(hidden, 1, nil),
		OutputWeights: mat.NewDense(dModel, hidden, utils.RandomArray(rng, hidden*dModel, float64(hidden))),
		OutputBias:    mat.NewDense(dModel, 1, nil),

		dHiddenW: mat.NewDense(hidden, dModel, nil),
		dHiddenB: mat.NewDense(hidden, 1, nil),
		dOutputW: mat.NewDense(dModel, hidden, nil),
		dOutputB: mat.NewDense(dModel, 1, nil),
	}
}

func (mlp *MLP) Forward(X *mat.Dense) *mat.Dense {
	mlp.lastInput = X
	hiddenLin := utils.ToDense(utils.Dot(mlp.HiddenWeights, X)) // (h x T)
	mlp.hiddenPreAct = utils.AddBias(hiddenLin, mlp.HiddenBias)
	mlp.hiddenOutputs = utils.Apply(utils.GeluApply, mlp.hiddenPreAct).(*mat.Dense)
	finalLin := utils.ToDense(utils.Dot(mlp.OutputWeights, mlp.hiddenOutputs)) // (d x T)
	return utils.AddBias(finalLin, mlp.OutputBias)
}

// Backward accumulates weight/bias grads and returns dX for the last Forward.
func (mlp *MLP) Backward(grad *mat.Dense) *mat.Dense {
	mlp.dOutputW.Add(mlp.dOutputW, utils.Dot(grad, mlp.hiddenOutputs.T()))
	mlp.dOutputB.Add(mlp.dOutputB, utils.SumCols(grad))

	hiddenGradOut := utils.Dot(mlp.OutputWeights.T(), grad) // dL/d(hidden_out)
	hiddenErrors := utils.ToDense(utils.Multiply(hiddenGradOut, utils.GeluPrime(mlp.hiddenPreAct)))

	mlp.dHiddenW.Add(mlp.dHiddenW, utils.Dot(hiddenErrors, mlp.lastInput.T()))
	mlp.dHiddenB.Add(mlp.dHiddenB, utils.SumCols(hiddenErrors))

	return utils.ToDense(utils.Dot(mlp.HiddenWeights.T(), hiddenErrors))
}

func (mlp *MLP) ZeroGrad() {
	mlp.dHiddenW.Zero()
	mlp.dHiddenB.Zero()
	mlp.dOutputW.Zero()
	mlp.dOutputB.Zero()
}
