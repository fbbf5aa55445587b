package generate

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// GreedyTemperature is the cutoff below which sampling becomes argmax.
const GreedyTemperature = 1e-6

// SoftmaxWithTemperature turns log-probabilities (or logits) into a
// distribution sharpened by 1/temperature. Temperatures at or below
// GreedyTemperature give a one-hot on the argmax.
func SoftmaxWithTemperature(logits []float64, temperature float64) []float64 {
	probs := make([]float64, len(logits))
	if len(logits) == 0 {
		return probs
	}
	if temperature <= GreedyTemperature {
		probs[floats.MaxIdx(logits)] = 1
		return probs
	}
	mx := floats.Max(logits)
	for i, v := range logits {
		probs[i] = math.Exp((v - mx) / temperature)
	}
	floats.Scale(1/floats.Sum(probs), probs)
	return probs
}

// Sample draws an index from probs. A one-hot distribution always returns
// its hot index.
func Sample(probs []float64, src rand.Source) int {
	if i := floats.MaxIdx(probs); probs[i] == 1 {
		return i
	}
	return int(distuv.NewCategorical(probs, src).Rand())
}
