package federated

import (
	"math"
	"math/rand"
)

// Laplace draws one sample from Laplace(0, scale) by inverse CDF.
func Laplace(rng *rand.Rand, scale float64) float64 {
	for {
		u := rng.Float64() - 0.5
		if u == -0.5 {
			continue
		}
		if u < 0 {
			return scale * math.Log(1+2*u)
		}
		return -scale * math.Log(1-2*u)
	}
}

// AddLaplaceNoise returns a copy of delta with independent Laplace noise of
// scale sensitivity/epsilon added to every component.
func AddLaplaceNoise(delta []float64, sensitivity, epsilon float64, rng *rand.Rand) []float64 {
	scale := sensitivity / epsilon
	out := make([]float64, len(delta))
	for i, v := range delta {
		out[i] = v + Laplace(rng, scale)
	}
	return out
}
