// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package sampling draws design vectors from a bounded phase space: uniform
// and Latin-hypercube initial sampling, and truncated-Levy-flight step
// lengths for the variation operators.
package sampling

import (
	"math"
	"math/rand/v2"

	"github.com/pdiddy/etaopt/pkg/types"
)

// Uniform draws n design vectors independently and uniformly within each
// variable's domain. Discrete variables snap to their step grid.
func Uniform(rng *rand.Rand, domains []types.VariableDomain, n int) []types.DesignVector {
	out := make([]types.DesignVector, n)
	for i := range out {
		v := make(types.DesignVector, len(domains))
		for j, d := range domains {
			v[j] = d.Clamp(d.Lower + (d.Upper-d.Lower)*rng.Float64())
		}
		out[i] = v
	}
	return out
}

// LatinHypercube draws n design vectors with centered Latin-hypercube
// sampling: each variable's range is cut into n strata and every stratum is
// used exactly once, giving better initial coverage than independent
// uniform draws.
func LatinHypercube(rng *rand.Rand, domains []types.VariableDomain, n int) []types.DesignVector {
	out := make([]types.DesignVector, n)
	for i := range out {
		out[i] = make(types.DesignVector, len(domains))
	}

	for j, d := range domains {
		perm := rng.Perm(n)
		width := (d.Upper - d.Lower) / float64(n)
		for i, stratum := range perm {
			center := d.Lower + (float64(stratum)+0.5)*width
			out[i][j] = d.Clamp(center)
		}
	}
	return out
}

// Levy samples one step from a Levy-stable distribution with index alpha
// and scale gamma using the Mantegna algorithm. Steps are heavy-tailed:
// mostly small moves with occasional long jumps.
func Levy(rng *rand.Rand, alpha, gamma float64) float64 {
	invAlpha := 1.0 / alpha

	sigX := math.Pow(
		(math.Gamma(1+alpha)*math.Sin(math.Pi*alpha/2))/
			(math.Gamma((1+alpha)/2)*alpha*math.Pow(2, (alpha-1)/2)),
		invAlpha)

	v := sigX * rng.NormFloat64() / math.Pow(math.Abs(rng.NormFloat64()), invAlpha)

	kappa := (alpha * math.Gamma((alpha+1)/(2*alpha))) / math.Gamma(invAlpha) *
		math.Pow((alpha*math.Gamma((alpha+1)/2))/
			(math.Gamma(1+alpha)*math.Sin(math.Pi*alpha/2)), invAlpha)

	// Polynomial fit for the truncation constant C(alpha), from Mantegna.
	c := polyval([]float64{-17.7767, 113.3855, -281.5879, 337.5439, -193.5494, 44.8754}, alpha)

	w := ((kappa-1)*math.Exp(-math.Abs(v)/c) + 1) * v
	return math.Pow(gamma, invAlpha) * w
}

// TLF samples a truncated Levy flight on (0, 1): Levy draws are scaled by
// cut and redrawn until they land inside the unit interval, so callers get
// a heavy-tailed but bounded step fraction.
func TLF(rng *rand.Rand, alpha, gamma, cut float64) float64 {
	if cut <= 0 {
		cut = 20
	}
	v := math.Abs(Levy(rng, alpha, gamma)) / cut
	for v > 1 {
		v = math.Abs(Levy(rng, alpha, gamma)) / cut
	}
	return v
}

// polyval evaluates a polynomial with coefficients in descending power
// order at x.
func polyval(coeffs []float64, x float64) float64 {
	r := 0.0
	for _, c := range coeffs {
		r = r*x + c
	}
	return r
}
