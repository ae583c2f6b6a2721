package domain

import (
	"fmt"
	"math"
)

// WinnerConfidenceThreshold es la confianza (0-100) necesaria para declarar ganador.
const WinnerConfidenceThreshold = 95.0

// Arm identifica un lado de un test de dos variantes.
type Arm string

const (
	ArmNone Arm = ""
	ArmA    Arm = "a"
	ArmB    Arm = "b"
)

// SignificanceResult es el resultado del test de tasa de conversión entre dos variantes.
type SignificanceResult struct {
	Winner         Arm     `json:"winner"`
	Confidence     float64 `json:"confidence"`
	Recommendation string  `json:"recommendation"`
}

// HasWinner indica si se declaró un ganador.
func (r SignificanceResult) HasWinner() bool { return r.Winner != ArmNone }

// normalizedSample es un Sample expresado como ensayos de Bernoulli.
type normalizedSample struct {
	trials   float64
	success  float64
	failures float64
	rate     float64
}

// normalize usa los clicks como base de ensayos si hay alguno, si no las
// impresiones. Los ensayos nunca quedan por debajo de las conversiones.
func normalize(s Sample) normalizedSample {
	impressions := max(s.Impressions, 0)
	clicks := max(s.Clicks, 0)
	conversions := max(s.Conversions, 0)

	base := impressions
	if clicks > 0 {
		base = clicks
	}
	trials := max(base, conversions)
	n := normalizedSample{
		trials:   float64(trials),
		success:  float64(conversions),
		failures: float64(max(trials-conversions, 0)),
	}
	if trials > 0 {
		n.rate = n.success / n.trials
	}
	return n
}

// EvaluateSignificance aplica un test chi-cuadrado (1 grado de libertad) a las
// tasas de conversión de a y b. Es una función pura de sus entradas.
func EvaluateSignificance(a, b Sample) SignificanceResult {
	na, nb := normalize(a), normalize(b)

	if na.trials == 0 || nb.trials == 0 {
		return SignificanceResult{
			Winner:         ArmNone,
			Confidence:     0,
			Recommendation: "Not enough data to evaluate conversion rate significance yet.",
		}
	}

	chi := chiSquare2x2(na.success, na.failures, nb.success, nb.failures)
	confidence := math.Max(0, math.Min(100, (1-pValueDF1(chi))*100))

	pctA := fmt.Sprintf("%.2f", na.rate*100)
	pctB := fmt.Sprintf("%.2f", nb.rate*100)
	pctConfidence := fmt.Sprintf("%.2f", confidence)

	if na.rate == nb.rate {
		return SignificanceResult{
			Winner:         ArmNone,
			Confidence:     confidence,
			Recommendation: fmt.Sprintf("Both variants are tied at %s%% conversion rate. Continue the test.", pctA),
		}
	}

	if confidence < WinnerConfidenceThreshold {
		return SignificanceResult{
			Winner:     ArmNone,
			Confidence: confidence,
			Recommendation: fmt.Sprintf("No statistically significant winner yet (%s%% vs %s%%, %s%% confidence).",
				pctA, pctB, pctConfidence),
		}
	}

	winner, label := ArmA, "A"
	if nb.rate > na.rate {
		winner, label = ArmB, "B"
	}
	return SignificanceResult{
		Winner:     winner,
		Confidence: confidence,
		Recommendation: fmt.Sprintf("Declare variant %s as winner (%s%% vs %s%%, %s%% confidence).",
			label, pctA, pctB, pctConfidence),
	}
}

// chiSquare2x2 devuelve el estadístico chi-cuadrado de Pearson de la tabla
//
//	        success   failure
//	A       aS        aF
//	B       bS        bF
//
// Las celdas con esperado 0 se saltan.
func chiSquare2x2(aS, aF, bS, bF float64) float64 {
	rowA := aS + aF
	rowB := bS + bF
	colS := aS + bS
	colF := aF + bF
	total := rowA + rowB
	if total == 0 {
		return 0
	}

	cells := [4][2]float64{
		{aS, rowA * colS / total},
		{aF, rowA * colF / total},
		{bS, rowB * colS / total},
		{bF, rowB * colF / total},
	}
	var sum float64
	for _, c := range cells {
		observed, expected := c[0], c[1]
		if expected <= 0 {
			continue
		}
		d := observed - expected
		sum += d * d / expected
	}
	return sum
}

// pValueDF1 aproxima el p-value de un chi-cuadrado con un grado de libertad
// como erfc(sqrt(chi/2)).
func pValueDF1(chi float64) float64 {
	if math.IsNaN(chi) || math.IsInf(chi, 0) || chi <= 0 {
		return 1
	}
	return erfcApprox(math.Sqrt(chi / 2))
}

// erfcApprox es la función de error complementaria ajustada por Chebyshev de
// Numerical Recipes (erfcc), error relativo < 1.2e-7.
func erfcApprox(x float64) float64 {
	z := math.Abs(x)
	t := 1 / (1 + 0.5*z)
	r := t * math.Exp(-z*z-1.26551223+
		t*(1.00002368+
			t*(0.37409196+
				t*(0.09678418+
					t*(-0.18628806+
						t*(0.27886807+
							t*(-1.13520398+
								t*(1.48851587+
									t*(-0.82215223+t*0.17087277)))))))))
	if x >= 0 {
		return r
	}
	return 2 - r
}
