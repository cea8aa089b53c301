package risk

import "math"

// shrinkage applied toward the identity when the sample matrix is singular
// or any pair has degenerate variance.
const shrinkageLambda = 0.1

// CorrelationMatrix builds the pairwise Pearson matrix over aligned return
// series. It is symmetric with a unit diagonal and every entry in [-1, 1];
// a singular sample matrix is regularized so downstream hedge-ratio math
// stays well-defined.
func CorrelationMatrix(series [][]float64) [][]float64 {
	n := len(series)
	out := make([][]float64, n)
	degenerate := false
	for i := range out {
		out[i] = make([]float64, n)
		out[i][i] = 1.0
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			rho, ok := Correlation(series[i], series[j])
			if !ok {
				rho = 0
				degenerate = true
			}
			out[i][j] = rho
			out[j][i] = rho
		}
	}
	if degenerate || isSingular(out) {
		shrinkTowardIdentity(out, shrinkageLambda)
	}
	return out
}

// Correlation is the Pearson coefficient over the aligned prefix of the two
// series. ok is false when either side has zero variance or the overlap is
// too short.
func Correlation(a, b []float64) (float64, bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0, false
	}
	a, b = a[:n], b[:n]
	meanA, meanB := Mean(a), Mean(b)
	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0, false
	}
	rho := cov / math.Sqrt(varA*varB)
	// guard floating error at the boundaries
	if rho > 1 {
		rho = 1
	} else if rho < -1 {
		rho = -1
	}
	return rho, true
}

func shrinkTowardIdentity(m [][]float64, lambda float64) {
	for i := range m {
		for j := range m[i] {
			if i == j {
				m[i][j] = 1.0
				continue
			}
			m[i][j] *= 1 - lambda
		}
	}
}

// isSingular runs Gaussian elimination and reports a vanishing pivot.
func isSingular(m [][]float64) bool {
	n := len(m)
	if n == 0 {
		return false
	}
	work := make([][]float64, n)
	for i := range m {
		work[i] = append([]float64(nil), m[i]...)
	}
	const eps = 1e-10
	for col := 0; col < n; col++ {
		pivot := col
		for row := col + 1; row < n; row++ {
			if math.Abs(work[row][col]) > math.Abs(work[pivot][col]) {
				pivot = row
			}
		}
		if math.Abs(work[pivot][col]) < eps {
			return true
		}
		work[col], work[pivot] = work[pivot], work[col]
		for row := col + 1; row < n; row++ {
			factor := work[row][col] / work[col][col]
			for k := col; k < n; k++ {
				work[row][k] -= factor * work[col][k]
			}
		}
	}
	return false
}
