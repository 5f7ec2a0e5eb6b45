package estimator

// quantileEstimator implements the P² (P-Square) algorithm for streaming
// quantile estimation: O(1) per-observation updates and O(1) retrieval,
// without retaining any raw samples.
//
// Reference: Jain, R. and Chlamtac, I. (1985). "The P² Algorithm for
// Dynamic Calculation of Quantiles and Histograms Without Storing
// Observations". Communications of the ACM, 28(10), pp. 1076-1085.
//
// Used here to track the distribution of per-branch elapsed
// microseconds (spec.md §4.8), not for the exact proportion/ETA
// projection, which is computed directly in estimator.go.
type quantileEstimator struct {
	p float64

	q  [5]float64
	n  [5]int
	np [5]float64
	dn [5]float64

	count      int
	initBuffer [5]float64
}

func newQuantileEstimator(p float64) *quantileEstimator {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return &quantileEstimator{
		p:  p,
		dn: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

func (qe *quantileEstimator) Update(x float64) {
	qe.count++

	if qe.count <= 5 {
		qe.initBuffer[qe.count-1] = x
		if qe.count == 5 {
			qe.initialize()
		}
		return
	}

	var k int
	if x < qe.q[0] {
		qe.q[0] = x
		k = 0
	} else if x >= qe.q[4] {
		qe.q[4] = x
		k = 3
	} else {
		for k = 0; k < 4; k++ {
			if qe.q[k] <= x && x < qe.q[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		qe.n[i]++
	}

	for i := 0; i < 5; i++ {
		qe.np[i] += qe.dn[i]
	}

	for i := 1; i < 4; i++ {
		d := qe.np[i] - float64(qe.n[i])
		if (d >= 1 && qe.n[i+1]-qe.n[i] > 1) || (d <= -1 && qe.n[i-1]-qe.n[i] < -1) {
			sign := 1
			if d < 0 {
				sign = -1
			}
			qPrime := qe.parabolic(i, sign)
			if qe.q[i-1] < qPrime && qPrime < qe.q[i+1] {
				qe.q[i] = qPrime
			} else {
				qe.q[i] = qe.linear(i, sign)
			}
			qe.n[i] += sign
		}
	}
}

func (qe *quantileEstimator) initialize() {
	for i := 1; i < 5; i++ {
		key := qe.initBuffer[i]
		j := i - 1
		for j >= 0 && qe.initBuffer[j] > key {
			qe.initBuffer[j+1] = qe.initBuffer[j]
			j--
		}
		qe.initBuffer[j+1] = key
	}
	for i := 0; i < 5; i++ {
		qe.q[i] = qe.initBuffer[i]
		qe.n[i] = i
	}
	qe.np = [5]float64{0, 2 * qe.p, 4 * qe.p, 2 + 2*qe.p, 4}
}

func (qe *quantileEstimator) parabolic(i, d int) float64 {
	df := float64(d)
	ni := float64(qe.n[i])
	niPrev := float64(qe.n[i-1])
	niNext := float64(qe.n[i+1])

	term1 := df / (niNext - niPrev)
	term2 := (ni - niPrev + df) * (qe.q[i+1] - qe.q[i]) / (niNext - ni)
	term3 := (niNext - ni - df) * (qe.q[i] - qe.q[i-1]) / (ni - niPrev)

	return qe.q[i] + term1*(term2+term3)
}

func (qe *quantileEstimator) linear(i, d int) float64 {
	if d == 1 {
		return qe.q[i] + (qe.q[i+1]-qe.q[i])/float64(qe.n[i+1]-qe.n[i])
	}
	return qe.q[i] - (qe.q[i]-qe.q[i-1])/float64(qe.n[i]-qe.n[i-1])
}

// Quantile returns the current estimated quantile value.
func (qe *quantileEstimator) Quantile() float64 {
	if qe.count == 0 {
		return 0
	}
	if qe.count < 5 {
		sorted := make([]float64, qe.count)
		copy(sorted, qe.initBuffer[:qe.count])
		for i := 1; i < qe.count; i++ {
			key := sorted[i]
			j := i - 1
			for j >= 0 && sorted[j] > key {
				sorted[j+1] = sorted[j]
				j--
			}
			sorted[j+1] = key
		}
		index := int(float64(qe.count-1) * qe.p)
		if index >= qe.count {
			index = qe.count - 1
		}
		return sorted[index]
	}
	return qe.q[2]
}

// Count returns the number of observations received.
func (qe *quantileEstimator) Count() int { return qe.count }
