// Package stats computes summary statistics over measurement samples.
// It depends on nothing but numeric input.
package stats

import (
	"math"
	"sort"
)

// Summary is a basic statistics snapshot over a sample vector.
type Summary struct {
	Count  int
	Mean   float64
	Min    float64
	Max    float64
	StdDev float64 // sample standard deviation, divisor n-1
	Jitter float64 // mean absolute successive difference
	P95    float64
}

// Summarize computes a Summary over values. An empty input yields a zero
// Summary with Count 0.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}

	var sum float64
	min := values[0]
	max := values[0]
	for _, v := range values {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	mean := sum / float64(len(values))

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	return Summary{
		Count:  len(values),
		Mean:   mean,
		Min:    min,
		Max:    max,
		StdDev: stdDev(values, mean),
		Jitter: jitter(values),
		P95:    percentile(sorted, 0.95),
	}
}

// LossPercent returns the loss rate for sent packets of which received
// arrived, as a percentage. Zero sent yields zero loss.
func LossPercent(sent, received int) float64 {
	if sent <= 0 {
		return 0
	}
	if received > sent {
		received = sent
	}
	return float64(sent-received) / float64(sent) * 100.0
}

func stdDev(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)-1))
}

// jitter is the mean absolute difference between successive samples,
// preserving arrival order.
func jitter(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(values); i++ {
		sum += math.Abs(values[i] - values[i-1])
	}
	return sum / float64(len(values)-1)
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
