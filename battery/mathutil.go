package battery

import "sort"

// Constrain clamps v to [lo, hi], swapping the bounds if given reversed.
func Constrain(v, lo, hi float64) float64 {
	if lo > hi {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func MapRange(v, inMin, inMax, outMin, outMax float64) float64 {
	return outMin + (v-inMin)/(inMax-inMin)*(outMax-outMin)
}

func MapRangeConstrain(v, inMin, inMax, outMin, outMax float64) float64 {
	return Constrain(MapRange(v, inMin, inMax, outMin, outMax), outMin, outMax)
}

func reversed(a []float64) []float64 {
	out := make([]float64, len(a))
	for i, v := range a {
		out[len(a)-1-i] = v
	}
	return out
}

// upperIndex is the first index whose value is greater than v.
func upperIndex(in []float64, v float64) int {
	return sort.Search(len(in), func(i int) bool { return in[i] > v })
}

// LinearRelationship interpolates out at v over the breakpoints in. Values
// outside the breakpoints return the nearest end of out.
func LinearRelationship(v float64, in, out []float64) float64 {
	if len(in) == 0 || len(in) != len(out) {
		return 0
	}
	if in[0] > in[len(in)-1] {
		return LinearRelationship(v, reversed(in), reversed(out))
	}
	if v <= in[0] {
		return out[0]
	}
	if v >= in[len(in)-1] {
		return out[len(out)-1]
	}
	i := upperIndex(in, v)
	return MapRangeConstrain(v, in[i], in[i-1], out[i], out[i-1])
}

// StepRelationship returns the out value of the breakpoint above v when
// returnLower is set and of the breakpoint below v otherwise.
func StepRelationship(v float64, in, out []float64, returnLower bool) float64 {
	if len(in) == 0 || len(in) != len(out) {
		return 0
	}
	if in[0] > in[len(in)-1] {
		return StepRelationship(v, reversed(in), reversed(out), returnLower)
	}
	if v <= in[0] {
		return out[0]
	}
	if v >= in[len(in)-1] {
		return out[len(out)-1]
	}
	i := upperIndex(in, v)
	if returnLower {
		return out[i]
	}
	return out[i-1]
}
