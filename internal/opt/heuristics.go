package opt

// improve applies pairwise stop swaps and 2-opt segment reversals while they
// strictly shorten the tour. A move is kept only if every pickup still
// precedes its delivery, capacity holds at every stop, and no extra stop
// becomes late. At most iterations passes are made.
func (a *arena) improve(seq []int, iterations int) []int {
	if iterations <= 0 {
		iterations = 1
	}
	if len(seq) < 3 {
		return seq
	}
	best := append([]int(nil), seq...)
	bestKm, bestLate, _ := a.evaluate(best)
	n := len(best)
	for it := 0; it < iterations; it++ {
		improved := false
		for i := 0; i < n-1; i++ {
			for k := i + 1; k < n; k++ {
				for _, cand := range [][]int{swapStops(best, i, k), twoOptSwap(best, i, k)} {
					if !a.precedenceOK(cand) {
						continue
					}
					km, late, ok := a.evaluate(cand)
					if !ok || late > bestLate || km+1e-6 >= bestKm {
						continue
					}
					best, bestKm, bestLate = cand, km, late
					improved = true
				}
			}
		}
		if !improved {
			break
		}
	}
	return best
}

func swapStops(ord []int, i, k int) []int {
	out := append([]int(nil), ord...)
	out[i], out[k] = out[k], out[i]
	return out
}

// twoOptSwap reverses ord[i..k].
func twoOptSwap(ord []int, i, k int) []int {
	out := make([]int, len(ord))
	copy(out, ord[:i])
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = ord[j]
		pos++
	}
	copy(out[pos:], ord[k+1:])
	return out
}
