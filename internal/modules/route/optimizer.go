// README: Stop-sequencing heuristics: precedence-aware NN / cheapest insertion plus constrained 2-opt.
package route

// The planner works over indices. Index 0 is the driver's current position;
// indices 1..n are stops. distKm[i][j] is the travel distance from point i to
// point j. blocked[i][j] marks legs that cross an active HIGH/SEVERE traffic
// incident. pickupOf[i] is the index of stop i's pickup within the same plan,
// or 0 if stop i has no precedence constraint.

type planProblem struct {
	n        int // number of stops, excluding the depot index 0
	distKm   [][]float64
	blocked  [][]bool
	pickupOf []int // 1-based stop index -> pickup stop index, 0 if none
}

// solve returns the visiting order of stops (1-based indices) and the total
// tour distance. It returns ErrUnsolvable when no legal sequence exists,
// which only happens on contradictory input.
func (p *planProblem) solve(nnCap, max2OptPasses int) ([]int, float64, error) {
	if p.n == 0 {
		return nil, 0, nil
	}
	var seq []int
	if p.n <= nnCap {
		seq = p.nearestNeighbor()
	} else {
		seq = p.cheapestInsertion()
	}
	if seq == nil {
		return nil, 0, ErrUnsolvable
	}
	seq = p.twoOpt(seq, max2OptPasses)
	return seq, p.tourKm(seq), nil
}

// legal reports whether stop i may be appended given the set of stops
// already visited.
func legal(pickupOf []int, visited []bool, i int) bool {
	dep := pickupOf[i]
	return dep == 0 || visited[dep]
}

// nearestNeighbor repeatedly appends the closest legal stop, preferring
// unblocked legs. A blocked leg is taken only when every legal leg is
// blocked; a driver must not be stranded by traffic data.
func (p *planProblem) nearestNeighbor() []int {
	visited := make([]bool, p.n+1)
	seq := make([]int, 0, p.n)
	cur := 0
	for len(seq) < p.n {
		best, bestBlockedOK := -1, -1
		for i := 1; i <= p.n; i++ {
			if visited[i] || !legal(p.pickupOf, visited, i) {
				continue
			}
			if p.blocked[cur][i] {
				if bestBlockedOK == -1 || p.distKm[cur][i] < p.distKm[cur][bestBlockedOK] {
					bestBlockedOK = i
				}
				continue
			}
			if best == -1 || p.distKm[cur][i] < p.distKm[cur][best] ||
				(p.distKm[cur][i] == p.distKm[cur][best] && i < best) {
				best = i
			}
		}
		if best == -1 {
			best = bestBlockedOK
		}
		if best == -1 {
			return nil
		}
		seq = append(seq, best)
		visited[best] = true
		cur = best
	}
	return seq
}

// cheapestInsertion builds an initial tour by inserting each remaining stop
// at the position that increases tour length the least, keeping precedence.
func (p *planProblem) cheapestInsertion() []int {
	visited := make([]bool, p.n+1)
	var seq []int

	// Seed with the closest unconstrained stop.
	first := -1
	for i := 1; i <= p.n; i++ {
		if p.pickupOf[i] != 0 {
			continue
		}
		if first == -1 || p.distKm[0][i] < p.distKm[0][first] {
			first = i
		}
	}
	if first == -1 {
		return nil
	}
	seq = append(seq, first)
	visited[first] = true

	for len(seq) < p.n {
		bestStop, bestPos, bestCost := -1, -1, 0.0
		for i := 1; i <= p.n; i++ {
			if visited[i] {
				continue
			}
			// The earliest legal position is right after the pickup, or
			// anywhere if unconstrained.
			minPos := 0
			if dep := p.pickupOf[i]; dep != 0 {
				if !visited[dep] {
					continue // insert the pickup first
				}
				for k, s := range seq {
					if s == dep {
						minPos = k + 1
						break
					}
				}
			}
			for pos := minPos; pos <= len(seq); pos++ {
				cost := p.insertionCost(seq, i, pos)
				if bestStop == -1 || cost < bestCost {
					bestStop, bestPos, bestCost = i, pos, cost
				}
			}
		}
		if bestStop == -1 {
			return nil
		}
		seq = append(seq[:bestPos], append([]int{bestStop}, seq[bestPos:]...)...)
		visited[bestStop] = true
	}
	return seq
}

func (p *planProblem) insertionCost(seq []int, stop, pos int) float64 {
	prev := 0
	if pos > 0 {
		prev = seq[pos-1]
	}
	if pos == len(seq) {
		return p.distKm[prev][stop]
	}
	next := seq[pos]
	return p.distKm[prev][stop] + p.distKm[stop][next] - p.distKm[prev][next]
}

// twoOpt runs bounded passes of 2-opt segment reversals, rejecting any swap
// that violates precedence or introduces a leg through a blocked zone.
func (p *planProblem) twoOpt(seq []int, maxPasses int) []int {
	n := len(seq)
	if n < 3 {
		return seq
	}
	for pass := 0; pass < maxPasses; pass++ {
		improved := false
		for i := 0; i < n-1; i++ {
			for j := i + 1; j < n; j++ {
				if !p.swapImproves(seq, i, j) {
					continue
				}
				cand := make([]int, n)
				copy(cand, seq)
				reverse(cand[i : j+1])
				if !p.seqValid(cand) {
					continue
				}
				seq = cand
				improved = true
			}
		}
		if !improved {
			break
		}
	}
	return seq
}

func (p *planProblem) swapImproves(seq []int, i, j int) bool {
	n := len(seq)
	// Reversing seq[i..j] replaces legs (i-1,i) and (j,j+1) with (i-1,j)
	// and (i,j+1).
	prev := 0
	if i > 0 {
		prev = seq[i-1]
	}
	oldCost := p.distKm[prev][seq[i]]
	newCost := p.distKm[prev][seq[j]]
	if j+1 < n {
		oldCost += p.distKm[seq[j]][seq[j+1]]
		newCost += p.distKm[seq[i]][seq[j+1]]
	}
	if p.blocked[prev][seq[j]] {
		return false
	}
	if j+1 < n && p.blocked[seq[i]][seq[j+1]] {
		return false
	}
	return newCost < oldCost-1e-9
}

// seqValid re-checks precedence over a full candidate sequence.
func (p *planProblem) seqValid(seq []int) bool {
	visited := make([]bool, p.n+1)
	for _, s := range seq {
		if !legal(p.pickupOf, visited, s) {
			return false
		}
		visited[s] = true
	}
	return true
}

func (p *planProblem) tourKm(seq []int) float64 {
	total := 0.0
	cur := 0
	for _, s := range seq {
		total += p.distKm[cur][s]
		cur = s
	}
	return total
}

func reverse(s []int) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
