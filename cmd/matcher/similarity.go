package matcher

// Ratio returns the similarity of a and b in [0, 1] as 2*M/T, where T is the
// combined length and M the number of characters in the matching blocks found
// by recursively taking the longest common substring (Ratcliff/Obershelp).
// Two empty strings are identical.
func Ratio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1.0
	}
	return 2.0 * float64(matchingCharacters(ra, rb)) / float64(total)
}

func matchingCharacters(a, b []rune) int {
	// Index every position of each rune in b once.
	positions := make(map[rune][]int, len(b))
	for j, r := range b {
		positions[r] = append(positions[r], j)
	}

	type span struct{ alo, ahi, blo, bhi int }

	matched := 0
	queue := []span{{0, len(a), 0, len(b)}}
	for len(queue) > 0 {
		s := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		i, j, k := longestMatch(a, positions, s.alo, s.ahi, s.blo, s.bhi)
		if k == 0 {
			continue
		}
		matched += k
		if s.alo < i && s.blo < j {
			queue = append(queue, span{s.alo, i, s.blo, j})
		}
		if i+k < s.ahi && j+k < s.bhi {
			queue = append(queue, span{i + k, s.ahi, j + k, s.bhi})
		}
	}
	return matched
}

// longestMatch finds the longest block a[i:i+k] == b[j:j+k] inside the given
// bounds. Among equally long blocks it returns the one starting earliest in a,
// then earliest in b.
func longestMatch(a []rune, positions map[rune][]int, alo, ahi, blo, bhi int) (int, int, int) {
	besti, bestj, bestk := alo, blo, 0

	lengths := map[int]int{}
	for i := alo; i < ahi; i++ {
		next := map[int]int{}
		for _, j := range positions[a[i]] {
			if j < blo {
				continue
			}
			if j >= bhi {
				break
			}
			k := lengths[j-1] + 1
			next[j] = k
			if k > bestk {
				besti, bestj, bestk = i-k+1, j-k+1, k
			}
		}
		lengths = next
	}
	return besti, bestj, bestk
}
