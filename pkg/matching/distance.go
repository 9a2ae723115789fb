package matching

// Distance computes the classic Levenshtein edit distance between two
// strings: insertions, deletions, and substitutions each cost 1. Runs the
// standard DP over two rows sized by the shorter string.
func Distance(a, b string) int {
	s1 := []rune(a)
	s2 := []rune(b)
	if len(s1) < len(s2) {
		s1, s2 = s2, s1
	}
	if len(s2) == 0 {
		return len(s1)
	}

	previous := make([]int, len(s2)+1)
	current := make([]int, len(s2)+1)
	for j := range previous {
		previous[j] = j
	}

	for i, c1 := range s1 {
		current[0] = i + 1
		for j, c2 := range s2 {
			insertion := previous[j+1] + 1
			deletion := current[j] + 1
			substitution := previous[j]
			if c1 != c2 {
				substitution++
			}

			best := insertion
			if deletion < best {
				best = deletion
			}
			if substitution < best {
				best = substitution
			}
			current[j+1] = best
		}
		previous, current = current, previous
	}

	return previous[len(s2)]
}

// WithinDistance reports whether two strings are within the given edit
// distance of each other.
func WithinDistance(a, b string, threshold int) bool {
	return Distance(a, b) <= threshold
}
