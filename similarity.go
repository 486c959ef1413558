package schild

// similarText counts the characters shared by a and b: the longest common
// substring plus, recursively, the shared characters on both sides of it.
func similarText(a, b string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	best, posA, posB := 0, 0, 0
	for i := 0; i < len(a); i++ {
		for j := 0; j < len(b); j++ {
			k := 0
			for i+k < len(a) && j+k < len(b) && a[i+k] == b[j+k] {
				k++
			}
			if k > best {
				best, posA, posB = k, i, j
			}
		}
	}

	if best == 0 {
		return 0
	}

	return best +
		similarText(a[:posA], b[:posB]) +
		similarText(a[posA+best:], b[posB+best:])
}

// similarityPercent returns the percentage of shared characters, 0 to 100
func similarityPercent(a, b string) float64 {
	total := len(a) + len(b)
	if total == 0 {
		return 0
	}
	return float64(similarText(a, b)*2) * 100 / float64(total)
}
