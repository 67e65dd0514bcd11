package generation

import "strings"

// stopIndex returns the earliest byte offset at which any stop string
// starts in s, or -1.
func stopIndex(s string, stops []string) int {
	best := -1
	for _, stop := range stops {
		if i := strings.Index(s, stop); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}

// holdback returns the length of the longest suffix of s that is a proper
// prefix of some stop string. That much text must wait for more tokens.
func holdback(s string, stops []string) int {
	n := 0
	for _, stop := range stops {
		for k := min(len(stop)-1, len(s)); k > n; k-- {
			if strings.HasSuffix(s, stop[:k]) {
				n = k
				break
			}
		}
	}
	return n
}
