package hazard

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
)

// GenerateRandomPattern samples count distinct column indices uniformly from
// [0, total) without replacement. The result is sorted; membership is what
// matters, not order.
func GenerateRandomPattern(count, total int) ([]int, error) {
	if count <= 0 || total <= 0 || count > total {
		return nil, fmt.Errorf("invalid pattern shape: count=%d total=%d", count, total)
	}

	// Partial Fisher-Yates over the index space
	pool := make([]int, total)
	for i := range pool {
		pool[i] = i
	}
	for i := 0; i < count; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(total-i)))
		if err != nil {
			return nil, fmt.Errorf("failed to draw random index: %w", err)
		}
		j := i + int(n.Int64())
		pool[i], pool[j] = pool[j], pool[i]
	}

	pattern := make([]int, count)
	copy(pattern, pool[:count])
	sort.Ints(pattern)
	return pattern, nil
}

// Contains reports whether col is a member of the pattern.
// Patterns are sorted, so binary search applies.
func Contains(pattern []int, col int) bool {
	i := sort.SearchInts(pattern, col)
	return i < len(pattern) && pattern[i] == col
}

// ValidPattern checks the structural invariants: exactly count members, all in
// [0, total), strictly increasing (hence unique).
func ValidPattern(pattern []int, count, total int) bool {
	if len(pattern) != count {
		return false
	}
	for i, v := range pattern {
		if v < 0 || v >= total {
			return false
		}
		if i > 0 && v <= pattern[i-1] {
			return false
		}
	}
	return true
}
