package hazard

import (
	"fmt"
)

// State is the replicated hazard document for one (game, difficulty).
// Two windows are always published: current is live until ChangeAt, then next
// takes over, so followers keep answering while the leader rotates.
type State struct {
	Current     []int `json:"current"`
	Next        []int `json:"next"`
	ChangeAt    int64 `json:"change_at"`    // epoch ms
	GeneratedAt int64 `json:"generated_at"` // epoch ms
}

// ActiveAt returns the pattern active at the given instant.
func (s *State) ActiveAt(nowMs int64) []int {
	if nowMs < s.ChangeAt {
		return s.Current
	}
	return s.Next
}

// Expired reports whether the rotation window has elapsed.
func (s *State) Expired(nowMs int64) bool {
	return nowMs >= s.ChangeAt
}

// Validate checks the invariants both patterns must hold.
func (s *State) Validate(count, total int) error {
	if !ValidPattern(s.Current, count, total) {
		return fmt.Errorf("invalid current pattern %v (count=%d total=%d)", s.Current, count, total)
	}
	if !ValidPattern(s.Next, count, total) {
		return fmt.Errorf("invalid next pattern %v (count=%d total=%d)", s.Next, count, total)
	}
	if s.ChangeAt <= 0 {
		return fmt.Errorf("missing change_at")
	}
	return nil
}
