package allocate

import "fmt"

// =============================================================================
// Port Suggestion
// =============================================================================

const maxPort = 65535

// SuggestPort proposes an unclaimed TCP port, scanning upward from the
// preferred default. Used to pre-fill ports for additional database
// instances: a second postgres is offered 5433 when 5432 is taken.
//
// Example:
//
//	SuggestPort(5432, map[int]bool{5432: true}) // returns 5433
func SuggestPort(preferred int, claimed map[int]bool) (int, error) {
	if preferred < 1 {
		preferred = 1
	}
	for p := preferred; p <= maxPort; p++ {
		if !claimed[p] {
			return p, nil
		}
	}
	return 0, &ExhaustedError{
		Kind:   "port",
		Ranges: []string{fmt.Sprintf("%d-%d", preferred, maxPort)},
	}
}
