// Package primitives is the boundary the registry calls through to run
// per-layer forward/backward kernels and to select convolution algorithms.
// It plays the role of an opaque DNN primitive library: callers never
// depend on how a kernel computes its result, only on the workspace-byte
// contract the library exposes for planning.
package primitives

import "fmt"

// Direction identifies which of a convolution's three algorithm choices is
// being selected.
type Direction int

const (
	DirForward Direction = iota
	DirBackwardFilter
	DirBackwardData
)

func (d Direction) String() string {
	switch d {
	case DirForward:
		return "forward"
	case DirBackwardFilter:
		return "backward_filter"
	case DirBackwardData:
		return "backward_data"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// AlgoPref is the planner's stated algorithm preference.
type AlgoPref int

const (
	PerformanceOptimal AlgoPref = iota
	MemoryOptimal
)

func (p AlgoPref) String() string {
	if p == MemoryOptimal {
		return "memory-optimal"
	}
	return "performance-optimal"
}

// Algorithm is one candidate convolution algorithm: an opaque identifier the
// primitive library recognizes, a relative speed rank (lower is faster) and
// the workspace it requires for a single call.
type Algorithm struct {
	ID             int
	SpeedRank      int
	WorkspaceBytes uint64
}

// softBudgetFraction bounds how much of the currently-free pool a "soft"
// selection will greedily spend on workspace.
const softBudgetFraction = 0.5

// Select picks an algorithm for one convolution call given the candidate
// list (in no assumed order), the requested preference, the hard/soft
// discipline, and the currently-free device bytes. It returns false if no
// candidate's workspace fits the budget. Hard discipline fits the free
// bytes exactly; soft discipline caps workspace at a fraction of free so
// the selection degrades gracefully under pressure.
func Select(candidates []Algorithm, pref AlgoPref, hard bool, freeBytes uint64) (Algorithm, bool) {
	if len(candidates) == 0 {
		return Algorithm{}, false
	}

	budget := freeBytes
	if !hard {
		soft := uint64(float64(freeBytes) * softBudgetFraction)
		if soft < budget {
			budget = soft
		}
	}

	var best Algorithm
	found := false

	for _, c := range candidates {
		if c.WorkspaceBytes > budget {
			continue
		}
		switch {
		case !found:
			best, found = c, true
		case pref == PerformanceOptimal && c.SpeedRank < best.SpeedRank:
			best = c
		case pref == MemoryOptimal && c.WorkspaceBytes < best.WorkspaceBytes:
			best = c
		}
	}

	return best, found
}
