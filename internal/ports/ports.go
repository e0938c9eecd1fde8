// Package ports computes free host ports for new labs.
package ports

import "fmt"

// ErrExhausted is returned when a range has fewer free ports than requested.
var ErrExhausted = fmt.Errorf("port range exhausted")

// Allocate picks count distinct free ports from [start, end], scanning
// ascending first-fit. A port is free when it is in neither used nor
// blocked. Chosen ports are added to used as they are picked, so a
// single call never returns duplicates and a shared used set stays
// correct across consecutive calls.
//
// The caller rebuilds used from the current ACTIVE labs on every call;
// nothing is cached here. Availability must be re-checked per call —
// a range that had room yesterday can be exhausted now.
func Allocate(start, end, count int, used, blocked map[int]bool) ([]int, error) {
	if count <= 0 {
		return nil, nil
	}
	if start <= 0 || end < start {
		return nil, fmt.Errorf("invalid port range %d-%d", start, end)
	}

	out := make([]int, 0, count)
	for port := start; port <= end && len(out) < count; port++ {
		if used[port] || blocked[port] {
			continue
		}
		used[port] = true
		out = append(out, port)
	}

	if len(out) < count {
		return nil, fmt.Errorf("%w: need %d ports in %d-%d, found %d free",
			ErrExhausted, count, start, end, len(out))
	}
	return out, nil
}

// UsedSet collects every port held by the given (sshPort, exposedPorts)
// pairs into a lookup set.
func UsedSet(sshPorts []int, exposed [][]int) map[int]bool {
	used := make(map[int]bool)
	for _, p := range sshPorts {
		used[p] = true
	}
	for _, list := range exposed {
		for _, p := range list {
			used[p] = true
		}
	}
	return used
}

// BlockSet converts a blocked-port list into a lookup set.
func BlockSet(blocked []int) map[int]bool {
	set := make(map[int]bool, len(blocked))
	for _, p := range blocked {
		set[p] = true
	}
	return set
}
