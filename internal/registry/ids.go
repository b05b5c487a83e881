package registry

import (
	"sort"
	"strconv"
)

// NextID scans the existing set of numeric string ids and returns the
// smallest unused positive integer, formatted as a string. Used for
// lights, sensors, groups, scenes, and rules alike.
func NextID(existing map[string]bool) string {
	used := make([]int, 0, len(existing))
	for id := range existing {
		if n, err := strconv.Atoi(id); err == nil && n > 0 {
			used = append(used, n)
		}
	}
	sort.Ints(used)

	next := 1
	for _, n := range used {
		if n == next {
			next++
		} else if n > next {
			break
		}
	}
	return strconv.Itoa(next)
}
