package internal

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Keys returns a slice containing copies of the keys of the given map, in no particular
// order.
func Keys[K comparable, V any](m map[K]V) []K {
	if m == nil {
		return nil
	}
	return maps.Keys(m)
}

// SortedUnique returns the distinct non-empty strings of in, sorted ascending. The result is never
// nil so it always serialises as a JSON list.
func SortedUnique(in []string) []string {
	set := make(map[string]struct{}, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		set[s] = struct{}{}
	}
	out := maps.Keys(set)
	if out == nil {
		out = []string{}
	}
	slices.Sort(out)
	return out
}
