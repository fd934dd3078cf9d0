package slices

import (
	goslices "golang.org/x/exp/slices"
)

// Map returns a slice containing f(e) for every element e of s, in order.
func Map[S ~[]E, E any, V any](s S, f func(E) V) []V {
	if s == nil {
		return nil
	}
	rv := make([]V, len(s))
	for i, e := range s {
		rv[i] = f(e)
	}
	return rv
}

// Flatten merges a slice of slices into a single slice.
func Flatten[S ~[]E, E any](s []S) S {
	n := 0
	allNil := true
	for _, si := range s {
		n += len(si)
		allNil = allNil && si == nil
	}
	if allNil {
		return nil
	}
	rv := make(S, 0, n)
	for _, si := range s {
		rv = append(rv, si...)
	}
	return rv
}

// Unique returns a copy of s with duplicate elements removed, keeping only the first occurrence.
func Unique[S ~[]E, E comparable](s S) S {
	if s == nil {
		return nil
	}
	rv := make(S, 0)
	seen := make(map[E]bool)
	for _, v := range s {
		if !seen[v] {
			rv = append(rv, v)
			seen[v] = true
		}
	}
	return rv
}

// Union returns the elements of a followed by the elements of b not already in a, without duplicates.
func Union[S ~[]E, E comparable](a S, b S) S {
	return Unique(Flatten([]S{goslices.Clone(a), b}))
}

// Subtract returns the elements of list not in toRemove, preserving order.
func Subtract[T comparable](list []T, toRemove []T) []T {
	if list == nil {
		return nil
	}
	out := make([]T, 0, len(list))

	toRemoveMap := make(map[T]bool, len(toRemove))
	for _, val := range toRemove {
		toRemoveMap[val] = true
	}

	for _, val := range list {
		if !toRemoveMap[val] {
			out = append(out, val)
		}
	}
	return out
}

// GroupByFunc groups the elements e_1, ..., e_n of s into separate slices by keyFunc(e).
func GroupByFunc[S ~[]E, E any, K comparable](s S, keyFunc func(E) K) map[K]S {
	rv := make(map[K]S)
	for _, e := range s {
		k := keyFunc(e)
		rv[k] = append(rv[k], e)
	}
	return rv
}
