package slices

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap(t *testing.T) {
	assert.Equal(t, []string{"1", "3", "5"}, Map([]int{1, 3, 5}, strconv.Itoa))
	assert.Equal(t, []string{}, Map([]int{}, strconv.Itoa))
	assert.Nil(t, Map([]int(nil), strconv.Itoa))
}

func TestFlatten(t *testing.T) {
	assert.Equal(t, []int{1, 2, 3}, Flatten([][]int{{1}, {}, {2, 3}}))
	assert.Nil(t, Flatten([][]int{nil, nil}))
}

func TestUnique(t *testing.T) {
	assert.Equal(t, []string{"n1", "n2", "n3"}, Unique([]string{"n1", "n2", "n1", "n3", "n2"}))
	assert.Nil(t, Unique([]string(nil)))
}

func TestUnion(t *testing.T) {
	tests := map[string]struct {
		a, b     []string
		expected []string
	}{
		"disjoint":      {a: []string{"n1"}, b: []string{"n2"}, expected: []string{"n1", "n2"}},
		"overlap":       {a: []string{"n1", "n2"}, b: []string{"n2", "n3"}, expected: []string{"n1", "n2", "n3"}},
		"empty a":       {a: nil, b: []string{"n2", "n2"}, expected: []string{"n2"}},
		"both empty":    {a: []string{}, b: nil, expected: []string{}},
		"keeps a order": {a: []string{"n9", "n1"}, b: []string{"n1"}, expected: []string{"n9", "n1"}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Union(tc.a, tc.b))
		})
	}
}

func TestUnion_DoesNotModifyInput(t *testing.T) {
	a := make([]string, 1, 10)
	a[0] = "n1"
	_ = Union(a, []string{"n2"})
	assert.Equal(t, []string{"n1"}, a)
}

func TestSubtract(t *testing.T) {
	assert.Equal(t, []int{1, 3}, Subtract([]int{1, 2, 3, 2}, []int{2}))
	assert.Equal(t, []int{}, Subtract([]int{1}, []int{1}))
	assert.Nil(t, Subtract(nil, []int{1}))
}

func TestGroupByFunc(t *testing.T) {
	assert.Equal(t,
		map[bool][]int{true: {2, 4}, false: {1, 3}},
		GroupByFunc([]int{1, 2, 3, 4}, func(i int) bool { return i%2 == 0 }))
}
