package controller

import (
	"strconv"

	"github.com/elliotchance/orderedmap/v2"
)

// IdMap maps pseudo ids to the real ids of the allocations carrying them, in submission order.
// A miss is not an error: the id is left for the workload manager to resolve.
type IdMap struct {
	ids *orderedmap.OrderedMap[string, string]
}

func NewIdMap() *IdMap {
	return &IdMap{ids: orderedmap.NewOrderedMap[string, string]()}
}

func (m *IdMap) Set(pseudoId int, realId string) {
	m.ids.Set(strconv.Itoa(pseudoId), realId)
}

// Lookup implements dependency.Mapping.
func (m *IdMap) Lookup(id string) (string, bool) {
	return m.ids.Get(id)
}

func (m *IdMap) Len() int {
	return m.ids.Len()
}

// Entries returns the pseudo id, real id pairs in submission order.
func (m *IdMap) Entries() [][2]string {
	entries := make([][2]string, 0, m.ids.Len())
	for el := m.ids.Front(); el != nil; el = el.Next() {
		entries = append(entries, [2]string{el.Key, el.Value})
	}
	return entries
}
