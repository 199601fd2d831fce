// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package interval

import (
	"math"

	store "github.com/biogo/store/interval"
)

// PosType is the type used to represent interval coordinates.
type PosType int32

// PosTypeMax is the maximum value that can be represented by a PosType.
const PosTypeMax = math.MaxInt32

// Weighted is the half-open interval [Start, End) carrying a weight.
type Weighted struct {
	Start, End PosType
	Weight     float64
}

// Tree indexes a fixed set of Weighted intervals.  It is immutable once
// built and safe for concurrent queries.
type Tree struct {
	nodes []node
	t     store.IntTree
}

type node struct {
	Weighted
	id uintptr
}

func (n *node) Overlap(r store.IntRange) bool {
	return int(n.Start) < r.End && r.Start < int(n.End)
}

func (n *node) ID() uintptr { return n.id }

func (n *node) Range() store.IntRange {
	return store.IntRange{Start: int(n.Start), End: int(n.End)}
}

type query store.IntRange

func (q query) Overlap(r store.IntRange) bool {
	return q.Start < r.End && r.Start < q.End
}

// NewTree builds a Tree over ivs.  Empty intervals are kept but never
// overlap anything.
func NewTree(ivs []Weighted) *Tree {
	t := &Tree{nodes: make([]node, len(ivs))}
	for i, iv := range ivs {
		t.nodes[i] = node{Weighted: iv, id: uintptr(i)}
		if iv.End <= iv.Start {
			continue
		}
		// Insert only fails for inverted or empty ranges, excluded above.
		_ = t.t.Insert(&t.nodes[i], true)
	}
	t.t.AdjustRanges()
	return t
}

// Len returns the number of intervals in the tree.
func (t *Tree) Len() int { return len(t.nodes) }

// Sum returns the total weight of the intervals overlapping [start, end).
func (t *Tree) Sum(start, end PosType) float64 {
	if len(t.nodes) == 0 || end <= start {
		return 0
	}
	var sum float64
	t.t.DoMatching(func(e store.IntInterface) bool {
		sum += e.(*node).Weight
		return false
	}, query{Start: int(start), End: int(end)})
	return sum
}

// Get returns the intervals overlapping [start, end), in no particular
// order.
func (t *Tree) Get(start, end PosType) []Weighted {
	if len(t.nodes) == 0 || end <= start {
		return nil
	}
	var out []Weighted
	t.t.DoMatching(func(e store.IntInterface) bool {
		out = append(out, e.(*node).Weighted)
		return false
	}, query{Start: int(start), End: int(end)})
	return out
}
