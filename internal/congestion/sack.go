package congestion

import "github.com/google/btree"

// MaxSACKEntries bounds the per-flow SACK block table (§4.2, §3).
const MaxSACKEntries = 4

// sackItem is the btree element: a merged, non-overlapping SACK range
// [Left, Right), ordered by Left.
type sackItem struct {
	Left, Right uint32
	seq         uint64 // insertion order, for eviction when the table is full
}

func (a sackItem) Less(b btree.Item) bool {
	return a.Left < b.(sackItem).Left
}

// SACKTable is a fixed-capacity, merge-on-adjacency table of received
// out-of-order ranges, backed by a B-tree for ordered overlap scanning
// (github.com/google/btree — promoted from tinyrange-cc's transitive go.mod
// dependency, SPEC_FULL.md §B). A block already wholly contained is
// idempotent; an overlapping or touching block merges with its neighbours.
type SACKTable struct {
	tree    *btree.BTree
	nextSeq uint64
}

// NewSACKTable creates an empty SACK table.
func NewSACKTable() *SACKTable {
	return &SACKTable{tree: btree.New(4)}
}

// Add inserts or merges the range [left, right) into the table, per §4.2's
// merge-on-adjacency rule.
func (t *SACKTable) Add(left, right uint32) {
	if right <= left {
		return
	}

	mergedLeft, mergedRight := left, right
	var toDelete []sackItem

	t.tree.Ascend(func(i btree.Item) bool {
		item := i.(sackItem)
		// Touching or overlapping: item.Left <= mergedRight && item.Right >= mergedLeft
		if item.Left <= mergedRight && item.Right >= mergedLeft {
			if item.Left < mergedLeft {
				mergedLeft = item.Left
			}
			if item.Right > mergedRight {
				mergedRight = item.Right
			}
			toDelete = append(toDelete, item)
		}
		return true
	})

	for _, item := range toDelete {
		t.tree.Delete(item)
	}

	if len(toDelete) == 0 && t.tree.Len() >= MaxSACKEntries {
		// Table full and this is a disjoint new range: evict the oldest
		// entry to make room (an eviction policy the spec leaves open).
		var oldest sackItem
		found := false
		t.tree.Ascend(func(i btree.Item) bool {
			item := i.(sackItem)
			if !found || item.seq < oldest.seq {
				oldest = item
				found = true
			}
			return true
		})
		if found {
			t.tree.Delete(oldest)
		}
	}

	t.tree.ReplaceOrInsert(sackItem{Left: mergedLeft, Right: mergedRight, seq: t.nextSeq})
	t.nextSeq++
}

// Contains reports whether seq falls within any recorded block.
func (t *SACKTable) Contains(seq uint32) bool {
	found := false
	t.tree.Ascend(func(i btree.Item) bool {
		item := i.(sackItem)
		if item.Left <= seq && seq < item.Right {
			found = true
			return false
		}
		return true
	})
	return found
}

// Ranges returns the merged, non-overlapping blocks in ascending order.
func (t *SACKTable) Ranges() []struct{ Left, Right uint32 } {
	out := make([]struct{ Left, Right uint32 }, 0, t.tree.Len())
	t.tree.Ascend(func(i btree.Item) bool {
		item := i.(sackItem)
		out = append(out, struct{ Left, Right uint32 }{item.Left, item.Right})
		return true
	})
	return out
}

// Len returns the number of distinct blocks currently recorded.
func (t *SACKTable) Len() int { return t.tree.Len() }

// RetireBelow drops (or trims) any block wholly or partially below seq,
// called as rcv_nxt advances and those ranges become part of the
// contiguous stream rather than out-of-order holes.
func (t *SACKTable) RetireBelow(seq uint32) {
	var toDelete []sackItem
	var toReinsert []sackItem
	t.tree.Ascend(func(i btree.Item) bool {
		item := i.(sackItem)
		if item.Right <= seq {
			toDelete = append(toDelete, item)
		} else if item.Left < seq {
			toDelete = append(toDelete, item)
			toReinsert = append(toReinsert, sackItem{Left: seq, Right: item.Right, seq: item.seq})
		}
		return true
	})
	for _, item := range toDelete {
		t.tree.Delete(item)
	}
	for _, item := range toReinsert {
		t.tree.ReplaceOrInsert(item)
	}
}
