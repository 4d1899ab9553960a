package triplet

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/RoaringBitmap/roaring/v2"
)

// ErrInvalidItems reports a malformed allowable-item list.
var ErrInvalidItems = errors.New("invalid item set")

// ItemSet is a subset of [0, n) that queries may be drawn from.
// A nil *ItemSet means "every item".
type ItemSet struct {
	n     int
	bm    *roaring.Bitmap
	items []int
}

// NewItemSet validates and builds an item set. Indices must be inside [0, n),
// must not repeat, and there must be at least three of them.
func NewItemSet(n int, items []int) (*ItemSet, error) {
	if len(items) < 3 {
		return nil, fmt.Errorf("%w: need at least 3 items, got %d", ErrInvalidItems, len(items))
	}
	bm := roaring.New()
	for _, i := range items {
		if i < 0 || i >= n {
			return nil, fmt.Errorf("%w: index %d outside [0, %d)", ErrInvalidItems, i, n)
		}
		if !bm.CheckedAdd(uint32(i)) {
			return nil, fmt.Errorf("%w: duplicate index %d", ErrInvalidItems, i)
		}
	}
	return &ItemSet{n: n, bm: bm, items: toInts(bm.ToArray())}, nil
}

// All returns the set of every item in [0, n).
func All(n int) *ItemSet {
	bm := roaring.New()
	bm.AddRange(0, uint64(n))
	return &ItemSet{n: n, bm: bm, items: toInts(bm.ToArray())}
}

// Contains reports whether item i is allowed.
func (s *ItemSet) Contains(i int) bool {
	if s == nil {
		return true
	}
	return i >= 0 && s.bm.Contains(uint32(i))
}

// Len returns the number of allowed items.
func (s *ItemSet) Len() int { return len(s.items) }

// Items returns the allowed items in ascending order. The slice must not be
// modified.
func (s *ItemSet) Items() []int { return s.items }

// Random draws a query whose three items all come from the set.
func (s *ItemSet) Random(rng *rand.Rand) Query {
	q := Random(rng, len(s.items))
	return Query{Head: s.items[q.Head], Left: s.items[q.Left], Right: s.items[q.Right]}
}

// RandomWithHead draws two distinct allowed items other than head. The head
// itself does not need to be in the set.
func (s *ItemSet) RandomWithHead(rng *rand.Rand, head int) Query {
	if !s.Contains(head) {
		l := s.items[rng.IntN(len(s.items))]
		r := s.items[rng.IntN(len(s.items)-1)]
		if r == l {
			r = s.items[len(s.items)-1]
		}
		return Query{Head: head, Left: l, Right: r}
	}
	pos := s.bm.Rank(uint32(head)) - 1
	q := RandomWithHead(rng, len(s.items), int(pos))
	return Query{Head: head, Left: s.items[q.Left], Right: s.items[q.Right]}
}

func toInts(a []uint32) []int {
	out := make([]int, len(a))
	for i, v := range a {
		out[i] = int(v)
	}
	return out
}
