package read

import (
	"bytes"
	"container/heap"
	"context"

	"go.mongodb.org/mongo-driver/bson"
)

// OrderBy is one field/direction pair from a query's $orderby document
// (§4.5 "a heap ordered by the query's $orderby document (direction per
// field from the document's int values)").
type OrderBy struct {
	Field     string
	Ascending bool
}

// ParseOrderBy decodes a $orderby document into an ordered field list. Field
// order in the document is significant: it is the tie-break precedence.
func ParseOrderBy(doc bson.Raw) []OrderBy {
	if len(doc) == 0 {
		return nil
	}
	elems, err := doc.Elements()
	if err != nil {
		return nil
	}
	out := make([]OrderBy, 0, len(elems))
	for _, el := range elems {
		n, ok := el.Value().Int32OK()
		asc := true
		if ok {
			asc = n >= 0
		} else if n64, ok64 := el.Value().Int64OK(); ok64 {
			asc = n64 >= 0
		}
		out = append(out, OrderBy{Field: el.Key(), Ascending: asc})
	}
	return out
}

// mergeItem is one live child source parked in the merge heap, holding the
// document it is currently positioned at.
type mergeItem struct {
	src  DataSource
	head bson.Raw
	done bool
}

// MergeSource streams the replies of already-built per-shard sources back in
// $orderby order (§4.5 "Multi-shard"). It does no fan-out itself; Build
// constructs the per-shard sources.
type MergeSource struct {
	order      []OrderBy
	items      []*mergeItem
	partial    bool
	closed     bool
	pendingErr error
}

// NewMergeSource builds a Merge over already-constructed per-shard sources.
// Per-shard construction happens in parallel by the caller (§4.5 "construct
// a Backend per shard in parallel"). With partial set, a child whose first
// Advance fails is skipped here, and a child that fails mid-stream is
// dropped instead of reporting its error.
func NewMergeSource(ctx context.Context, children []DataSource, order []OrderBy, partial bool) (*MergeSource, error) {
	m := &MergeSource{order: order, partial: partial}
	for _, c := range children {
		it := &mergeItem{src: c}
		if err := m.prime(ctx, it); err != nil {
			if partial {
				continue
			}
			m.Close(ctx)
			return nil, err
		}
		if !it.done {
			m.items = append(m.items, it)
		}
	}
	heap.Init((*itemHeap)(m))
	return m, nil
}

func (m *MergeSource) prime(ctx context.Context, it *mergeItem) error {
	doc, ok, err := it.src.Advance(ctx)
	if err != nil {
		return err
	}
	it.head = doc
	it.done = !ok
	return nil
}

// Advance pops the minimum item, advances it, re-heaps if it is not at end,
// drops it (and closes it) otherwise (§4.5 "Merge.advance").
func (m *MergeSource) Advance(ctx context.Context) (bson.Raw, bool, error) {
	h := (*itemHeap)(m)
	if h.Len() == 0 {
		if err := m.pendingErr; err != nil {
			m.pendingErr = nil
			return nil, false, err
		}
		return nil, false, nil
	}
	top := m.items[0]
	doc := top.head

	doc2, ok, err := top.src.Advance(ctx)
	if err != nil {
		heap.Pop(h)
		_ = top.src.Close(ctx)
		if !m.partial {
			m.pendingErr = err
		}
		return doc, true, nil
	}
	if !ok {
		heap.Pop(h)
		_ = top.src.Close(ctx)
	} else {
		top.head = doc2
		heap.Fix(h, 0)
	}
	return doc, true, nil
}

func (m *MergeSource) Close(ctx context.Context) error {
	if m.closed {
		return nil
	}
	m.closed = true
	var first error
	for _, it := range m.items {
		if err := it.src.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// itemHeap adapts MergeSource.items to container/heap, ordered by the
// parsed $orderby field list.
type itemHeap MergeSource

func (h *itemHeap) Len() int { return len(h.items) }
func (h *itemHeap) Less(i, j int) bool {
	return lessByOrder(h.items[i].head, h.items[j].head, h.order)
}
func (h *itemHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *itemHeap) Push(x interface{}) { h.items = append(h.items, x.(*mergeItem)) }
func (h *itemHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}

func lessByOrder(a, b bson.Raw, order []OrderBy) bool {
	for _, ob := range order {
		av := a.Lookup(ob.Field)
		bv := b.Lookup(ob.Field)
		c := compareRawValue(av, bv)
		if c == 0 {
			continue
		}
		if ob.Ascending {
			return c < 0
		}
		return c > 0
	}
	return false
}

// compareRawValue compares two bson.RawValues for ordering purposes,
// falling back to byte comparison of their raw encodings for types that
// aren't numeric or string (sufficient for the merge's tie-break needs;
// full type-aware BSON ordering is out of scope).
func compareRawValue(a, b bson.RawValue) int {
	af, aok := numericValue(a)
	bf, bok := numericValue(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, aok := a.StringValueOK()
	bs, bok := b.StringValueOK()
	if aok && bok {
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}
	return bytes.Compare(a.Value, b.Value)
}

func numericValue(v bson.RawValue) (float64, bool) {
	switch {
	case v.Type == 0x01:
		return v.Double(), true
	case v.Type == 0x10:
		return float64(v.Int32()), true
	case v.Type == 0x12:
		return float64(v.Int64()), true
	}
	return 0, false
}

