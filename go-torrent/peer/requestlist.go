package peer

import "container/list"

// RequestList is the ordered, duplicate-tolerant BlockRef sequence described
// in spec.md §3. It is backed by container/list so that the *list.Element
// handles callers hold onto (e.g. the scheduler's timeout table) remain
// stable across unrelated insertions and removals elsewhere in the list —
// exactly the stability guarantee spec.md §3 requires of RequestList
// iterators. No ecosystem "stable ordered list with pointer identity" type
// appears anywhere in the retrieval pack, so container/list is the
// appropriate stdlib tool here (see DESIGN.md).
type RequestList struct {
	l *list.List
}

// NewRequestList returns an empty RequestList.
func NewRequestList() *RequestList {
	return &RequestList{l: list.New()}
}

// Append adds ref to the back of the list and returns a stable handle to it.
func (r *RequestList) Append(ref BlockRef) *list.Element {
	return r.l.PushBack(ref)
}

// Remove deletes the entry identified by handle. Removing an element not in
// this list is a no-op (container/list.Remove is itself safe only for
// elements it owns; callers only ever pass back handles this list issued).
func (r *RequestList) Remove(e *list.Element) {
	r.l.Remove(e)
}

// RemoveByRef removes the first entry equal to ref, reporting whether one
// was found.
func (r *RequestList) RemoveByRef(ref BlockRef) bool {
	for e := r.l.Front(); e != nil; e = e.Next() {
		if e.Value.(BlockRef) == ref {
			r.l.Remove(e)
			return true
		}
	}
	return false
}

// FindByRef returns the element matching ref, or nil.
func (r *RequestList) FindByRef(ref BlockRef) *list.Element {
	for e := r.l.Front(); e != nil; e = e.Next() {
		if e.Value.(BlockRef) == ref {
			return e
		}
	}
	return nil
}

// RemoveByPiece removes every entry for pieceIndex and returns the removed
// BlockRefs (spec.md §4.4's "purge wait_request/requesting_list entries for
// piece p" on CompleteNewPiece/DownloadingFailed).
func (r *RequestList) RemoveByPiece(pieceIndex uint32) []BlockRef {
	var removed []BlockRef
	e := r.l.Front()
	for e != nil {
		next := e.Next()
		ref := e.Value.(BlockRef)
		if ref.PieceIndex == pieceIndex {
			removed = append(removed, ref)
			r.l.Remove(e)
		}
		e = next
	}
	return removed
}

// DrainInto moves every entry from r to the back of dst, in order, leaving r
// empty (spec.md §4.4: "the scheduler then drains wait_request into
// requesting_list").
func (r *RequestList) DrainInto(dst *RequestList) []BlockRef {
	var moved []BlockRef
	for e := r.l.Front(); e != nil; e = e.Next() {
		ref := e.Value.(BlockRef)
		moved = append(moved, ref)
		dst.l.PushBack(ref)
	}
	r.l.Init()
	return moved
}

// Each calls fn for every entry, in order. fn must not mutate the list.
func (r *RequestList) Each(fn func(e *list.Element, ref BlockRef)) {
	for e := r.l.Front(); e != nil; e = e.Next() {
		fn(e, e.Value.(BlockRef))
	}
}

// Clear removes every entry and returns what was removed (used when a
// connection drops or chokes: spec.md §4.4 "wait_request is also drained
// back").
func (r *RequestList) Clear() []BlockRef {
	var removed []BlockRef
	for e := r.l.Front(); e != nil; e = e.Next() {
		removed = append(removed, e.Value.(BlockRef))
	}
	r.l.Init()
	return removed
}

// Len reports the number of entries.
func (r *RequestList) Len() int { return r.l.Len() }

// PopFront removes and returns the front entry, reporting whether the list
// was non-empty.
func (r *RequestList) PopFront() (BlockRef, bool) {
	e := r.l.Front()
	if e == nil {
		return BlockRef{}, false
	}
	ref := e.Value.(BlockRef)
	r.l.Remove(e)
	return ref, true
}
