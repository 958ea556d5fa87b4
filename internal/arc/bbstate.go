package arc

import (
	"github.com/hassan/arcopt/internal/ir"
)

// overflowOccurredValue marks a path count that no longer fits in 32 bits.
const overflowOccurredValue uint32 = 0xffffffff

// ptrMap maps pointers to their states, iterating in insertion order so
// that the sweeps are deterministic.
type ptrMap struct {
	keys   []*ir.Value
	states map[*ir.Value]*PtrState
}

func newPtrMap() *ptrMap {
	return &ptrMap{states: make(map[*ir.Value]*PtrState)}
}

// get returns the state of ptr, creating an empty one if needed.
func (m *ptrMap) get(ptr *ir.Value) *PtrState {
	if s, ok := m.states[ptr]; ok {
		return s
	}
	s := &PtrState{}
	m.keys = append(m.keys, ptr)
	m.states[ptr] = s
	return s
}

// lookup returns the state of ptr, or nil.
func (m *ptrMap) lookup(ptr *ir.Value) *PtrState {
	return m.states[ptr]
}

func (m *ptrMap) each(f func(ptr *ir.Value, s *PtrState)) {
	for _, ptr := range m.keys {
		f(ptr, m.states[ptr])
	}
}

func (m *ptrMap) clone() *ptrMap {
	c := &ptrMap{
		keys:   append([]*ir.Value(nil), m.keys...),
		states: make(map[*ir.Value]*PtrState, len(m.states)),
	}
	for ptr, s := range m.states {
		c.states[ptr] = s.Clone()
	}
	return c
}

func (m *ptrMap) clear() {
	m.keys = nil
	m.states = make(map[*ir.Value]*PtrState)
}

func (m *ptrMap) len() int { return len(m.keys) }

// BBState is the dataflow state of one basic block.
//
// PATH COUNTS:
// TopDownPathCount is the number of acyclic paths from the entry to the
// block, BottomUpPathCount the number from the block to an exit. Their
// product is the number of entry-to-exit paths through the block, which is
// what the connector weighs calls with to prove that moving them keeps the
// retain/release balance of every path.
type BBState struct {
	TopDownPathCount  uint32
	BottomUpPathCount uint32

	perPtrTopDown  *ptrMap
	perPtrBottomUp *ptrMap

	// Preds and Succs are the CFG edges minus back edges.
	Preds []*ir.BasicBlock
	Succs []*ir.BasicBlock
}

func newBBState() *BBState {
	return &BBState{
		perPtrTopDown:  newPtrMap(),
		perPtrBottomUp: newPtrMap(),
	}
}

func (b *BBState) setAsEntry() { b.TopDownPathCount = 1 }
func (b *BBState) setAsExit()  { b.BottomUpPathCount = 1 }
func (b *BBState) isExit() bool {
	return len(b.Succs) == 0
}

func (b *BBState) addPred(bb *ir.BasicBlock) { b.Preds = append(b.Preds, bb) }
func (b *BBState) addSucc(bb *ir.BasicBlock) { b.Succs = append(b.Succs, bb) }

// TopDown returns the top-down state of ptr, creating it if needed.
func (b *BBState) TopDown(ptr *ir.Value) *PtrState { return b.perPtrTopDown.get(ptr) }

// BottomUp returns the bottom-up state of ptr, creating it if needed.
func (b *BBState) BottomUp(ptr *ir.Value) *PtrState { return b.perPtrBottomUp.get(ptr) }

// bottomUpState returns the bottom-up state of ptr without creating it.
func (b *BBState) bottomUpState(ptr *ir.Value) *PtrState {
	if s := b.perPtrBottomUp.lookup(ptr); s != nil {
		return s
	}
	return &PtrState{}
}

func (b *BBState) clearTopDownPointers()  { b.perPtrTopDown.clear() }
func (b *BBState) clearBottomUpPointers() { b.perPtrBottomUp.clear() }

// AllPathCount returns the number of entry-to-exit paths through the block.
// ok is false if the count overflowed.
func (b *BBState) AllPathCount() (count uint32, ok bool) {
	if b.TopDownPathCount == overflowOccurredValue || b.BottomUpPathCount == overflowOccurredValue {
		return 0, false
	}
	product := uint64(b.TopDownPathCount) * uint64(b.BottomUpPathCount)
	if product>>32 != 0 || uint32(product) == overflowOccurredValue {
		return 0, false
	}
	return uint32(product), true
}

// initFromPred starts the top-down state as a copy of a predecessor's.
func (b *BBState) initFromPred(other *BBState) {
	b.perPtrTopDown = other.perPtrTopDown.clone()
	b.TopDownPathCount = other.TopDownPathCount
}

// initFromSucc starts the bottom-up state as a copy of a successor's.
func (b *BBState) initFromSucc(other *BBState) {
	b.perPtrBottomUp = other.perPtrBottomUp.clone()
	b.BottomUpPathCount = other.BottomUpPathCount
}

// MergePred folds the state at the end of another predecessor into the
// top-down state at the start of b.
func (b *BBState) MergePred(other *BBState) {
	if b.TopDownPathCount == overflowOccurredValue {
		return
	}
	var ok bool
	b.TopDownPathCount, ok = addPathCounts(b.TopDownPathCount, other.TopDownPathCount)
	if !ok {
		b.clearTopDownPointers()
		return
	}
	mergePtrMaps(b.perPtrTopDown, other.perPtrTopDown, true)
}

// MergeSucc folds the state at the start of another successor into the
// bottom-up state at the end of b.
func (b *BBState) MergeSucc(other *BBState) {
	if b.BottomUpPathCount == overflowOccurredValue {
		return
	}
	var ok bool
	b.BottomUpPathCount, ok = addPathCounts(b.BottomUpPathCount, other.BottomUpPathCount)
	if !ok {
		b.clearBottomUpPointers()
		return
	}
	mergePtrMaps(b.perPtrBottomUp, other.perPtrBottomUp, false)
}

// addPathCounts adds two path counts. Reaching or wrapping past
// overflowOccurredValue saturates there and reports failure.
func addPathCounts(mine, theirs uint32) (uint32, bool) {
	sum := mine + theirs
	if sum == overflowOccurredValue || sum < theirs {
		return overflowOccurredValue, false
	}
	return sum, true
}

// mergePtrMaps merges other into mine pointer by pointer. A pointer only one
// side tracks is merged against an empty state.
func mergePtrMaps(mine, other *ptrMap, topDown bool) {
	var empty PtrState
	other.each(func(ptr *ir.Value, theirs *PtrState) {
		if s := mine.lookup(ptr); s != nil {
			s.Merge(theirs, topDown)
			return
		}
		s := mine.get(ptr)
		*s = PtrState{
			KnownPositiveRefCount: theirs.KnownPositiveRefCount,
			Partial:               theirs.Partial,
			Seq:                   theirs.Seq,
		}
		s.RRI.CopyFrom(&theirs.RRI)
		s.Merge(&empty, topDown)
	})
	mine.each(func(ptr *ir.Value, s *PtrState) {
		if other.lookup(ptr) == nil {
			s.Merge(&empty, topDown)
		}
	})
}
