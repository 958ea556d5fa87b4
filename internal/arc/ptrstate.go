package arc

import (
	"golang.org/x/tools/container/intsets"
)

// Sequence is a tracked pointer's position in the retain -> use -> release
// lifecycle at some program point.
type Sequence int

const (
	SeqNone           Sequence = iota // not in a sequence
	SeqRetain                         // objc_retain(x)
	SeqCanRelease                     // foo(x) -- x could possibly see a ref count decrement
	SeqUse                            // bar(x) -- x could possibly be used
	SeqStop                           // like SeqRelease, but code motion is stopped
	SeqRelease                        // objc_release(x)
	SeqMovableRelease                 // objc_release(x), !clang.imprecise_release
)

func (s Sequence) String() string {
	switch s {
	case SeqNone:
		return "None"
	case SeqRetain:
		return "Retain"
	case SeqCanRelease:
		return "CanRelease"
	case SeqUse:
		return "Use"
	case SeqStop:
		return "Stop"
	case SeqRelease:
		return "Release"
	case SeqMovableRelease:
		return "MovableRelease"
	default:
		return "Sequence(?)"
	}
}

// MergeSeqs returns the state a pointer is in where control from a state a
// and a state b joins. Any disagreement the tables below do not cover
// collapses to SeqNone.
func MergeSeqs(a, b Sequence, topDown bool) Sequence {
	if a == b {
		return a
	}
	if a == SeqNone || b == SeqNone {
		return SeqNone
	}
	if a > b {
		a, b = b, a
	}

	if topDown {
		switch {
		case a == SeqRetain && b == SeqCanRelease:
			return SeqCanRelease
		case a == SeqCanRelease && b == SeqUse:
			return SeqUse
		}
		return SeqNone
	}

	switch a {
	case SeqCanRelease:
		switch b {
		case SeqUse:
			return SeqUse
		case SeqStop, SeqRelease, SeqMovableRelease:
			return SeqCanRelease
		}
	case SeqUse:
		switch b {
		case SeqStop, SeqRelease, SeqMovableRelease:
			return SeqUse
		}
	case SeqStop:
		switch b {
		case SeqRelease, SeqMovableRelease:
			return SeqStop
		}
	case SeqRelease:
		if b == SeqMovableRelease {
			return SeqRelease
		}
	}
	return SeqNone
}

// RRInfo is what the traversals learn about one retain/release window.
//
// Calls and ReverseInsertPts hold instruction IDs assigned by the arena of
// the current sweep. Calls is homogeneous: all retains, or all releases.
type RRInfo struct {
	// KnownSafe: the object's reference count is known to be positive on
	// entry to the window, so nothing inside it can free the object.
	KnownSafe bool

	// IsTailCallRelease: the release was a tail call.
	IsTailCallRelease bool

	// ReleaseMetadata is the imprecise-release tag of the release, or nil.
	ReleaseMetadata *string

	// Calls are the retains or releases being tracked.
	Calls intsets.Sparse

	// ReverseInsertPts are instructions before which the matching call
	// could be inserted.
	ReverseInsertPts intsets.Sparse

	// CFGHazardAfflicted: the window crosses a control flow configuration
	// that makes moving calls unsound, even though deleting them may not be.
	CFGHazardAfflicted bool
}

// Clear resets the info to its empty state.
func (r *RRInfo) Clear() {
	r.KnownSafe = false
	r.IsTailCallRelease = false
	r.ReleaseMetadata = nil
	r.Calls.Clear()
	r.ReverseInsertPts.Clear()
	r.CFGHazardAfflicted = false
}

// Clone returns a deep copy of r.
func (r *RRInfo) Clone() *RRInfo {
	c := new(RRInfo)
	c.CopyFrom(r)
	return c
}

// CopyFrom overwrites r with a deep copy of other. RRInfo values hold
// intsets.Sparse sets, which must never be copied by assignment.
func (r *RRInfo) CopyFrom(other *RRInfo) {
	r.KnownSafe = other.KnownSafe
	r.IsTailCallRelease = other.IsTailCallRelease
	r.ReleaseMetadata = other.ReleaseMetadata
	r.CFGHazardAfflicted = other.CFGHazardAfflicted
	r.Calls.Copy(&other.Calls)
	r.ReverseInsertPts.Copy(&other.ReverseInsertPts)
}

// Merge folds other into r and reports whether the merge was partial, that
// is, whether the two sides disagreed about insertion points.
func (r *RRInfo) Merge(other *RRInfo) bool {
	if !sameMetadata(r.ReleaseMetadata, other.ReleaseMetadata) {
		r.ReleaseMetadata = nil
	}
	r.KnownSafe = r.KnownSafe && other.KnownSafe
	r.IsTailCallRelease = r.IsTailCallRelease && other.IsTailCallRelease
	r.CFGHazardAfflicted = r.CFGHazardAfflicted || other.CFGHazardAfflicted

	r.Calls.UnionWith(&other.Calls)

	partial := r.ReverseInsertPts.Len() != other.ReverseInsertPts.Len()
	if !partial && !r.ReverseInsertPts.Equals(&other.ReverseInsertPts) {
		partial = true
	}
	r.ReverseInsertPts.UnionWith(&other.ReverseInsertPts)
	return partial
}

func sameMetadata(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// PtrState is the state of one tracked pointer at one program point.
type PtrState struct {
	// KnownPositiveRefCount: a retain of the pointer dominates this point
	// with nothing in between that could release it.
	KnownPositiveRefCount bool

	// Partial: a merge combined paths that disagreed about insertion points.
	Partial bool

	Seq Sequence
	RRI RRInfo
}

// Clone returns a deep copy of s.
func (s *PtrState) Clone() *PtrState {
	c := &PtrState{
		KnownPositiveRefCount: s.KnownPositiveRefCount,
		Partial:               s.Partial,
		Seq:                   s.Seq,
	}
	c.RRI.CopyFrom(&s.RRI)
	return c
}

// ResetSequenceProgress moves to seq and forgets everything tracked so far.
func (s *PtrState) ResetSequenceProgress(seq Sequence) {
	s.Seq = seq
	s.Partial = false
	s.RRI.Clear()
}

// ClearSequenceProgress drops out of any sequence.
func (s *PtrState) ClearSequenceProgress() {
	s.ResetSequenceProgress(SeqNone)
}

// Merge folds the state on another incoming path into s.
func (s *PtrState) Merge(other *PtrState, topDown bool) {
	s.Seq = MergeSeqs(s.Seq, other.Seq, topDown)
	s.KnownPositiveRefCount = s.KnownPositiveRefCount && other.KnownPositiveRefCount

	switch {
	case s.Seq == SeqNone:
		s.Partial = false
		s.RRI.Clear()
	case s.Partial || other.Partial:
		// A path that already went through a partial merge must not be
		// mixed again: the branch conditions of the two merges may differ.
		s.ClearSequenceProgress()
	default:
		s.Partial = s.RRI.Merge(&other.RRI)
	}
}
