package arc

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/hassan/arcopt/internal/alias"
	"github.com/hassan/arcopt/internal/ir"
)

// provenance answers whether two pointers may refer to the same object,
// on top of an alias.Analysis. Unlike plain alias analysis it knows that
// distinct identified objects (fresh call results, parameters) never share
// an object unless one of them was stored somewhere a load could see it.
//
// Answers are cached; the cache must be purged whenever the function is
// mutated.
type provenance struct {
	fn    *ir.Function
	aa    alias.Analysis
	cache *lru.ARCCache

	// pending holds queries currently being answered. A query reached again
	// through a phi cycle is answered conservatively.
	pending map[valuePair]bool
}

type valuePair struct {
	a, b *ir.Value
}

func newProvenance(fn *ir.Function, aa alias.Analysis, size int) *provenance {
	if size <= 0 {
		size = 1
	}
	cache, err := lru.NewARC(size)
	if err != nil {
		panic(err) // only fails for size <= 0
	}
	return &provenance{
		fn:      fn,
		aa:      aa,
		cache:   cache,
		pending: make(map[valuePair]bool),
	}
}

func (p *provenance) purge() {
	p.cache.Purge()
}

// related reports whether a and b may point to the same object.
func (p *provenance) related(a, b *ir.Value) bool {
	if a == b {
		return true
	}
	key, rev := valuePair{a, b}, valuePair{b, a}
	if v, ok := p.cache.Get(key); ok {
		return v.(bool)
	}
	if v, ok := p.cache.Get(rev); ok {
		return v.(bool)
	}
	if p.pending[key] || p.pending[rev] {
		return true
	}

	p.pending[key] = true
	result := p.relatedCheck(a, b)
	delete(p.pending, key)

	p.cache.Add(key, result)
	return result
}

func (p *provenance) relatedCheck(a, b *ir.Value) bool {
	a = underlyingObjCPtr(a)
	b = underlyingObjCPtr(b)
	if a == b {
		return true
	}

	switch p.aa.Alias(a, b) {
	case alias.NoAlias:
		return false
	case alias.MustAlias, alias.PartialAlias:
		return true
	}

	aIdentified := isObjCIdentifiedObject(a)
	bIdentified := isObjCIdentifiedObject(b)
	if aIdentified {
		// An identified object can only come back out of memory if it was
		// stored there first.
		if isLoad(b) {
			return p.isStoredObjCPointer(a)
		}
		if bIdentified {
			if isLoad(a) {
				return p.isStoredObjCPointer(b)
			}
			return false
		}
	} else if bIdentified {
		if isLoad(a) {
			return p.isStoredObjCPointer(b)
		}
	}

	if phi, ok := a.Def.(*ir.Phi); ok {
		return p.relatedPhi(phi, b)
	}
	if phi, ok := b.Def.(*ir.Phi); ok {
		return p.relatedPhi(phi, a)
	}
	return true
}

// relatedPhi compares every distinct incoming value of phi against b.
// Two phis in the same block are compared edge by edge.
func (p *provenance) relatedPhi(phi *ir.Phi, b *ir.Value) bool {
	if other, ok := b.Def.(*ir.Phi); ok && other.Block() == phi.Block() {
		for _, in := range phi.Incoming {
			if p.related(in.Value, other.IncomingValueFor(in.Block)) {
				return true
			}
		}
		return false
	}

	seen := make(map[*ir.Value]bool, len(phi.Incoming))
	for _, in := range phi.Incoming {
		if seen[in.Value] {
			continue
		}
		seen[in.Value] = true
		if p.related(in.Value, b) {
			return true
		}
	}
	return false
}

// isStoredObjCPointer reports whether v, or anything derived from it, is
// written to memory. Being passed to a call does not count.
func (p *provenance) isStoredObjCPointer(v *ir.Value) bool {
	visited := map[*ir.Value]bool{v: true}
	work := []*ir.Value{v}
	for len(work) > 0 {
		v = work[len(work)-1]
		work = work[:len(work)-1]

		for _, user := range p.fn.Users(v) {
			switch u := user.(type) {
			case *ir.Store:
				if u.Value == v {
					return true
				}
				continue
			case *ir.Call:
				continue
			}
			if c, ok := v.Def.(*ir.Cast); ok && c.Op == ir.CastPtrToInt {
				return true
			}
			if res := user.Result(); res != nil && !visited[res] {
				visited[res] = true
				work = append(work, res)
			}
		}
	}
	return false
}

func isLoad(v *ir.Value) bool {
	_, ok := v.Def.(*ir.Load)
	return ok
}
