package arc

import (
	"github.com/ethereum/go-ethereum/metrics"
)

// Statistic names, as reported by Stats.Snapshot.
const (
	StatNoops        = "arc/noops"          // no-op casts and calls on null erased
	StatPartialNoops = "arc/partialnoops"   // calls on partially-null phis split into predecessors
	StatAutoreleases = "arc/autoreleases"   // autoreleases turned into releases
	StatRets         = "arc/rets"           // return value retain/autorelease pairs erased
	StatRRs          = "arc/retainreleases" // retains and releases erased by pairing
	StatPeeps        = "arc/peeps"          // RV calls simplified
	StatWeakLoads    = "arc/weakloads"      // redundant weak loads erased
	StatWeakSlots    = "arc/weakslots"      // dead weak stack slots erased
)

// Stats counts the transformations of a Pass. Counters are forced into
// the registry so they count even when metrics collection is disabled
// process-wide.
type Stats struct {
	registry metrics.Registry

	noops        metrics.Counter
	partialNoops metrics.Counter
	autoreleases metrics.Counter
	rets         metrics.Counter
	rrs          metrics.Counter
	peeps        metrics.Counter
	weakLoads    metrics.Counter
	weakSlots    metrics.Counter
}

// NewStats creates zeroed counters in a private registry.
func NewStats() *Stats {
	r := metrics.NewRegistry()
	return &Stats{
		registry:     r,
		noops:        metrics.NewRegisteredCounterForced(StatNoops, r),
		partialNoops: metrics.NewRegisteredCounterForced(StatPartialNoops, r),
		autoreleases: metrics.NewRegisteredCounterForced(StatAutoreleases, r),
		rets:         metrics.NewRegisteredCounterForced(StatRets, r),
		rrs:          metrics.NewRegisteredCounterForced(StatRRs, r),
		peeps:        metrics.NewRegisteredCounterForced(StatPeeps, r),
		weakLoads:    metrics.NewRegisteredCounterForced(StatWeakLoads, r),
		weakSlots:    metrics.NewRegisteredCounterForced(StatWeakSlots, r),
	}
}

func (s *Stats) pairs(n int64) { s.rrs.Inc(n) }

// Snapshot returns the current value of every counter.
func (s *Stats) Snapshot() map[string]int64 {
	snap := make(map[string]int64)
	s.registry.Each(func(name string, i interface{}) {
		if c, ok := i.(metrics.Counter); ok {
			snap[name] = c.Count()
		}
	})
	return snap
}

// Registry exposes the underlying registry, for reporters.
func (s *Stats) Registry() metrics.Registry { return s.registry }

// Reset zeroes every counter.
func (s *Stats) Reset() {
	for _, c := range []metrics.Counter{
		s.noops, s.partialNoops, s.autoreleases, s.rets,
		s.rrs, s.peeps, s.weakLoads, s.weakSlots,
	} {
		c.Clear()
	}
}
