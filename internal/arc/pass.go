package arc

import (
	"sync"

	mapset "github.com/deckarep/golang-set"
	"github.com/davecgh/go-spew/spew"
	"github.com/ethereum/go-ethereum/log"

	"github.com/hassan/arcopt/internal/alias"
	"github.com/hassan/arcopt/internal/ir"
)

// Config tunes the optimizer.
type Config struct {
	// Enabled turns the whole pass on or off.
	Enabled bool

	// MaxSequenceIterations caps how often the retain/release pairing is
	// re-run while it keeps uncovering nested pairs.
	MaxSequenceIterations int

	// MaxPHISplits caps how many calls one function may have split over
	// partially null phis. A negative value disables splitting.
	MaxPHISplits int

	// ProvenanceCacheSize is the number of pointer pair answers kept.
	ProvenanceCacheSize int

	DisableWeakOpts   bool
	DisableReturnOpts bool
	DisablePeephole   bool
}

// DefaultConfig contains the default settings.
var DefaultConfig = Config{
	Enabled:               true,
	MaxSequenceIterations: 32,
	MaxPHISplits:          16,
	ProvenanceCacheSize:   4096,
}

// Pass is the ARC optimizer. It is safe for concurrent use on distinct
// functions of the same module.
type Pass struct {
	config Config
	aa     alias.Analysis
	stats  *Stats
	log    log.Logger

	mu      sync.Mutex
	modules map[*ir.Module]bool // whether each module uses the runtime
}

// New creates a pass using aa for alias queries. A nil aa selects alias.Basic.
func New(config Config, aa alias.Analysis) *Pass {
	if aa == nil {
		aa = alias.Basic{}
	}
	if config.MaxSequenceIterations <= 0 {
		config.MaxSequenceIterations = DefaultConfig.MaxSequenceIterations
	}
	if config.MaxPHISplits == 0 {
		config.MaxPHISplits = DefaultConfig.MaxPHISplits
	}
	if config.ProvenanceCacheSize <= 0 {
		config.ProvenanceCacheSize = DefaultConfig.ProvenanceCacheSize
	}
	return &Pass{
		config:  config,
		aa:      aa,
		stats:   NewStats(),
		log:     log.New("pass", "objc-arc"),
		modules: make(map[*ir.Module]bool),
	}
}

// Name returns the name of the pass.
func (p *Pass) Name() string { return "objc-arc" }

// Stats returns the counters of the pass.
func (p *Pass) Stats() *Stats { return p.stats }

// Run optimizes fn and reports whether it changed anything.
//
// The pass never fails on valid input: when it cannot prove a rewrite safe
// it leaves the code alone. A violated internal invariant panics.
func (p *Pass) Run(fn *ir.Function) (bool, error) {
	if !p.config.Enabled || fn.Module == nil || !p.usesARC(fn.Module) {
		return false, nil
	}

	s := &funcState{
		config: &p.config,
		fn:     fn,
		aa:     p.aa,
		pa:     newProvenance(fn, p.aa, p.config.ProvenanceCacheSize),
		ep:     entryPoints{module: fn.Module},
		log:    p.log.New("func", fn.Name),
		stats:  p.stats,
	}
	s.log.Debug("Optimizing function")
	s.run()

	s.log.Trace("Statistics", "counters", log.Lazy{Fn: func() string {
		return spew.Sdump(p.stats.Snapshot())
	}})
	return s.changed, nil
}

// RunModule runs the pass over every function of m.
func (p *Pass) RunModule(m *ir.Module) (bool, error) {
	changed := false
	for _, fn := range m.Functions {
		c, err := p.Run(fn)
		if err != nil {
			return changed, err
		}
		changed = changed || c
	}
	return changed, nil
}

func (p *Pass) usesARC(m *ir.Module) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	uses, ok := p.modules[m]
	if !ok {
		uses = ModuleUsesARC(m)
		p.modules[m] = uses
		if !uses {
			p.log.Debug("Module does not use the ARC runtime", "module", m.Name)
		}
	}
	return uses
}

// funcState is everything one run of the pass over one function needs.
type funcState struct {
	config *Config
	fn     *ir.Function
	aa     alias.Analysis
	pa     *provenance
	ep     entryPoints
	log    log.Logger
	stats  *Stats

	changed   bool
	used      ClassSet // classes of runtime calls seen by the peephole pass
	phiSplits int

	// Per sequence sweep.
	arena       *arena
	multiOwners mapset.Set // pointers stored to stack slots
}

func (s *funcState) run() {
	if s.config.DisablePeephole {
		s.collectUsedClasses()
	} else {
		s.optimizeIndividualCalls()
	}

	if !s.config.DisableWeakOpts && s.used.HasAny(
		ClassLoadWeak, ClassLoadWeakRetained, ClassStoreWeak, ClassInitWeak,
		ClassCopyWeak, ClassMoveWeak, ClassDestroyWeak) {
		s.optimizeWeakCalls()
	}

	// Pairing needs something to pair.
	if s.used.HasAny(ClassRetain, ClassRetainRV, ClassRetainBlock) && s.used.Has(ClassRelease) {
		for i := 0; ; i++ {
			if i == s.config.MaxSequenceIterations {
				s.log.Warn("Retain/release pairing did not settle", "iterations", i)
				break
			}
			if !s.optimizeSequences() {
				break
			}
		}
	}

	if !s.config.DisableReturnOpts && s.used.HasAny(ClassAutorelease, ClassAutoreleaseRV) {
		s.pa.purge()
		s.optimizeReturns()
	}
}

// collectUsedClasses fills s.used without rewriting anything.
func (s *funcState) collectUsedClasses() {
	s.used = 0
	for _, instr := range s.fn.Instructions() {
		s.used = s.used.Add(Classify(instr))
	}
}

// optimizeSequences runs one bottom-up and one top-down sweep and pairs
// what they found. It reports whether the sweeps should run again: some
// pair went away completely and nested pairs were seen.
func (s *funcState) optimizeSequences() bool {
	s.arena = newArena(s.fn)
	s.multiOwners = mapset.NewThreadUnsafeSet()
	s.pa.purge()

	postOrder, reverseCFGPostOrder, states := computePostOrders(s.fn)

	retains := newRetainMap()
	bottomUpNesting := false
	for i := len(reverseCFGPostOrder) - 1; i >= 0; i-- {
		if s.visitBottomUp(reverseCFGPostOrder[i], states, retains) {
			bottomUpNesting = true
		}
	}

	releases := make(map[ir.Instruction]*RRInfo)
	topDownNesting := false
	for i := len(postOrder) - 1; i >= 0; i-- {
		if s.visitTopDown(postOrder[i], states, releases) {
			topDownNesting = true
		}
	}
	s.log.Trace("Sweeps done", "retains", retains.len(), "releases", len(releases),
		"nesting", topDownNesting && bottomUpNesting)

	eliminated := s.performCodePlacement(states, retains, releases)
	return eliminated && topDownNesting && bottomUpNesting
}

// traceTransition logs a sequence change of ptr caused by instr.
func (s *funcState) traceTransition(dir string, instr ir.Instruction, ptr *ir.Value, from, to Sequence) {
	s.log.Trace("Sequence transition", "dir", dir, "ptr", ptr, "from", from, "to", to, "instr", instr)
}
