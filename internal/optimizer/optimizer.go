package optimizer

import (
	"context"
	"fmt"
	"runtime"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/hassan/arcopt/internal/ir"
)

// Pass represents an optimization pass that can be applied to IR.
//
// Each optimization is a separate pass with one responsibility. The
// optimizer decides how often and in which order passes run; a pass only
// transforms the function it is handed and reports whether it did.
//
// A pass must be safe to run concurrently on distinct functions of the same
// module.
type Pass interface {
	// Name returns a human-readable name for this pass
	Name() string

	// Run executes this optimization pass on the given function.
	// It reports whether the function changed.
	Run(fn *ir.Function) (bool, error)
}

// Config tunes the optimizer.
type Config struct {
	// MaxIterations limits how many times all passes run over one function
	MaxIterations int

	// Parallelism is the number of functions optimized at once
	Parallelism int

	// Verbose logs every pass execution at debug level instead of trace
	Verbose bool
}

// DefaultConfig contains the default settings.
var DefaultConfig = Config{
	MaxIterations: 4,
	Parallelism:   runtime.NumCPU(),
}

// Optimizer coordinates the execution of optimization passes.
//
// PIPELINE (per function):
//  1. Every pass runs in order.
//  2. If any of them changed the function, the cleanup pass runs to drop
//     what they left dead, and the round repeats.
//  3. Rounds stop at a fixed point or after MaxIterations.
type Optimizer struct {
	// passes is the list of optimization passes to run
	passes []Pass

	// cleanup runs after every round that changed something
	cleanup Pass

	config Config
	log    log.Logger
}

// NewOptimizer creates an optimizer running passes, followed by dead code
// elimination whenever one of them changes a function.
func NewOptimizer(config Config, passes ...Pass) *Optimizer {
	if config.MaxIterations <= 0 {
		config.MaxIterations = DefaultConfig.MaxIterations
	}
	if config.Parallelism <= 0 {
		config.Parallelism = 1
	}
	return &Optimizer{
		passes:  passes,
		cleanup: &DeadCodeEliminationPass{},
		config:  config,
		log:     log.New("component", "optimizer"),
	}
}

// AddPass adds a custom optimization pass.
func (o *Optimizer) AddPass(pass Pass) {
	o.passes = append(o.passes, pass)
}

// Passes returns the configured passes in execution order.
func (o *Optimizer) Passes() []Pass {
	return append([]Pass(nil), o.passes...)
}

// Optimize runs all optimization passes on the entire module.
//
// Functions are optimized independently, up to Parallelism at a time. The
// first failure cancels the functions not yet started and is returned.
func (o *Optimizer) Optimize(ctx context.Context, module *ir.Module) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Parallelism)

	for _, fn := range module.Functions {
		fn := fn
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := o.OptimizeFunction(fn); err != nil {
				return fmt.Errorf("optimization failed for function %s: %w", fn.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// OptimizeFunction runs optimization passes on a single function until
// none of them changes it or MaxIterations rounds ran. It reports whether
// the function changed at all.
func (o *Optimizer) OptimizeFunction(fn *ir.Function) (bool, error) {
	logger := o.log.New("func", fn.Name)
	changed := false

	for round := 0; round < o.config.MaxIterations; round++ {
		roundChanged := false
		for _, pass := range o.passes {
			c, err := o.runPass(logger, pass, fn)
			if err != nil {
				return changed, err
			}
			roundChanged = roundChanged || c
		}
		if !roundChanged {
			return changed, nil
		}
		changed = true

		if _, err := o.runPass(logger, o.cleanup, fn); err != nil {
			return changed, err
		}
	}

	logger.Debug("Optimizer did not reach a fixed point", "rounds", o.config.MaxIterations)
	return changed, nil
}

func (o *Optimizer) runPass(logger log.Logger, pass Pass, fn *ir.Function) (bool, error) {
	before := countInstructions(fn)
	changed, err := pass.Run(fn)
	if err != nil {
		return changed, fmt.Errorf("pass %s failed: %w", pass.Name(), err)
	}

	ctx := []interface{}{"pass", pass.Name(), "changed", changed, "instrs", countInstructions(fn), "before", before}
	if o.config.Verbose {
		logger.Debug("Ran pass", ctx...)
	} else {
		logger.Trace("Ran pass", ctx...)
	}
	return changed, nil
}

// countInstructions counts the total number of instructions in a function.
func countInstructions(fn *ir.Function) int {
	count := 0
	for _, block := range fn.Blocks {
		count += len(block.Instructions)
	}
	return count
}
