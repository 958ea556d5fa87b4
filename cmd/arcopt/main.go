// Command arcopt reads a module in textual IR, removes redundant reference
// counting operations from it and prints the result.
//
// PIPELINE:
// 1. Parsing and verification (textual IR -> ir.Module)
// 2. Optimization (ARC pass, followed by dead code elimination)
// 3. Verification of the output
// 4. Printing, and optionally a statistics table on stderr
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/urfave/cli.v1"

	"github.com/hassan/arcopt/internal/arc"
	"github.com/hassan/arcopt/internal/ir"
	"github.com/hassan/arcopt/internal/irtext"
	"github.com/hassan/arcopt/internal/optimizer"
)

var (
	verbosityFlag = cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
		Value: int(log.LvlWarn),
	}
	maxIterationsFlag = cli.IntFlag{
		Name:  "max-iterations",
		Usage: "Maximum optimizer rounds per function",
		Value: optimizer.DefaultConfig.MaxIterations,
	}
	maxSequenceIterationsFlag = cli.IntFlag{
		Name:  "max-sequence-iterations",
		Usage: "Maximum retain/release pairing sweeps per optimizer round",
		Value: arc.DefaultConfig.MaxSequenceIterations,
	}
	parallelismFlag = cli.IntFlag{
		Name:  "parallelism",
		Usage: "Number of functions optimized concurrently",
		Value: optimizer.DefaultConfig.Parallelism,
	}
	disableFlag = cli.BoolFlag{
		Name:  "disable",
		Usage: "Parse, verify and print without optimizing",
	}
	noWeakFlag = cli.BoolFlag{
		Name:  "noweak",
		Usage: "Disable the weak pointer optimizations",
	}
	statsFlag = cli.BoolFlag{
		Name:  "stats",
		Usage: "Print optimization statistics to stderr",
	}
	outputFlag = cli.StringFlag{
		Name:  "output, o",
		Usage: "Write the optimized module to this file instead of stdout",
	}
)

var errorColor = color.New(color.FgRed, color.Bold)

func main() {
	app := cli.NewApp()
	app.Name = "arcopt"
	app.Usage = "reference counting optimizer"
	app.ArgsUsage = "<file.ir | ->"
	app.Flags = []cli.Flag{
		configFileFlag,
		verbosityFlag,
		maxIterationsFlag,
		maxSequenceIterationsFlag,
		parallelismFlag,
		disableFlag,
		noWeakFlag,
		statsFlag,
		outputFlag,
	}
	app.Commands = []cli.Command{dumpConfigCommand}
	app.Before = setupLogging
	app.Action = optimize

	if err := app.Run(os.Args); err != nil {
		errorColor.Fprint(os.Stderr, "error: ")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(ctx *cli.Context) error {
	handler := log.StreamHandler(os.Stderr, log.TerminalFormat(!color.NoColor))
	log.Root().SetHandler(log.LvlFilterHandler(log.Lvl(ctx.GlobalInt(verbosityFlag.Name)), handler))
	return nil
}

// optimize is the default action.
func optimize(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected one input file, got %d", ctx.NArg())
	}
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}

	m, err := readModule(ctx.Args().First())
	if err != nil {
		return err
	}
	pass := arc.New(cfg.ARC, nil)
	opt := optimizer.NewOptimizer(cfg.Optimizer, pass)
	if err := opt.Optimize(context.Background(), m); err != nil {
		return err
	}
	if errs := m.Verify(); len(errs) > 0 {
		return verifyError("output", errs)
	}

	if err := writeModule(ctx.GlobalString("output"), m); err != nil {
		return err
	}
	if ctx.GlobalBool(statsFlag.Name) {
		printStats(os.Stderr, pass.Stats().Snapshot())
	}
	return nil
}

func readModule(file string) (*ir.Module, error) {
	var (
		src []byte
		err error
	)
	if file == "-" {
		src, err = io.ReadAll(os.Stdin)
		file = "<stdin>"
	} else {
		src, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}
	return irtext.Parse(string(src), file)
}

func writeModule(file string, m *ir.Module) error {
	if file == "" {
		_, err := io.WriteString(os.Stdout, m.String())
		return err
	}
	return os.WriteFile(file, []byte(m.String()), 0644)
}

func verifyError(what string, errs []error) error {
	for _, err := range errs {
		log.Error("Verification failed", "module", what, "err", err)
	}
	return fmt.Errorf("%s module is malformed: %w", what, errors.Join(errs...))
}

// printStats renders the counters as a table, skipping those still at zero.
func printStats(w io.Writer, counters map[string]int64) {
	names := make([]string, 0, len(counters))
	for name, n := range counters {
		if n != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Statistic", "Count"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, name := range names {
		table.Append([]string{name, strconv.FormatInt(counters[name], 10)})
	}
	table.Render()
}
