package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"

	"github.com/ethereum/go-ethereum/log"
	"github.com/naoina/toml"
	"gopkg.in/urfave/cli.v1"

	"github.com/hassan/arcopt/internal/arc"
	"github.com/hassan/arcopt/internal/optimizer"
)

var (
	dumpConfigCommand = cli.Command{
		Action:      dumpConfig,
		Name:        "dumpconfig",
		Usage:       "Show configuration values",
		ArgsUsage:   "[file]",
		Description: `The dumpconfig command shows the effective configuration in TOML form.`,
	}

	configFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
)

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

type arcoptConfig struct {
	ARC       arc.Config
	Optimizer optimizer.Config
}

func defaultConfig() arcoptConfig {
	return arcoptConfig{
		ARC:       arc.DefaultConfig,
		Optimizer: optimizer.DefaultConfig,
	}
}

func loadConfig(file string, cfg *arcoptConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

// makeConfig loads the configuration file, if any, and applies the flags
// on top of it.
func makeConfig(ctx *cli.Context) (arcoptConfig, error) {
	cfg := defaultConfig()
	if file := ctx.GlobalString(configFileFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			return cfg, err
		}
		log.Debug("Loaded configuration", "file", file)
	}

	if ctx.GlobalIsSet(maxIterationsFlag.Name) {
		cfg.Optimizer.MaxIterations = ctx.GlobalInt(maxIterationsFlag.Name)
	}
	if ctx.GlobalIsSet(maxSequenceIterationsFlag.Name) {
		cfg.ARC.MaxSequenceIterations = ctx.GlobalInt(maxSequenceIterationsFlag.Name)
	}
	if ctx.GlobalIsSet(parallelismFlag.Name) {
		cfg.Optimizer.Parallelism = ctx.GlobalInt(parallelismFlag.Name)
	}
	if ctx.GlobalIsSet(disableFlag.Name) {
		cfg.ARC.Enabled = !ctx.GlobalBool(disableFlag.Name)
	}
	if ctx.GlobalIsSet(noWeakFlag.Name) {
		cfg.ARC.DisableWeakOpts = ctx.GlobalBool(noWeakFlag.Name)
	}
	if ctx.GlobalIsSet(verbosityFlag.Name) {
		cfg.Optimizer.Verbose = ctx.GlobalInt(verbosityFlag.Name) >= int(log.LvlDebug)
	}
	return cfg, nil
}

// dumpConfig is the dumpconfig command.
func dumpConfig(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}

	var dump io.Writer = os.Stdout
	if ctx.NArg() > 0 {
		f, err := os.OpenFile(ctx.Args().Get(0), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		dump = f
	}
	return writeConfig(dump, &cfg)
}

func writeConfig(w io.Writer, cfg *arcoptConfig) error {
	out, err := tomlSettings.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
