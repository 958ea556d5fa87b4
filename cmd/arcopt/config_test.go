package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hassan/arcopt/internal/arc"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "arcopt.toml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0644))
	return file
}

func TestLoadConfig(t *testing.T) {
	file := writeFile(t, `
[ARC]
MaxPHISplits = 2
DisableWeakOpts = true

[Optimizer]
MaxIterations = 7
`)
	cfg := defaultConfig()
	require.NoError(t, loadConfig(file, &cfg))

	assert.Equal(t, 2, cfg.ARC.MaxPHISplits)
	assert.True(t, cfg.ARC.DisableWeakOpts)
	assert.Equal(t, 7, cfg.Optimizer.MaxIterations)

	// Untouched keys keep their defaults.
	assert.True(t, cfg.ARC.Enabled)
	assert.Equal(t, arc.DefaultConfig.MaxSequenceIterations, cfg.ARC.MaxSequenceIterations)
}

func TestLoadConfigUnknownField(t *testing.T) {
	file := writeFile(t, `
[ARC]
MaxPhiSplits = 2
`)
	cfg := defaultConfig()
	err := loadConfig(file, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MaxPhiSplits")
}

func TestWriteConfigRoundTrip(t *testing.T) {
	cfg := defaultConfig()
	cfg.ARC.ProvenanceCacheSize = 128
	cfg.Optimizer.Parallelism = 3

	var buf bytes.Buffer
	require.NoError(t, writeConfig(&buf, &cfg))
	file := writeFile(t, buf.String())

	var loaded arcoptConfig
	require.NoError(t, loadConfig(file, &loaded))
	assert.Equal(t, cfg, loaded)
}

func TestPrintStats(t *testing.T) {
	var buf bytes.Buffer
	printStats(&buf, map[string]int64{
		arc.StatRRs:   4,
		arc.StatNoops: 1,
		arc.StatPeeps: 0,
	})
	out := buf.String()

	assert.Contains(t, out, arc.StatRRs)
	assert.Contains(t, out, arc.StatNoops)
	assert.NotContains(t, out, arc.StatPeeps)
	assert.Less(t, bytes.Index(buf.Bytes(), []byte(arc.StatNoops)), bytes.Index(buf.Bytes(), []byte(arc.StatRRs)))
}
