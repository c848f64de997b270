package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchyard/switchyard/internal/adapter"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "switchyard dev")
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "valid.yaml")
	require.NoError(t, os.WriteFile(valid, []byte("global:\n  log_level: DEBUG\nscaling:\n  enabled: false\n"), 0o600))

	out, err := execute(t, "validate", "--config", valid)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration valid")
	assert.Contains(t, out, "scaling enabled=false")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("global:\n  log_level: LOUD\n"), 0o600))

	_, err = execute(t, "validate", "--config", invalid)
	assert.Error(t, err)

	_, err = execute(t, "validate", "--config", filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestDemoAdapters(t *testing.T) {
	t.Parallel()

	regs := demoAdapters(4)
	require.Len(t, regs, 4)
	assert.Equal(t, "demo-1", regs[0].Name)
	assert.Equal(t, adapter.KindMessaging, regs[0].Kind)
	assert.Equal(t, adapter.KindInference, regs[2].Kind)
	assert.Equal(t, adapter.KindMessaging, regs[3].Kind)
	for _, r := range regs {
		assert.NoError(t, r.Validate())
		assert.Contains(t, r.Tags, "demo")
	}
	assert.Empty(t, demoAdapters(0))
}
