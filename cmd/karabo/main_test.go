package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/European-XFEL/Karabo-sub011/servicectl"
)

func karaboRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	t.Setenv("KARABO", root)
	t.Setenv("KARABO_CONFIG", "")
	return root
}

func invoke(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUsageCodes(t *testing.T) {
	karaboRoot(t)
	code, _, stderr := invoke()
	assert.Equal(t, servicectl.ExitUsage, code)
	assert.Contains(t, stderr, "Usage:")

	code, _, _ = invoke("frobnicate")
	assert.Equal(t, servicectl.ExitUsage, code)

	code, _, _ = invoke("-build", "Fast", "check")
	assert.Equal(t, servicectl.ExitUsage, code)

	code, _, _ = invoke("new", "onlyName")
	assert.Equal(t, servicectl.ExitUsage, code)

	code, _, _ = invoke("-h")
	assert.Equal(t, servicectl.ExitOK, code)
}

func TestMissingRoot(t *testing.T) {
	t.Setenv("KARABO", filepath.Join(t.TempDir(), "absent"))
	code, _, stderr := invoke("check")
	assert.Equal(t, servicectl.ExitFailure, code)
	assert.Contains(t, stderr, "$KARABO")
}

func TestNewCommand(t *testing.T) {
	root := karaboRoot(t)
	tpl := filepath.Join(root, "templates", "middlelayer", "minimal")
	require.NoError(t, os.MkdirAll(tpl, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tpl, "README"), []byte(servicectl.PlaceholderClass), 0o644))

	code, stdout, stderr := invoke("-git", "", "new", "pump", "middlelayer")
	require.Equal(t, servicectl.ExitOK, code, stderr)
	assert.Contains(t, stdout, filepath.Join(root, "devices", "pump"))
	data, err := os.ReadFile(filepath.Join(root, "devices", "pump", "README"))
	require.NoError(t, err)
	assert.Equal(t, "Pump", string(data))

	code, _, _ = invoke("-git", "", "new", "pump", "middlelayer")
	assert.Equal(t, servicectl.ExitExists, code)

	code, _, _ = invoke("-git", "", "new", "pump", "middlelayer", "-f")
	assert.Equal(t, servicectl.ExitOK, code)

	code, _, _ = invoke("-git", "", "new", "pump", "fortran")
	assert.Equal(t, servicectl.ExitUnknownType, code)
}

func TestServiceCommands(t *testing.T) {
	root := karaboRoot(t)
	for _, id := range []string{"srvA", "srvB"} {
		dir := filepath.Join(root, "var", "service", id, "supervise")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "control"), nil, 0o644))
		st := servicectl.Status{Since: time.Now().Add(-time.Minute), PID: 99, Want: 'u', State: 3}
		require.NoError(t, os.WriteFile(filepath.Join(dir, "status"), servicectl.EncodeStatus(st), 0o644))
	}

	code, _, stderr := invoke("stop", "srvB")
	require.Equal(t, servicectl.ExitOK, code, stderr)
	data, err := os.ReadFile(filepath.Join(root, "var", "service", "srvB", "supervise", "control"))
	require.NoError(t, err)
	assert.Equal(t, "d", string(data))

	code, _, _ = invoke("start")
	assert.Equal(t, servicectl.ExitOK, code)

	code, stdout, _ := invoke("check")
	assert.Equal(t, servicectl.ExitOK, code)
	assert.Contains(t, stdout, "srvA")
	assert.Contains(t, stdout, "up, running")

	code, _, _ = invoke("start", "nope")
	assert.Equal(t, servicectl.ExitFailure, code)
}
