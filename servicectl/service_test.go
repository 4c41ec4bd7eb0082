package servicectl

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// addService creates var/service/<id>/supervise with a regular control
// file standing in for the supervisor's pipe.
func addService(t *testing.T, root, id string, st *Status) {
	t.Helper()
	dir := filepath.Join(root, "var", "service", id, "supervise")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "control"), nil, 0o644))
	if st != nil {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "status"), EncodeStatus(*st), 0o644))
	}
}

func control(t *testing.T, root, id string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, "var", "service", id, "supervise", "control"))
	require.NoError(t, err)
	return string(data)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitUsage, ExitCode(fmt.Errorf("x: %w", ErrUsage)))
	assert.Equal(t, ExitExists, ExitCode(fmt.Errorf("x: %w", ErrExists)))
	assert.Equal(t, ExitUnknownType, ExitCode(fmt.Errorf("x: %w", ErrUnknownType)))
	assert.Equal(t, ExitFailure, ExitCode(errors.New("boom")))
}

func TestStartStop(t *testing.T) {
	root := t.TempDir()
	addService(t, root, "karabo_dataLoggerManager", nil)
	addService(t, root, "pythonServer", nil)
	s := NewSupervisor(root, quietLogger())

	ids, err := s.Services()
	require.NoError(t, err)
	assert.Equal(t, []string{"karabo_dataLoggerManager", "pythonServer"}, ids)

	require.NoError(t, s.Start("pythonServer"))
	assert.Equal(t, "u", control(t, root, "pythonServer"))
	assert.Equal(t, "", control(t, root, "karabo_dataLoggerManager"))

	require.NoError(t, s.Stop())
	assert.Equal(t, "d", control(t, root, "pythonServer"))
	assert.Equal(t, "d", control(t, root, "karabo_dataLoggerManager"))

	err = s.Start("missing")
	assert.ErrorIs(t, err, ErrUnknownService)
	assert.ErrorIs(t, s.Start("../etc"), ErrUsage)
}

func TestControlWithoutSupervisor(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "var", "service", "srv"), 0o755))
	s := NewSupervisor(root, quietLogger())
	assert.ErrorIs(t, s.Start("srv"), ErrNotSupervised)
}

func TestStatusRoundTrip(t *testing.T) {
	since := time.Unix(1700000000, 123)
	st := Status{Since: since, PID: 4242, Want: 'd', State: 3}
	back, err := DecodeStatus(EncodeStatus(st))
	require.NoError(t, err)
	assert.True(t, since.Equal(back.Since))
	assert.Equal(t, uint32(4242), back.PID)
	assert.Equal(t, byte('d'), back.Want)
	assert.Equal(t, int8(3), back.State)

	_, err = DecodeStatus(make([]byte, 10))
	assert.Error(t, err)
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		st   Status
		want string
	}{
		{Status{PID: 1, Want: 'u', State: 3}, "up, running"},
		{Status{PID: 1, Paused: true, Want: 'd', State: 4}, "up, paused, want down, stopping"},
		{Status{Want: 'u', State: 5}, "down, want up, failed"},
		{Status{Want: 'd', State: 0}, "down, stopped"},
		{Status{PID: 1, State: 3}, "up, running, once"},
		{Status{Err: errors.New("x")}, "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.st.String())
	}
}

func TestCheck(t *testing.T) {
	root := t.TempDir()
	since := time.Unix(1700000000, 0)
	addService(t, root, "a", &Status{Since: since, PID: 10, Want: 'u', State: 3})
	addService(t, root, "b", nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "var", "service", "a", "name"), []byte("karabo/a\n"), 0o644))

	s := NewSupervisor(root, quietLogger())
	s.now = func() time.Time { return since.Add(90 * time.Second) }

	statuses, err := s.Check()
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	assert.Equal(t, "a", statuses[0].Service)
	assert.Equal(t, "karabo/a", statuses[0].Name)
	assert.True(t, statuses[0].Up())
	assert.Equal(t, 90*time.Second, statuses[0].Duration)
	assert.Equal(t, "up, running", statuses[0].String())

	assert.Equal(t, "b", statuses[1].Name)
	assert.Error(t, statuses[1].Err)
	assert.Equal(t, "error", statuses[1].String())
}
