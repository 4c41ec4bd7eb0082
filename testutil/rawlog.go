package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ValueLine formats one line of a value file. ts is the update time, user
// may be empty.
func ValueLine(ts time.Time, tid uint64, path, ktype, value, user, flag string) string {
	epoch := fmt.Sprintf("%d.%06d", ts.Unix(), ts.Nanosecond()/1000)
	return strings.Join([]string{
		ts.UTC().Format("20060102T150405.000000Z"),
		epoch,
		fmt.Sprint(tid),
		path,
		ktype,
		value,
		user,
		flag,
	}, "|")
}

// SchemaLine formats one line of a schema file.
func SchemaLine(ts time.Time, tid uint64, xml string) string {
	return fmt.Sprintf("%d %018d %d %s", ts.Unix(), int64(ts.Nanosecond())*1_000_000_000, tid, xml)
}

// WriteRawFile writes lines to <root>/<deviceID>/raw/<name> and returns its
// path. A non-zero mtime is applied to the file.
func WriteRawFile(t testing.TB, root, deviceID, name string, mtime time.Time, lines ...string) string {
	t.Helper()
	dir := filepath.Join(root, filepath.FromSlash(deviceID), "raw")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	if !mtime.IsZero() {
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}
	return path
}
