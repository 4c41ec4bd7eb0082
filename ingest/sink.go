package ingest

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
)

var digestTag = regexp.MustCompile(`^(.*)__SCHEMAS,digest="([0-9a-f]+)"`)

// FileSink appends line protocol to a file instead of a database. It backs
// dry runs and remembers the schema digests it has written.
type FileSink struct {
	path string

	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	digests map[string]bool
}

// NewFileSink creates or truncates path.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, kerrors.WrapFatal(err, "FileSink", "NewFileSink", "create directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, kerrors.WrapFatal(err, "FileSink", "NewFileSink", "create "+path)
	}
	return &FileSink{path: path, f: f, w: bufio.NewWriter(f), digests: map[string]bool{}}, nil
}

// Path returns the file written to.
func (s *FileSink) Path() string { return s.path }

// Write appends lines. It never retries.
func (s *FileSink) Write(_ context.Context, lines []string, _ time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range lines {
		if m := digestTag.FindStringSubmatch(l); m != nil {
			s.digests[m[1]+"|"+m[2]] = true
		}
		if _, err := s.w.WriteString(l); err != nil {
			return 0, kerrors.New(kerrors.KindWrite, "dry run write failed").WithCause(err)
		}
		if err := s.w.WriteByte('\n'); err != nil {
			return 0, kerrors.New(kerrors.KindWrite, "dry run write failed").WithCause(err)
		}
	}
	return 0, nil
}

// DigestExists reports whether a schema with digest went through s.
func (s *FileSink) DigestExists(_ context.Context, measurement, digest string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.digests[strings.TrimSpace(measurement)+"|"+digest], nil
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
