// Package servicectl controls device servers running under a supervise
// style process manager below $KARABO/var/service, scaffolds new device
// packages from templates and installs tagged packages into the plugin
// directory.
package servicectl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
)

// Exit codes of the operator commands.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitExists      = 3
	ExitUnknownType = 4
)

var (
	// ErrUsage reports a malformed command line.
	ErrUsage = errors.New("usage error")
	// ErrExists reports that the object to create is already present.
	ErrExists = errors.New("object exists")
	// ErrUnknownType reports an unsupported device API.
	ErrUnknownType = errors.New("unknown type")
	// ErrUnknownService reports a server id without a service directory.
	ErrUnknownService = errors.New("unknown service")
	// ErrNotSupervised reports a service whose supervisor is not running.
	ErrNotSupervised = errors.New("supervisor not running")
)

// ExitCode maps an operator command error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrUsage):
		return ExitUsage
	case errors.Is(err, ErrExists):
		return ExitExists
	case errors.Is(err, ErrUnknownType):
		return ExitUnknownType
	}
	return ExitFailure
}

// Command is a supervise control request.
type Command string

// Control commands understood by the supervisor.
const (
	Up   Command = "u"
	Down Command = "d"
	Once Command = "o"
	Kill Command = "k"
)

// Supervisor operates the service directories of one Karabo installation.
type Supervisor struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
}

// NewSupervisor creates a supervisor for the installation at root.
func NewSupervisor(root string, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{root: root, logger: logger, now: time.Now}
}

// ServiceDir returns $KARABO/var/service.
func (s *Supervisor) ServiceDir() string {
	return filepath.Join(s.root, "var", "service")
}

// Services lists the configured services, sorted.
func (s *Supervisor) Services() ([]string, error) {
	entries, err := os.ReadDir(s.ServiceDir())
	if err != nil {
		return nil, kerrors.WrapInvalid(err, "Supervisor", "Services", "read service directory")
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || e.Type()&os.ModeSymlink != 0 {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// resolve expands an empty selection to every service and checks the
// others exist.
func (s *Supervisor) resolve(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return s.Services()
	}
	for _, id := range ids {
		if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
			return nil, fmt.Errorf("%w: %q", ErrUsage, id)
		}
		if _, err := os.Stat(filepath.Join(s.ServiceDir(), id)); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownService, id)
		}
	}
	return ids, nil
}

// Control writes cmd to the control pipe of service id.
func (s *Supervisor) Control(id string, cmd Command) error {
	path := filepath.Join(s.ServiceDir(), id, "supervise", "control")
	f, err := os.OpenFile(path, os.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		if errors.Is(err, syscall.ENXIO) || os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotSupervised, id)
		}
		return kerrors.WrapTransient(err, "Supervisor", "Control", "open control of "+id)
	}
	defer f.Close()
	if _, err := f.WriteString(string(cmd)); err != nil {
		return kerrors.WrapTransient(err, "Supervisor", "Control", "write control of "+id)
	}
	return nil
}

// Start brings the services up, all of them when ids is empty.
func (s *Supervisor) Start(ids ...string) error {
	return s.each(ids, Up)
}

// Stop takes the services down, all of them when ids is empty.
func (s *Supervisor) Stop(ids ...string) error {
	return s.each(ids, Down)
}

func (s *Supervisor) each(ids []string, cmd Command) error {
	ids, err := s.resolve(ids)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		if err := s.Control(id, cmd); err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Info("Service control sent", "service", id, "command", string(cmd))
	}
	return errors.Join(errs...)
}

// Check returns the status of the services, all of them when ids is empty.
// A service whose status cannot be read is reported with Err set.
func (s *Supervisor) Check(ids ...string) ([]Status, error) {
	ids, err := s.resolve(ids)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		st, err := s.Status(id)
		if err != nil {
			st = Status{Service: id, Name: id, Err: err}
		}
		out = append(out, st)
	}
	return out, nil
}

// Status reads the supervise status record of service id.
func (s *Supervisor) Status(id string) (Status, error) {
	dir := filepath.Join(s.ServiceDir(), id)
	name := id
	if data, err := os.ReadFile(filepath.Join(dir, "name")); err == nil {
		if n := strings.TrimSpace(string(data)); n != "" {
			name = n
		}
	}
	data, err := os.ReadFile(filepath.Join(dir, "supervise", "status"))
	if err != nil {
		return Status{}, kerrors.WrapTransient(err, "Supervisor", "Status", "read status of "+id)
	}
	st, err := DecodeStatus(data)
	if err != nil {
		return Status{}, kerrors.WrapInvalid(err, "Supervisor", "Status", "decode status of "+id)
	}
	st.Service = id
	st.Name = name
	st.Duration = s.now().Sub(st.Since).Truncate(time.Second)
	return st, nil
}

// StatusSize is the length of a supervise status record.
const StatusSize = 20

// taiOffset converts TAI64 labels to Unix seconds.
const taiOffset = 4611686018427387914

// Process states of the status record.
var states = []string{"stopped", "starting", "started", "running", "stopping", "failed", "orphanage"}

// Status is a decoded supervise status record.
type Status struct {
	Service  string
	Name     string
	Since    time.Time
	Duration time.Duration
	PID      uint32
	Paused   bool
	Want     byte
	State    int8
	Err      error
}

// Up reports whether the service has a running process.
func (st Status) Up() bool { return st.PID != 0 }

// String renders the status the way the supervise tools print it, e.g.
// "up, want down, running".
func (st Status) String() string {
	if st.Err != nil {
		return "error"
	}
	var b strings.Builder
	if st.Up() {
		b.WriteString("up")
		if st.Paused {
			b.WriteString(", paused")
		}
		if st.Want == 'd' {
			b.WriteString(", want down")
		}
	} else {
		b.WriteString("down")
		if st.Want == 'u' {
			b.WriteString(", want up")
		}
	}
	if int(st.State) >= 0 && int(st.State) < len(states) {
		b.WriteString(", " + states[st.State])
	}
	if st.Up() && st.Want == 0 {
		b.WriteString(", once")
	}
	return b.String()
}

// DecodeStatus decodes a status record: a big-endian TAI64N start time,
// the little-endian pid, then paused, want and state bytes.
func DecodeStatus(data []byte) (Status, error) {
	if len(data) < StatusSize {
		return Status{}, fmt.Errorf("status record too short: %d bytes", len(data))
	}
	tai := binary.BigEndian.Uint64(data[0:8])
	nano := binary.BigEndian.Uint32(data[8:12])
	return Status{
		Since:  time.Unix(int64(tai-taiOffset), int64(nano)),
		PID:    binary.LittleEndian.Uint32(data[12:16]),
		Paused: data[16] != 0,
		Want:   data[17],
		State:  int8(data[18]),
	}, nil
}

// EncodeStatus is the inverse of DecodeStatus.
func EncodeStatus(st Status) []byte {
	data := make([]byte, StatusSize)
	binary.BigEndian.PutUint64(data[0:8], uint64(st.Since.Unix())+taiOffset)
	binary.BigEndian.PutUint32(data[8:12], uint32(st.Since.Nanosecond()))
	binary.LittleEndian.PutUint32(data[12:16], st.PID)
	if st.Paused {
		data[16] = 1
	}
	data[17] = st.Want
	data[18] = byte(st.State)
	return data
}
