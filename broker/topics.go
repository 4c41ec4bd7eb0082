package broker

import (
	"regexp"
	"strings"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/wire"
)

// HeartbeatSignal is routed to the beats subject instead of a signal subject.
const HeartbeatSignal = "signalHeartbeat"

// Topics maps Karabo addressing onto transport subjects.
type Topics struct {
	topic string
	sep   string
}

// NewTopics returns the dot-separated layout used by NATS and Memory.
func NewTopics(topic string) Topics {
	return Topics{topic: topic, sep: "."}
}

func newTopicsSep(topic, sep string) Topics {
	return Topics{topic: topic, sep: sep}
}

// Topic returns the Karabo topic name.
func (t Topics) Topic() string { return t.topic }

func (t Topics) join(parts ...string) string {
	return "karabo" + t.sep + t.topic + t.sep + strings.Join(parts, t.sep)
}

// Slots is the subject of messages addressed to id.
func (t Topics) Slots(id string) string { return t.join("slots", id) }

// Broadcast is the subject of messages addressed to every instance.
func (t Topics) Broadcast() string { return t.join("broadcast") }

// Beats is the heartbeat subject.
func (t Topics) Beats() string { return t.join("beats") }

// Signal is the subject on which id emits signal.
func (t Topics) Signal(id, signal string) string { return t.join("signals", id, signal) }

// Route returns the subjects an outgoing message is published on.
// Heartbeats go to Beats. Messages naming recipients go to Broadcast when
// addressed to "*", otherwise to the Slots subject of each distinct
// recipient. Anything else is a signal emission.
func (t Topics) Route(m *wire.Message) []string {
	if m.Function() == HeartbeatSignal {
		return []string{t.Beats()}
	}
	recipients := m.Recipients()
	if len(recipients) == 0 {
		return []string{t.Signal(m.Sender(), m.Function())}
	}
	if m.IsBroadcast() {
		return []string{t.Broadcast()}
	}
	seen := make(map[string]bool, len(recipients))
	out := make([]string, 0, len(recipients))
	for _, id := range recipients {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, t.Slots(id))
	}
	return out
}

var instanceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_/-]+$`)

// ValidateInstanceID enforces the Karabo naming convention, which also
// keeps ids usable as subject tokens and Hash keys.
func ValidateInstanceID(id string) error {
	if id == "" {
		return kerrors.New(kerrors.KindValidation, "empty instance id")
	}
	if !instanceIDPattern.MatchString(id) {
		return kerrors.Newf(kerrors.KindValidation, "instance id %q does not follow the naming convention", id)
	}
	return nil
}
