// Package wire defines the broker message: a header Hash with routing keys
// and a body Hash with positional arguments a1..aN. On the wire a message is
// framed as
//
//	uint32 headerLen | header (binary Hash) | uint32 bodyLen | body (binary Hash)
//
// all little-endian. Parser consumes such frames from an arbitrary byte stream.
package wire

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
)

// Header keys.
const (
	SignalInstanceID = "signalInstanceId"
	SignalFunction   = "signalFunction"
	SlotInstanceIDs  = "slotInstanceIds"
	SlotFunctions    = "slotFunctions"
	ReplyTo          = "replyTo"
	ReplyFrom        = "replyFrom"
	ReplyInstanceIDs = "replyInstanceIds"
	ReplyFunctions   = "replyFunctions"
	HostName         = "hostName"
	UserName         = "userName"
	MQTimestamp      = "MQTimestamp"
	ErrorFlag        = "error"
	AccessLevel      = "accessLevel"
)

// Reserved signal function names.
const (
	FunctionCall        = "__call__"
	FunctionReply       = "__reply__"
	FunctionReplyNoWait = "__replyNoWait__"
)

// Broadcast addresses every instance.
const Broadcast = "*"

// Message is one broker message.
type Message struct {
	Header *hash.Hash
	Body   *hash.Hash
}

// NewMessage returns a message with empty header and body.
func NewMessage() *Message {
	return &Message{Header: hash.New(), Body: hash.New()}
}

func (m *Message) str(key string) string {
	s, _ := m.Header.GetString(key)
	return s
}

// Sender returns signalInstanceId.
func (m *Message) Sender() string { return m.str(SignalInstanceID) }

// Function returns signalFunction.
func (m *Message) Function() string { return m.str(SignalFunction) }

// ReplyID returns the correlation id of a request, or "".
func (m *Message) ReplyID() string { return m.str(ReplyTo) }

// InReplyTo returns the correlation id answered by a reply, or "".
func (m *Message) InReplyTo() string { return m.str(ReplyFrom) }

// IsError reports whether a reply carries a failure.
func (m *Message) IsError() bool {
	b, _ := m.Header.GetBool(ErrorFlag)
	return b
}

// Recipients decodes slotInstanceIds.
func (m *Message) Recipients() []string { return ParseInstanceIDs(m.str(SlotInstanceIDs)) }

// Targets decodes slotFunctions into instance id → slot names.
func (m *Message) Targets() map[string][]string { return ParseSlotFunctions(m.str(SlotFunctions)) }

// IsBroadcast reports whether the message addresses every instance.
func (m *Message) IsBroadcast() bool {
	for _, id := range m.Recipients() {
		if id == Broadcast {
			return true
		}
	}
	return false
}

// Args returns the positional body arguments a1..aN in order.
func (m *Message) Args() []any {
	return ArgsOf(m.Body)
}

// Arguments builds a body Hash from positional arguments.
func Arguments(args ...any) (*hash.Hash, error) {
	body := hash.New()
	for i, a := range args {
		key := "a" + strconv.Itoa(i+1)
		t := hash.TypeOf(a)
		if t == hash.Unknown {
			return nil, kerrors.Newf(kerrors.KindValidation, "argument %d: unsupported type %T", i+1, a)
		}
		if _, err := body.SetTyped(key, a, t); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// ArgsOf extracts a1..aN from a body, stopping at the first gap.
func ArgsOf(body *hash.Hash) []any {
	var out []any
	if body == nil {
		return out
	}
	for i := 1; ; i++ {
		v, err := body.Get("a" + strconv.Itoa(i))
		if err != nil {
			return out
		}
		out = append(out, v)
	}
}

// FormatInstanceIDs encodes ids as "|a||b|".
func FormatInstanceIDs(ids ...string) string {
	if len(ids) == 0 {
		return ""
	}
	return "|" + strings.Join(ids, "||") + "|"
}

// ParseInstanceIDs decodes FormatInstanceIDs.
func ParseInstanceIDs(s string) []string {
	s = strings.TrimSuffix(strings.TrimPrefix(s, "|"), "|")
	if s == "" {
		return nil
	}
	return strings.Split(s, "||")
}

// FormatSlotFunctions encodes targets as "|a:s1,s2||b:s3|" with instance ids
// sorted for a stable header.
func FormatSlotFunctions(targets map[string][]string) string {
	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id + ":" + strings.Join(targets[id], ",")
	}
	return FormatInstanceIDs(parts...)
}

// ParseSlotFunctions decodes FormatSlotFunctions.
func ParseSlotFunctions(s string) map[string][]string {
	out := make(map[string][]string)
	for _, part := range ParseInstanceIDs(s) {
		id, slots, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		out[id] = append(out[id], strings.Split(slots, ",")...)
	}
	return out
}

// String renders the routing part of the header for logs.
func (m *Message) String() string {
	return fmt.Sprintf("%s -> %s %s", m.Sender(), m.str(SlotInstanceIDs), m.Function())
}
