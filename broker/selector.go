package broker

import (
	"fmt"
	"strings"

	"github.com/European-XFEL/Karabo-sub011/wire"
)

// Selector filters incoming messages on header fields. The zero value
// accepts everything.
type Selector struct {
	// Instance, if set, requires slotInstanceIds to name it or "*".
	Instance string
	// Functions, if set, restricts signalFunction.
	Functions []string
}

// Match reports whether m passes the selector.
func (s Selector) Match(m *wire.Message) bool {
	if s.Instance != "" {
		ids, _ := m.Header.GetString(wire.SlotInstanceIDs)
		if !strings.Contains(ids, "|"+s.Instance+"|") && !strings.Contains(ids, "|"+wire.Broadcast+"|") {
			return false
		}
	}
	if len(s.Functions) > 0 {
		fn := m.Function()
		for _, f := range s.Functions {
			if f == fn {
				return true
			}
		}
		return false
	}
	return true
}

// String renders the selector as a JMS message-selector expression.
func (s Selector) String() string {
	var clauses []string
	if s.Instance != "" {
		clauses = append(clauses, fmt.Sprintf("(%s LIKE '%%|%s|%%' OR %s LIKE '%%|*|%%')",
			wire.SlotInstanceIDs, s.Instance, wire.SlotInstanceIDs))
	}
	if len(s.Functions) > 0 {
		quoted := make([]string, len(s.Functions))
		for i, f := range s.Functions {
			quoted[i] = "'" + f + "'"
		}
		clauses = append(clauses, fmt.Sprintf("%s IN (%s)", wire.SignalFunction, strings.Join(quoted, ", ")))
	}
	return strings.Join(clauses, " AND ")
}
