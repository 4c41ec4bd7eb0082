package schema

import "strings"

// AccessMode says when a property may be written.
type AccessMode int32

const (
	InitOnly       AccessMode = 1
	ReadOnly       AccessMode = 2
	Reconfigurable AccessMode = 4
)

func (m AccessMode) String() string {
	switch m {
	case InitOnly:
		return "INITONLY"
	case ReadOnly:
		return "READONLY"
	case Reconfigurable:
		return "RECONFIGURABLE"
	}
	return "UNDEFINED"
}

// Assignment says whether a property must be supplied at instantiation.
type Assignment int32

const (
	Optional  Assignment = 0
	Mandatory Assignment = 1
	Internal  Assignment = 2
)

func (a Assignment) String() string {
	switch a {
	case Optional:
		return "OPTIONAL"
	case Mandatory:
		return "MANDATORY"
	case Internal:
		return "INTERNAL"
	}
	return "UNDEFINED"
}

// AccessLevel is the monotone privilege ladder. A check passes when the
// caller's level is at least the required one.
type AccessLevel int32

const (
	Observer AccessLevel = iota
	User
	Operator
	Expert
	Admin
)

var accessLevelNames = []string{"OBSERVER", "USER", "OPERATOR", "EXPERT", "ADMIN"}

func (l AccessLevel) String() string {
	if l >= Observer && l <= Admin {
		return accessLevelNames[l]
	}
	return "UNDEFINED"
}

// Allows reports whether a caller at level l may act on something that
// requires level required.
func (l AccessLevel) Allows(required AccessLevel) bool { return l >= required }

// ParseAccessLevel accepts names case-insensitively.
func ParseAccessLevel(s string) (AccessLevel, bool) {
	for i, n := range accessLevelNames {
		if strings.EqualFold(n, s) {
			return AccessLevel(i), true
		}
	}
	return Observer, false
}

// NodeType classifies schema entries.
type NodeType int32

const (
	LeafNode NodeType = iota
	NodeNode
	ChoiceOfNodes
	ListOfNodes
)

func (t NodeType) String() string {
	switch t {
	case LeafNode:
		return "LEAF"
	case NodeNode:
		return "NODE"
	case ChoiceOfNodes:
		return "CHOICE_OF_NODES"
	case ListOfNodes:
		return "LIST_OF_NODES"
	}
	return "UNDEFINED"
}

// ArchivePolicy controls how often the data logger records a property.
type ArchivePolicy int32

const (
	EveryEvent  ArchivePolicy = 0
	NoArchiving ArchivePolicy = 10
)

// DaqPolicy controls whether the DAQ records a property.
type DaqPolicy int32

const (
	DaqUnspecified DaqPolicy = -1
	DaqOmit        DaqPolicy = 0
	DaqSave        DaqPolicy = 1
)

// AlarmCondition is the severity computed from a property's warn and alarm
// bounds.
type AlarmCondition string

const (
	AlarmNone AlarmCondition = "none"
	WarnLow   AlarmCondition = "warnLow"
	WarnHigh  AlarmCondition = "warnHigh"
	AlarmLow  AlarmCondition = "alarmLow"
	AlarmHigh AlarmCondition = "alarmHigh"
)

// IsAlarm reports whether c is one of the alarm (not warn) severities.
func (c AlarmCondition) IsAlarm() bool { return c == AlarmLow || c == AlarmHigh }
