package schema

// State is a device state name. States form a tree; ON is an ACTIVE state,
// which is STATIC, which is NORMAL, which is KNOWN.
type State string

const (
	Unknown     State = "UNKNOWN"
	Known       State = "KNOWN"
	Init        State = "INIT"
	Normal      State = "NORMAL"
	Error       State = "ERROR"
	Disabled    State = "DISABLED"
	Interlocked State = "INTERLOCKED"
	Static      State = "STATIC"
	Changing    State = "CHANGING"
	Running     State = "RUNNING"
	Active      State = "ACTIVE"
	Passive     State = "PASSIVE"
	On          State = "ON"
	Off         State = "OFF"
	Started     State = "STARTED"
	Stopped     State = "STOPPED"
	Opened      State = "OPENED"
	Closed      State = "CLOSED"
	Inserted    State = "INSERTED"
	Extracted   State = "EXTRACTED"
	Locked      State = "LOCKED"
	Unlocked    State = "UNLOCKED"
	Engaged     State = "ENGAGED"
	Disengaged  State = "DISENGAGED"
	Moving      State = "MOVING"
	Increasing  State = "INCREASING"
	Decreasing  State = "DECREASING"
	Acquiring   State = "ACQUIRING"
	Processing  State = "PROCESSING"
	Opening     State = "OPENING"
	Closing     State = "CLOSING"
	Heating     State = "HEATING"
	Cooling     State = "COOLING"
	Warm        State = "WARM"
	Cold        State = "COLD"
	Ignoring    State = "IGNORING"
	Monitoring  State = "MONITORING"
	Paused      State = "PAUSED"
	Stopping    State = "STOPPING"
	Starting    State = "STARTING"
)

var stateParents = map[State]State{
	Known:       "",
	Unknown:     "",
	Init:        "",
	Normal:      Known,
	Error:       Known,
	Disabled:    Known,
	Interlocked: Disabled,
	Static:      Normal,
	Changing:    Normal,
	Running:     Normal,
	Active:      Static,
	Passive:     Static,
	On:          Active,
	Off:         Passive,
	Started:     Active,
	Stopped:     Passive,
	Opened:      Active,
	Closed:      Passive,
	Inserted:    Active,
	Extracted:   Passive,
	Locked:      Active,
	Unlocked:    Passive,
	Engaged:     Active,
	Disengaged:  Passive,
	Warm:        Active,
	Cold:        Passive,
	Moving:      Changing,
	Increasing:  Changing,
	Decreasing:  Changing,
	Opening:     Changing,
	Closing:     Changing,
	Heating:     Increasing,
	Cooling:     Decreasing,
	Stopping:    Changing,
	Starting:    Changing,
	Acquiring:   Running,
	Processing:  Running,
	Monitoring:  Running,
	Ignoring:    Running,
	Paused:      Static,
}

// ParseState validates a state name.
func ParseState(s string) (State, bool) {
	st := State(s)
	_, ok := stateParents[st]
	return st, ok
}

// Parent returns the base state, or "" at the root.
func (s State) Parent() State { return stateParents[s] }

// IsDerivedFrom reports whether s equals base or descends from it.
func (s State) IsDerivedFrom(base State) bool {
	for cur := s; cur != ""; cur = cur.Parent() {
		if cur == base {
			return true
		}
	}
	return false
}

// In reports whether s is exactly one of the given states.
func (s State) In(states []State) bool {
	for _, o := range states {
		if o == s {
			return true
		}
	}
	return false
}

func statesToStrings(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func stringsToStates(names []string) []State {
	out := make([]State, len(names))
	for i, n := range names {
		out[i] = State(n)
	}
	return out
}
