package object

// State is the persistence state of an object within one store.
type State uint8

// Persistence states.
const (
	// Transient objects are not registered with any store.
	Transient State = iota
	// New objects are registered and will be inserted on the next flush.
	New
	// Hollow objects have a known identity but their data is not loaded.
	Hollow
	// Committed objects match the last known committed row.
	Committed
	// Modified objects differ from the last known committed row.
	Modified
	// Deleted objects will be deleted on the next flush.
	Deleted
)

var stateNames = [...]string{
	Transient: "transient",
	New:       "new",
	Hollow:    "hollow",
	Committed: "committed",
	Modified:  "modified",
	Deleted:   "deleted",
}

// String returns the state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// IsDirty reports whether an object in this state takes part in a flush.
func (s State) IsDirty() bool {
	return s == New || s == Modified || s == Deleted
}

var transitions = map[State][]State{
	Transient: {New, Hollow, Committed},
	New:       {Committed, Transient},
	Hollow:    {Committed, Modified, Deleted, Transient},
	Committed: {Modified, Deleted, Hollow, Transient},
	Modified:  {Committed, Deleted, Hollow, Transient},
	Deleted:   {Transient, Committed, Modified, Hollow},
}

// CanTransition reports whether s may move to the target state.
func (s State) CanTransition(to State) bool {
	if s == to {
		return true
	}
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}
