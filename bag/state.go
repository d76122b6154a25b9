package bag

// State is the lifecycle state of an item held by the bag. The numeric
// values are chosen to match the pool-entry state machine described in the
// design docs (NotInUse=0, InUse=1, Removed=-1, Reserved=-2) so that a zero
// value item is correctly "not in use" without any explicit initialization.
type State int32

const (
	StateNotInUse State = 0
	StateInUse    State = 1
	StateRemoved  State = -1
	StateReserved State = -2
)

func (s State) String() string {
	switch s {
	case StateNotInUse:
		return "NOT_IN_USE"
	case StateInUse:
		return "IN_USE"
	case StateRemoved:
		return "REMOVED"
	case StateReserved:
		return "RESERVED"
	default:
		return "UNKNOWN"
	}
}

// Item is the capability a type must offer to be stored in a Bag: an
// atomically CAS-able state. Borrow, Requite, Reserve and Remove are all
// expressed purely in terms of this interface, so the bag never touches an
// item's domain fields (connection handle, timestamps, ...).
type Item interface {
	CompareAndSwap(old, new State) bool
	State() State
}
