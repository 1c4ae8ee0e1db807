package negotiation

// State is where a session is in the offer/answer exchange. States only move
// forward; Failed is terminal.
type State int

const (
	Idle State = iota
	Initialized
	RoleAssigned
	DescriptionExchanged
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initialized:
		return "initialized"
	case RoleAssigned:
		return "role-assigned"
	case DescriptionExchanged:
		return "description-exchanged"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Role is decided once per session by whichever happens first: a local call
// request or the first signaling envelope from the other peer.
type Role int

const (
	NoRole Role = iota
	Caller
	Callee
)

func (r Role) String() string {
	switch r {
	case Caller:
		return "caller"
	case Callee:
		return "callee"
	default:
		return "none"
	}
}
