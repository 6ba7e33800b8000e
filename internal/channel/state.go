package channel

// State is the lifecycle of one realtime channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Live reports whether a channel in this state is still usable or about to be.
func (s State) Live() bool {
	return s == Connecting || s == Connected
}
