package bot

// State is the lifecycle state of one bot instance.
//
//	Idle -> Starting -> Running -> Stopping -> Stopped
//
// Error is reachable from Starting and Running on unrecoverable startup or
// transport failure; Stop() recovers an errored instance into Stopped.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
