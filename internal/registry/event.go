package registry

// Event is a message processed by the registry loop. The set of events is
// closed: Joined, Left and Broadcast, plus the internal snapshot query.
type Event interface {
	isEvent()
}

// Joined registers addr with the queue its writer drains. A second Joined for
// the same address replaces the first.
type Joined struct {
	Addr     string
	Outbound chan<- []byte
}

// Left removes addr. Removing an unknown address is a no-op.
type Left struct {
	Addr string
}

// Broadcast offers Payload to every registered client without blocking.
type Broadcast struct {
	Payload []byte
}

type snapshotRequest struct {
	reply chan []string
}

func (Joined) isEvent()          {}
func (Left) isEvent()            {}
func (Broadcast) isEvent()       {}
func (snapshotRequest) isEvent() {}
