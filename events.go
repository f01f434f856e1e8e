package shardis

// EventType enumerates lifecycle notifications delivered to Options.OnEvent.
type EventType uint8

const (
	EventServerConnected EventType = iota + 1
	EventServerReconnecting
	EventServerRemoved
	EventReady
	EventEnd
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventServerConnected:
		return "server-connected"
	case EventServerReconnecting:
		return "server-reconnecting"
	case EventServerRemoved:
		return "server-removed"
	case EventReady:
		return "ready"
	case EventEnd:
		return "end"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is one notification. Server is set for server-* events, Err for
// EventError. Replacement is set on EventServerRemoved when a replacement
// host took over the removed server's ring slot.
type Event struct {
	Type        EventType
	Server      string
	Replacement string
	Err         error
}
