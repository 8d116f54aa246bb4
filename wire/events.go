package wire

// EventKind identifies push event sent by the server without correlation number.
type EventKind int

// Push event kinds.
const (
	EventUnknown EventKind = iota
	EventTagAdd
	EventTagUpdate
	EventTagDelete
	EventChannelAdd
	EventChannelUpdate
	EventChannelDelete
	EventDVREntryAdd
	EventDVREntryUpdate
	EventDVREntryDelete
	EventAutorecEntryAdd
	EventAutorecEntryUpdate
	EventAutorecEntryDelete
	EventEPGEventAdd
	EventEPGEventUpdate
	EventEPGEventDelete
	EventInitialSyncCompleted
)

var eventMethods = map[string]EventKind{
	"tagAdd":               EventTagAdd,
	"tagUpdate":            EventTagUpdate,
	"tagDelete":            EventTagDelete,
	"channelAdd":           EventChannelAdd,
	"channelUpdate":        EventChannelUpdate,
	"channelDelete":        EventChannelDelete,
	"dvrEntryAdd":          EventDVREntryAdd,
	"dvrEntryUpdate":       EventDVREntryUpdate,
	"dvrEntryDelete":       EventDVREntryDelete,
	"autorecEntryAdd":      EventAutorecEntryAdd,
	"autorecEntryUpdate":   EventAutorecEntryUpdate,
	"autorecEntryDelete":   EventAutorecEntryDelete,
	"eventAdd":             EventEPGEventAdd,
	"eventUpdate":          EventEPGEventUpdate,
	"eventDelete":          EventEPGEventDelete,
	"initialSyncCompleted": EventInitialSyncCompleted,
}

func (k EventKind) String() string {
	for method, kind := range eventMethods {
		if kind == k {
			return method
		}
	}
	return "unknown"
}

// Event is a classified push message.
type Event struct {
	Kind    EventKind
	Method  string
	Message *Message
}

// ClassifyEvent maps push message to its event kind.
func ClassifyEvent(m *Message) Event {
	method := m.Method()
	return Event{
		Kind:    eventMethods[method],
		Method:  method,
		Message: m,
	}
}
