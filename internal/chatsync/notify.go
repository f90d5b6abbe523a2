package chatsync

// Kind classifies a Notification.
type Kind string

const (
	// KindMessages: the visible message list changed.
	KindMessages Kind = "messages"
	// KindError: an operation failed; Err carries the classified error.
	KindError Kind = "error"
	// KindStatus: the push subscription changed state.
	KindStatus Kind = "status"
	// KindPresence: a participant joined or left.
	KindPresence Kind = "presence"
)

// Status is the push subscription state.
type Status string

const (
	StatusSubscribed Status = "subscribed"
	StatusError      Status = "error"
	StatusClosed     Status = "closed"
)

// Notification is delivered to the Notifier outside of any internal lock.
type Notification struct {
	Kind      Kind
	RoomID    string
	Err       error
	Status    Status
	MessageID string
	Name      string
	Joined    bool
}

// Notifier receives synchronizer notifications. Implementations must not
// call Initialize or Teardown synchronously.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }
