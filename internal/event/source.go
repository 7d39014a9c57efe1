package event

// Stream is one subscriber's view of the shared event feed. Events arrive in
// the order they were received; the channel is closed once the stream is
// released or the source shuts down.
type Stream interface {
	Events() <-chan Event
	Close()
}

// Source hands out independent streams over a single shared feed.
type Source interface {
	Subscribe() (Stream, error)
}
