package ws

// Sink receives relayed output one message at a time. Each Send maps to one
// network write so clients can parse incrementally.
type Sink interface {
	Send([]byte) error
	Close()
}
