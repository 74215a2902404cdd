package boardclient

// Option configures a Client before it connects.
type Option func(*options)

type options struct {
	token       string
	eventBuffer int
}

// WithToken sets the access token presented to the server. Servers running
// open auth ignore it.
func WithToken(token string) Option {
	return func(o *options) { o.token = token }
}

// WithEventBuffer sets the capacity of the Events channel (default 64).
// Events arriving while the buffer is full are dropped.
func WithEventBuffer(size int) Option {
	return func(o *options) { o.eventBuffer = size }
}
