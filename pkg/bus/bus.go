package bus

import "context"

// Message is a decoded envelope together with the channel it arrived on and
// the raw bytes, for consumers that relay verbatim.
type Message struct {
	Channel  string
	Envelope Envelope
	Raw      []byte
}

// Subscription is a live feed of messages from one or more channels.
// C is closed when the subscription ends, whether by Close or by bus
// shutdown, so consumers can range over it.
type Subscription interface {
	C() <-chan Message
	Channels() []string
	Close() error
}

// Bus is the pub/sub fabric. RedisBus is the production implementation;
// MemoryBus backs tests and single-process setups.
type Bus interface {
	Publish(ctx context.Context, channel string, env Envelope) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	Close() error
}
