package transport

import "fmt"

// Channel names the logical channel an error occurred on.
type Channel string

const (
	ChannelBootstrap Channel = "bootstrap"
	ChannelInbound   Channel = "inbound"
	ChannelOutbound  Channel = "outbound"
)

// Op names the failed operation.
type Op string

const (
	OpOpen      Op = "open"
	OpSend      Op = "send"
	OpRecv      Op = "recv"
	OpSubscribe Op = "subscribe"
)

// ChannelError is an open/send/receive failure at the broker boundary.
type ChannelError struct {
	Op      Op
	Channel Channel
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s %s channel: %v", e.Op, e.Channel, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// OpenError wraps a failure to open one of a Conn's channels.
func OpenError(ch Channel, err error) error {
	return &ChannelError{Op: OpOpen, Channel: ch, Err: err}
}
