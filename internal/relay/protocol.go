package relay

import "vis-service/internal/feed"

// Protocol turns inbound client bytes into outbound bytes. It only ever runs
// on the event loop, so implementations need no locking.
//
// consumed may be less than len(in) when a message is incomplete; the rest is
// handed back on the next call together with newly read bytes. A non-nil err
// is logged and does not close the connection.
type Protocol interface {
	Handle(in []byte) (consumed int, out []byte, err error)
}

// ProtocolFactory creates the protocol instance for one connection. The feed
// state is borrowed; it outlives every connection.
type ProtocolFactory func(state *feed.State) Protocol

// Echo queues every received byte back to the sender unmodified
type Echo struct{}

func NewEcho(*feed.State) Protocol {
	return Echo{}
}

func (Echo) Handle(in []byte) (int, []byte, error) {
	out := make([]byte, len(in))
	copy(out, in)
	return len(in), out, nil
}
