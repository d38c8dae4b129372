// Package transport provides the socket abstraction the bus engine
// and peer table send and receive through: a connectionless datagram
// transport and a length-prefixed framed stream transport. Raw socket
// details stay here so the rest of the bus never imports "net".
package transport

import "context"

// Inbound is one datagram or frame delivered from the network, tagged
// with its origin so the receive path can route an ack back.
type Inbound struct {
	Data       []byte
	OriginHost string
	OriginPort uint16
}

// Transport is the capability set every bus component depends on:
// send to an address, report the locally bound port, stop, and emit
// inbound bytes with their origin.
type Transport interface {
	// Send delivers data to host:port. It returns false (not an error)
	// when the underlying write did not cover the full payload, so
	// callers can log and continue a fan-out without aborting it.
	Send(ctx context.Context, data []byte, host string, port uint16) bool

	// BoundPort is the actual local port in use, useful when the
	// transport was constructed with an ephemeral (0) port.
	BoundPort() uint16

	// Inbound is the channel of received packets. It is closed when
	// the transport stops.
	Inbound() <-chan Inbound

	// Stop releases the underlying socket and closes Inbound().
	Stop()
}
