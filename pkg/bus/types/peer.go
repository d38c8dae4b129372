package types

// PeerRecord is a membership entry describing a remote node's identity,
// address, advertised topics and codec preferences. A PeerRecord is
// mutated only by the peer table: created on first announce, destroyed
// on TTL expiry, never touched directly by the bus engine.
type PeerRecord struct {
	NodeID string

	// Capabilities, in the peer's own preference order.
	Codecs          []string
	Topics          []string
	ProtocolVersion int

	// Addressing, discovered from datagram origin plus the peer's own
	// advertised ports.
	Host       string
	DataPort   uint16
	StreamPort uint16

	// LastSeen is a wall-clock unix-seconds timestamp, updated on every
	// announce ingest.
	LastSeen int64
}

// Routable reports whether the record carries enough information to be
// handed to the publish path. A PeerRecord is never returned from
// routing without a non-zero data port.
func (p PeerRecord) Routable() bool {
	return p.DataPort != 0
}

// HasTopic reports whether the peer advertises topic.
func (p PeerRecord) HasTopic(topic string) bool {
	for _, t := range p.Topics {
		if t == topic {
			return true
		}
	}
	return false
}
