// Package types holds the wire and domain value objects shared across
// the bus packages: envelopes, peer records, acks, discovery packets
// and the reliable-delivery tracking entry.
package types

import "fmt"

// QoS is the delivery guarantee requested for a publish call.
type QoS string

const (
	// BestEffort fans a message out once with no tracking.
	BestEffort QoS = "best_effort"

	// Reliable unicasts to every known subscribing peer and retries
	// until an ack arrives or the retry budget is exhausted.
	Reliable QoS = "reliable"
)

// IsReliable reports whether q requires ack-tracking.
func (q QoS) IsReliable() bool {
	return q == Reliable
}

// Payload is the structured key/value body carried by a MessageEnvelope.
type Payload map[string]interface{}

// Clone returns a shallow copy of p, safe to mutate without affecting
// the original (used when enriching a payload for delivery).
func (p Payload) Clone() Payload {
	out := make(Payload, len(p)+3)
	for k, v := range p {
		out[k] = v
	}
	return out
}

// MessageEnvelope wraps a payload with the routing and reliability
// metadata carried over the wire. It is created once by the publish
// path and never mutated afterward; the same envelope may be encoded
// more than once, under different codecs, when fanning out to
// heterogeneous peers.
type MessageEnvelope struct {
	Topic       string  `json:"topic"`
	MessageID   int64   `json:"message_id"`
	Timestamp   int64   `json:"timestamp"`
	PublisherID string  `json:"publisher_id"`
	QoS         QoS     `json:"qos"`
	Payload     Payload `json:"payload"`
}

// Key returns the composite dedup identity "publisher:topic:message_id".
func (m MessageEnvelope) Key() string {
	return fmt.Sprintf("%s:%s:%d", m.PublisherID, m.Topic, m.MessageID)
}

// AckPacket acknowledges receipt of a reliable MessageEnvelope.
type AckPacket struct {
	MessageID      int64  `json:"message_id"`
	ReceiverNodeID string `json:"receiver_node_id"`
	Status         string `json:"status"`
	Timestamp      int64  `json:"timestamp"`
}

// DiscoveryPacket is broadcast or multicast periodically by every node
// to advertise its identity, topics and capabilities.
type DiscoveryPacket struct {
	NodeID          string   `json:"node_id"`
	Topics          []string `json:"topics"`
	ProtocolVersion int      `json:"protocol_version"`
	Timestamp       int64    `json:"timestamp"`
	DataPort        uint16   `json:"data_port"`
	Serialization   []string `json:"serialization,omitempty"`
	StreamPort      uint16   `json:"tcp_port,omitempty"`
}
