// Package codec encodes and decodes the three wire packet kinds
// (discovery, data, ack) under either JSON or CBOR, with inbound
// auto-detection, field validation and ACK identity normalization.
package codec

import (
	"errors"
	"fmt"
)

// Kind discriminates the three packet shapes that share the wire
// field "type".
type Kind string

const (
	KindDiscovery Kind = "discovery"
	KindData      Kind = "data"
	KindAck       Kind = "ack"
)

// Name identifies a concrete wire encoding.
type Name string

const (
	JSON Name = "json"
	CBOR Name = "cbor"
)

// Fields is the decoded, codec-agnostic representation of a packet: a
// plain string-keyed map mirroring the wire's self-describing map.
type Fields map[string]interface{}

var (
	// ErrDecodeFailure covers malformed bytes, non-map roots, empty
	// input and a missing or unknown "type" discriminator.
	ErrDecodeFailure = errors.New("codec: decode failure")

	// ErrMissingField is wrapped into ErrDecodeFailure when a
	// required field for the packet's kind is absent.
	ErrMissingField = errors.New("codec: missing required field")

	// ErrUnsupportedName is returned by Encode for a codec name
	// neither JSON nor CBOR.
	ErrUnsupportedName = errors.New("codec: unsupported codec name")

	errNonMapRoot = errors.New("codec: root is not an object")
)

// ackAliases lists the receiver-identity field names an inbound ACK
// may carry; all are normalized to "receiver_node_id" on decode.
var ackAliases = []string{"receiver_node_id", "receiverId", "receiver", "to"}

// Codec encodes and decodes packets of all three kinds under a single
// negotiated wire format, plus auto-detecting decode for inbound bytes
// of unknown origin.
type Codec struct{}

// New returns a ready-to-use Codec. It carries no state; one instance
// can be shared across every peer and goroutine.
func New() *Codec {
	return &Codec{}
}

// Encode serializes a copy of fields, with "type" set to kind, as name.
// Required-field validation runs first so a caller never ships a
// malformed packet.
func (c *Codec) Encode(kind Kind, fields Fields, name Name) ([]byte, error) {
	out := make(Fields, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["type"] = string(kind)

	if err := validate(kind, out); err != nil {
		return nil, err
	}

	switch name {
	case JSON:
		return encodeJSON(out)
	case CBOR:
		return encodeCBOR(out)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedName, name)
	}
}

// Decode auto-detects the wire format of data: a CBOR map parse is
// attempted first, and only on failure (or a map with no "type" key)
// does it fall back to JSON. Empty input, non-map roots and a missing
// "type" all fail with ErrDecodeFailure.
func (c *Codec) Decode(data []byte) (Kind, Fields, error) {
	if len(data) == 0 {
		return "", nil, ErrDecodeFailure
	}

	if fields, ok := tryDecodeCBOR(data); ok {
		if _, hasType := fields["type"]; hasType {
			return c.finish(fields)
		}
	}

	fields, err := decodeJSON(data)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	return c.finish(fields)
}

// finish resolves the kind, validates required fields and normalizes
// ACK receiver-identity aliases. It is shared by both wire formats so
// normalization never depends on which codec produced the map.
func (c *Codec) finish(fields Fields) (Kind, Fields, error) {
	rawType, _ := fields["type"].(string)
	kind := Kind(rawType)
	switch kind {
	case KindDiscovery, KindData, KindAck:
	default:
		return "", nil, fmt.Errorf("%w: unknown type %q", ErrDecodeFailure, rawType)
	}

	if kind == KindAck {
		normalizeAck(fields)
	}

	if err := validate(kind, fields); err != nil {
		return "", nil, err
	}
	return kind, fields, nil
}

// normalizeAck rewrites any alias of the receiver identity field into
// the canonical "receiver_node_id" key, in alias-priority order.
func normalizeAck(fields Fields) {
	if _, ok := fields["receiver_node_id"]; ok {
		return
	}
	for _, alias := range ackAliases[1:] {
		if v, ok := fields[alias]; ok {
			fields["receiver_node_id"] = v
			return
		}
	}
}

func validate(kind Kind, fields Fields) error {
	var required []string
	switch kind {
	case KindData:
		required = []string{"topic", "message_id", "payload", "publisher_id", "qos"}
	case KindAck:
		required = []string{"message_id"}
	case KindDiscovery:
		required = []string{"node_id", "topics", "data_port"}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrDecodeFailure, kind)
	}

	for _, key := range required {
		if _, ok := fields[key]; !ok {
			return fmt.Errorf("%w: %s.%s", ErrMissingField, kind, key)
		}
	}
	return nil
}
