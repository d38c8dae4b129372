package peertable

import (
	"context"
	"sync"
	"testing"

	"github.com/nodefleet/minibus/pkg/bus/codec"
	"github.com/nodefleet/minibus/pkg/bus/transport"
)

// fakeTransport is an in-memory transport.Transport used only by these
// tests, so discovery logic can be exercised without opening a real
// socket.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []sentPacket
	inbound chan transport.Inbound
}

type sentPacket struct {
	data []byte
	host string
	port uint16
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan transport.Inbound, 16)}
}

func (f *fakeTransport) Send(_ context.Context, data []byte, host string, port uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentPacket{data: data, host: host, port: port})
	return true
}

func (f *fakeTransport) BoundPort() uint16 { return 9999 }

func (f *fakeTransport) Inbound() <-chan transport.Inbound { return f.inbound }

func (f *fakeTransport) Stop() { close(f.inbound) }

func (f *fakeTransport) close() {}

func fakeClockAt(seconds int64) func() int64 {
	return func() int64 { return seconds }
}

func encodedAnnounce(t *testing.T, nodeID string, topics []string, dataPort uint16) transport.Inbound {
	t.Helper()
	c := codec.New()
	encoded, err := c.Encode(codec.KindDiscovery, codec.Fields{
		"node_id":   nodeID,
		"topics":    topics,
		"data_port": int(dataPort),
	}, codec.JSON)
	if err != nil {
		t.Fatalf("failed to encode test announcement: %v", err)
	}
	return transport.Inbound{Data: encoded, OriginHost: "127.0.0.1", OriginPort: dataPort}
}
