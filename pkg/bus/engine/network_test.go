package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nodefleet/minibus/pkg/bus/transport"
)

// fakeNetwork routes Send calls between in-process fakeTransport
// endpoints keyed by host:port, so two Engines can exchange packets
// without opening a real socket. A destination with no registered
// endpoint is treated as reachable-but-silent: Send reports success
// (matching a real fire-and-forget UDP send to a dead host) but no
// Inbound is ever produced, which is exactly the "B drops every
// packet" scenario.
type fakeNetwork struct {
	mu    sync.Mutex
	nodes map[string]*fakeTransport
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{nodes: make(map[string]*fakeTransport)}
}

func addrKey(host string, port uint16) string {
	return fmt.Sprintf("%s:%d", host, port)
}

func (n *fakeNetwork) register(host string, port uint16, ft *fakeTransport) {
	n.mu.Lock()
	n.nodes[addrKey(host, port)] = ft
	n.mu.Unlock()
}

func (n *fakeNetwork) deliver(host string, port uint16, data []byte, fromHost string, fromPort uint16) bool {
	n.mu.Lock()
	dest, ok := n.nodes[addrKey(host, port)]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if dest.dropping.Load() {
		return true
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case dest.inbound <- transport.Inbound{Data: cp, OriginHost: fromHost, OriginPort: fromPort}:
	default:
	}
	return true
}

// fakeTransport is a transport.Transport backed by fakeNetwork instead
// of a socket.
type fakeTransport struct {
	net  *fakeNetwork
	host string
	port uint16

	inbound  chan transport.Inbound
	dropping atomic.Bool

	mu   sync.Mutex
	sent [][]byte
}

func newFakeTransport(net *fakeNetwork, host string, port uint16) *fakeTransport {
	ft := &fakeTransport{net: net, host: host, port: port, inbound: make(chan transport.Inbound, 64)}
	net.register(host, port, ft)
	return ft
}

func (f *fakeTransport) Send(_ context.Context, data []byte, host string, port uint16) bool {
	f.mu.Lock()
	f.sent = append(f.sent, data)
	f.mu.Unlock()
	return f.net.deliver(host, port, data, f.host, f.port)
}

func (f *fakeTransport) BoundPort() uint16 { return f.port }

func (f *fakeTransport) Inbound() <-chan transport.Inbound { return f.inbound }

func (f *fakeTransport) Stop() { close(f.inbound) }

func (f *fakeTransport) lastSent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}
