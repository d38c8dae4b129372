package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nodefleet/minibus/internal/logging"
	"github.com/nodefleet/minibus/pkg/bus/codec"
	"github.com/nodefleet/minibus/pkg/bus/peertable"
	"github.com/nodefleet/minibus/pkg/bus/transport"
	"github.com/nodefleet/minibus/pkg/bus/types"
)

// verifyNoLeaksOnCleanup registers a goleak check that runs last, after
// every later-registered Shutdown/Stop cleanup has already torn down
// its goroutines (t.Cleanup runs LIFO).
func verifyNoLeaksOnCleanup(t *testing.T) {
	t.Helper()
	t.Cleanup(func() { goleak.VerifyNone(t) })
}

func testConfig(nodeID string) Config {
	return Config{
		NodeID:             nodeID,
		ProtocolVersion:    1,
		PreferredCodecs:    []codec.Name{codec.JSON},
		AllowJSONFallback:  true,
		DedupCapacity:      256,
		RetainLast:         true,
		AckTimeoutMs:       80,
		MaxRetries:         2,
		ExponentialBackoff: true,
		DataPort:           0,
	}
}

// newTestPeerTable builds a started peertable.Table whose discovery
// transport is a fakeTransport, so announcements can be injected
// directly without a real socket.
func newTestPeerTable(t *testing.T, net *fakeNetwork, nodeID string, host string, discoveryPort uint16) (*peertable.Table, *fakeTransport) {
	t.Helper()
	discTrans := newFakeTransport(net, host, discoveryPort)
	tb := peertable.New(peertable.Config{NodeID: nodeID, IntervalMs: 60_000, TTLSeconds: 60}, discTrans, logging.New(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	tb.Start(ctx)
	t.Cleanup(func() {
		tb.Stop()
		cancel()
	})
	return tb, discTrans
}

// seedPeer injects a discovery announcement for a peer directly into
// the owning table's discovery transport, bypassing the wire.
func seedPeer(t *testing.T, discTrans *fakeTransport, nodeID, host string, dataPort uint16, codecs, topics []string) {
	t.Helper()
	c := codec.New()
	fields := codec.Fields{
		"node_id":       nodeID,
		"topics":        topics,
		"data_port":     int(dataPort),
		"serialization": codecs,
	}
	encoded, err := c.Encode(codec.KindDiscovery, fields, codec.JSON)
	if err != nil {
		t.Fatalf("failed to encode seed announcement: %v", err)
	}
	discTrans.inbound <- transport.Inbound{Data: encoded, OriginHost: host, OriginPort: dataPort}
	time.Sleep(20 * time.Millisecond)
}

func newTestEngine(t *testing.T, net *fakeNetwork, cfg Config, host string, dataPort uint16, peers *peertable.Table) (*Engine, *fakeTransport) {
	t.Helper()
	dataTrans := newFakeTransport(net, host, dataPort)
	e := New(cfg, logging.New(), dataTrans, peers, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	t.Cleanup(func() {
		e.Shutdown(200 * time.Millisecond)
		cancel()
	})
	return e, dataTrans
}

// Scenario 1: reliable delivery to one peer.
func TestReliableDeliveryToOnePeer(t *testing.T) {
	verifyNoLeaksOnCleanup(t)
	net := newFakeNetwork()

	tableB, _ := newTestPeerTable(t, net, "B", "127.0.0.1", 20001)
	engineB, _ := newTestEngine(t, net, testConfig("B"), "127.0.0.1", 21001, tableB)

	var received int32
	var payload types.Payload
	var mu sync.Mutex
	engineB.Subscribe("t1", func(p types.Payload) {
		atomic.AddInt32(&received, 1)
		mu.Lock()
		payload = p
		mu.Unlock()
	})

	tableA, discA := newTestPeerTable(t, net, "A", "127.0.0.1", 20002)
	engineA, _ := newTestEngine(t, net, testConfig("A"), "127.0.0.1", 21002, tableA)

	seedPeer(t, discA, "B", "127.0.0.1", 21001, []string{"json"}, []string{"t1"})

	engineA.Publish("t1", types.Payload{"v": 1}, types.Reliable)

	deadline := time.Now().Add(1 * time.Second)
	for atomic.LoadInt32(&received) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Fatalf("expected subscriber to fire exactly once, fired %d times", received)
	}

	mu.Lock()
	got := payload
	mu.Unlock()
	if got["topic"] != "t1" || got["qos"] != "reliable" || got["message_id"] != int64(1) || got["v"] != float64(1) {
		t.Fatalf("unexpected enriched payload: %+v", got)
	}

	deadline = time.Now().Add(1 * time.Second)
	for engineA.PendingSize() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if engineA.PendingSize() != 0 {
		t.Fatalf("expected A's pending tracker to be empty after ack, got %d", engineA.PendingSize())
	}
}

// Scenario 2: retry then dead-letter, against a peer that never acks.
func TestRetryThenDeadLetter(t *testing.T) {
	verifyNoLeaksOnCleanup(t)
	net := newFakeNetwork()

	// Register a data endpoint for "B" whose Inbound channel nothing
	// reads, so no ack ever comes back (simulates B silently dropping
	// every Data packet).
	newFakeTransport(net, "127.0.0.1", 22001)

	tableA, discA := newTestPeerTable(t, net, "A", "127.0.0.1", 20003)
	engineA, _ := newTestEngine(t, net, testConfig("A"), "127.0.0.1", 21003, tableA)

	seedPeer(t, discA, "B", "127.0.0.1", 22001, []string{"json"}, []string{"t2"})

	engineA.Publish("t2", types.Payload{"v": 1}, types.Reliable)

	deadline := time.Now().Add(2 * time.Second)
	for engineA.PendingSize() != 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	letters := engineA.DeadLetters()
	if len(letters) != 1 {
		t.Fatalf("expected exactly one dead letter, got %d", len(letters))
	}
	if letters[0].Attempts != 2 || letters[0].Reason != "max_retries_exceeded" {
		t.Fatalf("unexpected dead letter: %+v", letters[0])
	}
}

// Scenario 3: retain-last delivers immediately to a late subscriber.
func TestRetainLastLateSubscribe(t *testing.T) {
	verifyNoLeaksOnCleanup(t)
	net := newFakeNetwork()
	tableA, _ := newTestPeerTable(t, net, "A", "127.0.0.1", 20004)
	engineA, _ := newTestEngine(t, net, testConfig("A"), "127.0.0.1", 21004, tableA)

	engineA.Publish("t3", types.Payload{"x": 42}, types.Reliable)

	var got types.Payload
	engineA.Subscribe("t3", func(p types.Payload) { got = p })

	if got["x"] != 42 || got["topic"] != "t3" || got["message_id"] != int64(1) {
		t.Fatalf("expected immediate retained delivery, got %+v", got)
	}
}

// Scenario 4: triplicate replay of the same datagram is delivered once.
func TestDedupSuppressesReplay(t *testing.T) {
	verifyNoLeaksOnCleanup(t)
	net := newFakeNetwork()
	tableA, _ := newTestPeerTable(t, net, "A", "127.0.0.1", 20005)
	engineA, _ := newTestEngine(t, net, testConfig("A"), "127.0.0.1", 21005, tableA)

	var received int32
	engineA.Subscribe("t4", func(types.Payload) { atomic.AddInt32(&received, 1) })

	c := codec.New()
	encoded, err := c.Encode(codec.KindData, codec.Fields{
		"topic":        "t4",
		"message_id":   int64(7),
		"timestamp":    int64(0),
		"payload":      map[string]interface{}{"v": 1},
		"publisher_id": "remote",
		"qos":          "best_effort",
	}, codec.JSON)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	in := transport.Inbound{Data: encoded, OriginHost: "127.0.0.1", OriginPort: 9999}
	engineA.ingest(in)
	engineA.ingest(in)
	engineA.ingest(in)

	if atomic.LoadInt32(&received) != 1 {
		t.Fatalf("expected subscriber to fire exactly once despite replay, fired %d times", received)
	}
}

// Scenario 5: peer advertises cbor only, we prefer json with fallback
// allowed, negotiation settles on json.
func TestNegotiationFallsBackToJSON(t *testing.T) {
	verifyNoLeaksOnCleanup(t)
	net := newFakeNetwork()
	tableA, discA := newTestPeerTable(t, net, "A", "127.0.0.1", 20006)
	engineA, dataA := newTestEngine(t, net, testConfig("A"), "127.0.0.1", 21006, tableA)

	newFakeTransport(net, "127.0.0.1", 22006)
	seedPeer(t, discA, "B", "127.0.0.1", 22006, []string{"cbor"}, []string{"t5"})

	peer, ok := tableA.Peer("B")
	if !ok {
		t.Fatal("expected B to be known after seeding")
	}

	name, ok := engineA.negotiateFor(peer)
	if !ok || name != codec.JSON {
		t.Fatalf("expected fallback to json, got name=%q ok=%v", name, ok)
	}

	engineA.Publish("t5", types.Payload{"v": 1}, types.Reliable)
	time.Sleep(20 * time.Millisecond)

	sent := dataA.lastSent()
	if len(sent) == 0 || sent[0] != '{' {
		t.Fatalf("expected the wire bytes to be JSON (leading '{'), got %q", sent)
	}
}
