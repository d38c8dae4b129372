// Package peertable implements discovery: a periodic announce, an
// ingest path for inbound announcements, and TTL-based expiry of
// silent peers. It is deliberately a standalone module — the bus
// engine only ever reads from it via the accessors below.
package peertable

import (
	"context"
	"sync"
	"time"

	"github.com/nodefleet/minibus/internal/logging"
	"github.com/nodefleet/minibus/pkg/bus/codec"
	"github.com/nodefleet/minibus/pkg/bus/transport"
	"github.com/nodefleet/minibus/pkg/bus/types"
)

// Mode selects how announcements are emitted.
type Mode string

const (
	Broadcast Mode = "broadcast"
	Multicast Mode = "multicast"
)

// Config drives the announce/expiry loop.
type Config struct {
	NodeID          string
	Mode            Mode
	Address         string // broadcast or multicast group address
	Port            uint16
	IntervalMs      int64
	TTLSeconds      int64
	ProtocolVersion int
	Topics          []string
	Codecs          []string // our ordered codec preference
	DataPort        uint16
	StreamPort      uint16
}

// OnPeerUpdated is invoked whenever a peer record is created or
// refreshed by an inbound announcement.
type OnPeerUpdated func(rec types.PeerRecord)

// Table is the node_id -> PeerRecord membership store plus the
// announce/ingest/expiry loop that maintains it. Reads (ListPeers,
// HasPeer, FormatsFor) are safe for concurrent callers; writes are
// confined to the ingest and expiry paths.
type Table struct {
	cfg   Config
	log   logging.Logger
	codec *codec.Codec
	trans transport.Transport
	clock func() int64

	onUpdated OnPeerUpdated

	mu    sync.RWMutex
	peers map[string]types.PeerRecord

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Table bound to trans (the discovery socket). Call Start
// to begin announcing and ingesting.
func New(cfg Config, trans transport.Transport, log logging.Logger, onUpdated OnPeerUpdated) *Table {
	return &Table{
		cfg:       cfg,
		log:       log,
		codec:     codec.New(),
		trans:     trans,
		clock:     func() int64 { return time.Now().Unix() },
		onUpdated: onUpdated,
		peers:     make(map[string]types.PeerRecord),
	}
}

// Start launches the announce/ingest/expiry loop. Expiry shares the
// announce interval, per spec.md §4.3.
func (tb *Table) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	tb.cancel = cancel
	tb.done = make(chan struct{})
	go tb.loop(ctx)
}

func (tb *Table) loop(ctx context.Context) {
	defer close(tb.done)

	interval := time.Duration(tb.cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Fire an initial announcement promptly rather than waiting a full
	// interval, matching original_source's QTimer::singleShot(10, ...).
	go tb.announce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tb.announce()
			tb.expire()
		case in, ok := <-tb.trans.Inbound():
			if !ok {
				return
			}
			tb.ingest(in)
		}
	}
}

// Stop halts the loop and waits for it to exit. It does not stop the
// underlying transport; the caller owns that lifecycle.
func (tb *Table) Stop() {
	if tb.cancel == nil {
		return
	}
	tb.cancel()
	<-tb.done
}

func (tb *Table) announce() {
	pkt := codec.Fields{
		"node_id":          tb.cfg.NodeID,
		"topics":           tb.cfg.Topics,
		"protocol_version": tb.cfg.ProtocolVersion,
		"timestamp":        tb.clock(),
		"data_port":        int(tb.cfg.DataPort),
		"serialization":    tb.cfg.Codecs,
	}
	if tb.cfg.StreamPort != 0 {
		pkt["tcp_port"] = int(tb.cfg.StreamPort)
	}

	encoded, err := tb.codec.Encode(codec.KindDiscovery, pkt, codec.JSON)
	if err != nil {
		tb.log.Errorf("peertable: failed to encode announcement: %v", err)
		return
	}

	dest := tb.cfg.Address
	if dest == "" {
		dest = "255.255.255.255"
	}
	tb.trans.Send(context.Background(), encoded, dest, tb.cfg.Port)
	tb.log.Debugf("peertable: announce node=%s topics=%d formats=%v", tb.cfg.NodeID, len(tb.cfg.Topics), tb.cfg.Codecs)
}

func (tb *Table) ingest(in transport.Inbound) {
	_, fields, err := tb.codec.Decode(in.Data)
	if err != nil {
		tb.log.Warnf("peertable: dropping malformed announcement from %s: %v", in.OriginHost, err)
		return
	}

	nodeID, _ := fields["node_id"].(string)
	if nodeID == "" || nodeID == tb.cfg.NodeID {
		return
	}

	rec := types.PeerRecord{
		NodeID:          nodeID,
		Topics:          toStringSlice(fields["topics"]),
		Codecs:          toStringSlice(fields["serialization"]),
		ProtocolVersion: toInt(fields["protocol_version"]),
		Host:            in.OriginHost,
		DataPort:        toPort(fields["data_port"]),
		StreamPort:      toPort(fields["tcp_port"]),
		LastSeen:        tb.clock(),
	}

	tb.mu.Lock()
	tb.peers[nodeID] = rec
	tb.mu.Unlock()

	tb.log.Infof("peertable: peer=%s topics=%d ver=%d formats=%v", rec.NodeID, len(rec.Topics), rec.ProtocolVersion, rec.Codecs)
	if tb.onUpdated != nil {
		tb.onUpdated(rec)
	}
}

func (tb *Table) expire() {
	ttl := tb.cfg.TTLSeconds
	if ttl <= 0 {
		ttl = 10
	}
	now := tb.clock()

	tb.mu.Lock()
	var expired []string
	for id, rec := range tb.peers {
		if now-rec.LastSeen > ttl {
			expired = append(expired, id)
			delete(tb.peers, id)
		}
	}
	tb.mu.Unlock()

	for _, id := range expired {
		tb.log.Infof("peertable: expired peer=%s (ttl=%ds)", id, ttl)
	}
}

// ListPeers returns a snapshot of every known peer.
func (tb *Table) ListPeers() []types.PeerRecord {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	out := make([]types.PeerRecord, 0, len(tb.peers))
	for _, rec := range tb.peers {
		out = append(out, rec)
	}
	return out
}

// HasPeer reports whether nodeID is currently known.
func (tb *Table) HasPeer(nodeID string) bool {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	_, ok := tb.peers[nodeID]
	return ok
}

// Peer returns the record for nodeID, if known.
func (tb *Table) Peer(nodeID string) (types.PeerRecord, bool) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	rec, ok := tb.peers[nodeID]
	return rec, ok
}

// FormatsFor returns the codec preferences advertised by nodeID, or
// nil if the peer is unknown.
func (tb *Table) FormatsFor(nodeID string) []string {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	if rec, ok := tb.peers[nodeID]; ok {
		return rec.Codecs
	}
	return nil
}

// PeersForTopic returns every known, routable peer advertising topic.
func (tb *Table) PeersForTopic(topic string) []types.PeerRecord {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	var out []types.PeerRecord
	for _, rec := range tb.peers {
		if rec.Routable() && rec.HasTopic(topic) {
			out = append(out, rec)
		}
	}
	return out
}

func toStringSlice(v interface{}) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toInt(v interface{}) int {
	switch vv := v.(type) {
	case int:
		return vv
	case int64:
		return int(vv)
	case float64:
		return int(vv)
	default:
		return 0
	}
}

func toPort(v interface{}) uint16 {
	return uint16(toInt(v))
}
