// Package engine implements the Bus Engine: the orchestrator that ties
// together the codec, transport, peer table, dedup cache and pending
// tracker into publish/subscribe semantics. The engine never reaches
// into the peer table's guts and never touches a raw socket; both are
// handed to it as already-running collaborators.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodefleet/minibus/internal/logging"
	"github.com/nodefleet/minibus/pkg/bus/codec"
	"github.com/nodefleet/minibus/pkg/bus/dedup"
	"github.com/nodefleet/minibus/pkg/bus/metrics"
	"github.com/nodefleet/minibus/pkg/bus/peertable"
	"github.com/nodefleet/minibus/pkg/bus/pending"
	"github.com/nodefleet/minibus/pkg/bus/transport"
	"github.com/nodefleet/minibus/pkg/bus/types"
)

// SubscriberFunc receives an enriched payload: the subscriber's own
// keys plus the injected "topic", "qos" and "message_id".
type SubscriberFunc func(payload types.Payload)

// Config is the engine's runtime configuration, resolved from
// internal/config before construction.
type Config struct {
	NodeID          string
	ProtocolVersion int

	// PreferredCodecs is our own codec preference order, consulted
	// during negotiation with each peer.
	PreferredCodecs   []codec.Name
	AllowJSONFallback bool

	DedupCapacity int
	RetainLast    bool

	AckTimeoutMs       int64
	MaxRetries         int
	ExponentialBackoff bool

	// BroadcastAddress and DataPort are used for the best-effort
	// fallback broadcast; defaults to 255.255.255.255 if unset.
	BroadcastAddress string
	DataPort         uint16
}

// Engine is the publish/subscribe core. It is safe for concurrent
// Publish/Subscribe calls from multiple goroutines; the receive path
// runs on its own loop.
type Engine struct {
	cfg     Config
	log     logging.Logger
	codec   *codec.Codec
	trans   transport.Transport
	peers   *peertable.Table
	dedup   *dedup.Cache
	pending *pending.Tracker
	metrics *metrics.Metrics
	retain  *retainStore

	counter int64

	subMu sync.Mutex
	subs  map[string]SubscriberFunc

	negMu      sync.Mutex
	negotiated map[string]codec.Name

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an Engine bound to trans (the data transport) and peers
// (an already-running discovery table). sink may be nil, in which
// case dead letters are kept in the in-memory ring only.
func New(cfg Config, log logging.Logger, trans transport.Transport, peers *peertable.Table, m *metrics.Metrics, sink pending.DeadLetterSink) *Engine {
	e := &Engine{
		cfg:        cfg,
		log:        log,
		codec:      codec.New(),
		trans:      trans,
		peers:      peers,
		dedup:      dedup.New(cfg.DedupCapacity),
		metrics:    m,
		retain:     newRetainStore(cfg.RetainLast),
		subs:       make(map[string]SubscriberFunc),
		negotiated: make(map[string]codec.Name),
	}
	e.pending = pending.New(log, pending.Callbacks{
		Resend:     e.onResend,
		Failed:     e.onFailed,
		DeadLetter: e.onDeadLetter,
	}, pending.WithDeadLetterSink(sink))
	return e
}

// Start launches the receive loop, consuming trans.Inbound() until ctx
// is cancelled or Shutdown is called.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.loop(ctx)
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-e.trans.Inbound():
			if !ok {
				return
			}
			e.ingest(in)
		}
	}
}

// Publish assigns a monotonic message id, stamps the envelope, stores
// it in retain-last (if enabled), delivers it to a local subscriber
// synchronously, and fans it out per the requested QoS.
func (e *Engine) Publish(topic string, payload types.Payload, qos types.QoS) int64 {
	id := atomic.AddInt64(&e.counter, 1)
	env := types.MessageEnvelope{
		Topic:       topic,
		MessageID:   id,
		Timestamp:   time.Now().UnixMilli(),
		PublisherID: e.cfg.NodeID,
		QoS:         qos,
		Payload:     payload,
	}

	e.retain.store(env)
	e.deliverLocal(env)
	e.metrics.IncPublished(string(qos))

	if qos.IsReliable() {
		e.publishReliable(env, e.peers.PeersForTopic(topic))
	} else {
		e.publishBestEffort(env)
	}
	return id
}

// publishReliable unicasts env to every routable peer advertising its
// topic, registering a PendingEntry per destination. A topic with no
// routable peers is dropped rather than broadcast — see SPEC_FULL.md
// §9: no blind broadcast for reliable QoS.
func (e *Engine) publishReliable(env types.MessageEnvelope, destinations []types.PeerRecord) {
	if len(destinations) == 0 {
		e.log.Warnf("engine: dropping reliable publish topic=%s message_id=%d: no routable peers", env.Topic, env.MessageID)
		return
	}

	encodedByCodec := make(map[codec.Name][]byte, 2)
	for _, peer := range destinations {
		if !peer.Routable() {
			continue
		}

		name, ok := e.negotiateFor(peer)
		if !ok {
			e.log.Errorf("engine: skipping peer=%s, no shared codec and fallback disabled", peer.NodeID)
			continue
		}

		encoded, ok := encodedByCodec[name]
		if !ok {
			var err error
			encoded, err = e.encodeData(env, name)
			if err != nil {
				e.log.Errorf("engine: failed to encode message_id=%d for codec=%s: %v", env.MessageID, name, err)
				continue
			}
			encodedByCodec[name] = encoded
		}

		if sent := e.trans.Send(context.Background(), encoded, peer.Host, peer.DataPort); !sent {
			e.log.Warnf("engine: short send to peer=%s for message_id=%d, relying on retry", peer.NodeID, env.MessageID)
		}

		key := types.PendingKey{MessageID: env.MessageID, ReceiverNodeID: peer.NodeID}
		e.pending.Track(key, encoded, peer.Host, peer.DataPort, e.cfg.MaxRetries, e.cfg.AckTimeoutMs, e.cfg.ExponentialBackoff)
	}
	e.metrics.SetPending(e.pending.Size())
}

// publishBestEffort encodes env once in our preferred codec and
// broadcasts it; no PendingEntry is registered.
func (e *Engine) publishBestEffort(env types.MessageEnvelope) {
	name := codec.JSON
	if len(e.cfg.PreferredCodecs) > 0 {
		name = e.cfg.PreferredCodecs[0]
	}

	encoded, err := e.encodeData(env, name)
	if err != nil {
		e.log.Errorf("engine: failed to encode best-effort message_id=%d: %v", env.MessageID, err)
		return
	}

	addr := e.cfg.BroadcastAddress
	if addr == "" {
		addr = "255.255.255.255"
	}
	e.trans.Send(context.Background(), encoded, addr, e.cfg.DataPort)
}

func (e *Engine) encodeData(env types.MessageEnvelope, name codec.Name) ([]byte, error) {
	return e.codec.Encode(codec.KindData, codec.Fields{
		"topic":        env.Topic,
		"message_id":   env.MessageID,
		"timestamp":    env.Timestamp,
		"payload":      map[string]interface{}(env.Payload),
		"publisher_id": env.PublisherID,
		"qos":          string(env.QoS),
	}, name)
}

// negotiateFor resolves and caches the wire codec to use with peer,
// for the life of its entry in the negotiation cache.
func (e *Engine) negotiateFor(peer types.PeerRecord) (codec.Name, bool) {
	e.negMu.Lock()
	defer e.negMu.Unlock()

	if name, ok := e.negotiated[peer.NodeID]; ok {
		return name, true
	}

	peerCodecs := make([]codec.Name, 0, len(peer.Codecs))
	for _, c := range peer.Codecs {
		peerCodecs = append(peerCodecs, codec.Name(c))
	}

	name, ok := codec.Negotiate(e.cfg.PreferredCodecs, peerCodecs, e.cfg.AllowJSONFallback)
	if !ok {
		return "", false
	}
	if len(peerCodecs) > 0 && !containsName(peerCodecs, name) {
		e.log.Warnf("engine: peer=%s shares no codec with us, falling back to %s", peer.NodeID, name)
	}
	e.negotiated[peer.NodeID] = name
	return name, true
}

// Subscribe registers fn for topic, replacing any prior binding. If
// retain-last holds a value for topic, fn is invoked immediately with
// it before Subscribe returns.
func (e *Engine) Subscribe(topic string, fn SubscriberFunc) {
	e.subMu.Lock()
	e.subs[topic] = fn
	e.subMu.Unlock()

	if env, ok := e.retain.get(topic); ok {
		e.invokeSubscriber(topic, fn, env)
	}
}

func (e *Engine) deliverLocal(env types.MessageEnvelope) {
	e.subMu.Lock()
	fn, ok := e.subs[env.Topic]
	e.subMu.Unlock()
	if !ok {
		return
	}
	e.invokeSubscriber(env.Topic, fn, env)
}

// invokeSubscriber enriches the payload and calls fn under a recover
// guard: a panicking subscriber must never take down the receive loop.
func (e *Engine) invokeSubscriber(topic string, fn SubscriberFunc, env types.MessageEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("engine: subscriber for topic=%s panicked: %v", topic, r)
		}
	}()

	enriched := env.Payload.Clone()
	enriched["topic"] = env.Topic
	enriched["qos"] = string(env.QoS)
	enriched["message_id"] = env.MessageID
	fn(enriched)
}

func (e *Engine) ingest(in transport.Inbound) {
	kind, fields, err := e.codec.Decode(in.Data)
	if err != nil {
		e.log.Warnf("engine: dropping undecodable packet from %s: %v", in.OriginHost, err)
		return
	}

	switch kind {
	case codec.KindData:
		e.ingestData(fields, in)
	case codec.KindAck:
		e.ingestAck(fields)
	default:
		e.log.Warnf("engine: dropping unexpected packet kind %q on the data transport", kind)
	}
}

func (e *Engine) ingestData(fields codec.Fields, in transport.Inbound) {
	publisherID, _ := fields["publisher_id"].(string)
	if publisherID == e.cfg.NodeID {
		return
	}

	topic, _ := fields["topic"].(string)
	messageID := toInt64(fields["message_id"])
	qos := types.QoS(toStr(fields["qos"]))

	env := types.MessageEnvelope{
		Topic:       topic,
		MessageID:   messageID,
		Timestamp:   toInt64(fields["timestamp"]),
		PublisherID: publisherID,
		QoS:         qos,
		Payload:     toPayload(fields["payload"]),
	}

	if e.dedup.SeenOrRemember(publisherID, topic, messageID, env.Key()) {
		e.metrics.IncDedupDrop()
		return
	}

	e.retain.store(env)
	e.deliverLocal(env)
	e.metrics.IncReceived(string(qos))

	if qos.IsReliable() {
		e.sendAck(messageID, in.OriginHost, in.OriginPort)
	}
}

func (e *Engine) sendAck(messageID int64, host string, port uint16) {
	encoded, err := e.codec.Encode(codec.KindAck, codec.Fields{
		"message_id":       messageID,
		"receiver_node_id": e.cfg.NodeID,
		"status":           "ok",
		"timestamp":        time.Now().UnixMilli(),
	}, codec.JSON)
	if err != nil {
		e.log.Errorf("engine: failed to encode ack for message_id=%d: %v", messageID, err)
		return
	}
	e.trans.Send(context.Background(), encoded, host, port)
}

func (e *Engine) ingestAck(fields codec.Fields) {
	messageID := toInt64(fields["message_id"])
	receiverNodeID, _ := fields["receiver_node_id"].(string)
	e.pending.AckReceived(messageID, receiverNodeID)
	e.metrics.SetPending(e.pending.Size())
}

func (e *Engine) onResend(entry types.PendingEntry) {
	e.log.Debugf("engine: resend message_id=%d to=%s attempt=%d", entry.Key.MessageID, entry.Key.ReceiverNodeID, entry.Attempt)
	e.trans.Send(context.Background(), entry.Encoded, entry.Host, entry.Port)
	e.metrics.SetPending(e.pending.Size())
}

func (e *Engine) onFailed(messageID int64, receiverNodeID string) {
	e.log.Warnf("engine: reliable delivery failed message_id=%d receiver=%s", messageID, receiverNodeID)
}

func (e *Engine) onDeadLetter(messageID int64, receiverNodeID string, attempts int, reason string) {
	e.log.Errorf("engine: dead-letter message_id=%d receiver=%s attempts=%d reason=%s", messageID, receiverNodeID, attempts, reason)
	e.metrics.IncDeadLetter()
	e.metrics.SetPending(e.pending.Size())
}

// PendingSize reports the number of reliable sends currently awaiting
// an ack, exposed for health/readiness checks and tests.
func (e *Engine) PendingSize() int {
	return e.pending.Size()
}

// DeadLetters returns a snapshot of the in-memory dead-letter ring.
func (e *Engine) DeadLetters() []types.DeadLetter {
	return e.pending.DeadLetters()
}

// PeerTableUpdated is handed to peertable.New as its OnPeerUpdated
// callback, keeping the peers_known gauge current.
func (e *Engine) PeerTableUpdated(_ types.PeerRecord) {
	e.metrics.SetPeersKnown(len(e.peers.ListPeers()))
}

// Shutdown drains the pending tracker for up to timeout, with the
// receive loop still running so acks can arrive, then stops the
// receive loop, the tracker and the transport. Discovery is the
// caller's responsibility to stop afterward.
func (e *Engine) Shutdown(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for e.pending.Size() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	e.pending.Stop()
	e.trans.Stop()
}

func containsName(list []codec.Name, name codec.Name) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}

func toInt64(v interface{}) int64 {
	switch vv := v.(type) {
	case int64:
		return vv
	case int:
		return int64(vv)
	case uint64:
		return int64(vv)
	case float64:
		return int64(vv)
	default:
		return 0
	}
}

func toStr(v interface{}) string {
	s, _ := v.(string)
	return s
}

func toPayload(v interface{}) types.Payload {
	if m, ok := v.(map[string]interface{}); ok {
		return types.Payload(m)
	}
	return types.Payload{}
}
