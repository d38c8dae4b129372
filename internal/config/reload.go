package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"

	"github.com/nodefleet/minibus/internal/logging"
)

// OnReload carries the callbacks invoked for the two fields that can
// actually change at runtime. Every other changed field is only
// logged, never applied.
type OnReload struct {
	LogLevel          func(level string)
	DiscoveryInterval func(intervalMs int64)
}

// Watcher reloads the config file on every write and diffs it against
// the last-loaded value, applying the reloadable fields and warning
// about everything else that changed.
type Watcher struct {
	path string
	log  logging.Logger
	cb   OnReload

	fw      *fsnotify.Watcher
	current Config
	done    chan struct{}
}

// Watch starts watching path for changes. initial is the config
// already in effect, used as the baseline for the first diff.
func Watch(path string, initial Config, log logging.Logger, cb OnReload) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: failed to start file watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: failed to watch %s: %w", path, err)
	}

	w := &Watcher{path: path, log: log, cb: cb, fw: fw, current: initial, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Errorf("config: watch error on %s: %v", w.path, err)
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path, w.log)
	if err != nil {
		w.log.Errorf("config: reload of %s failed, keeping previous config: %v", w.path, err)
		return
	}
	diffAndApply(w.current, next, w.log, w.cb)
	w.current = next
}

// Stop closes the underlying file watcher and waits for its goroutine
// to exit.
func (w *Watcher) Stop() {
	_ = w.fw.Close()
	<-w.done
}

// diffAndApply compares every field between old and next. The two
// runtime-reloadable fields invoke their callback when changed; every
// other changed field logs one warning naming it instead of being
// applied, since the owning component was already constructed from the
// old value and cannot safely be reconfigured in place.
func diffAndApply(old, next Config, log logging.Logger, cb OnReload) {
	warn := func(key string, changed bool) {
		if changed {
			log.Warnf("config: %s changed on reload but is not reloadable at runtime, ignoring", key)
		}
	}

	warn("node_id", old.NodeID != next.NodeID)
	warn("protocol_version", old.ProtocolVersion != next.ProtocolVersion)

	warn("discovery.enabled", old.Discovery.Enabled != next.Discovery.Enabled)
	warn("discovery.mode", old.Discovery.Mode != next.Discovery.Mode)
	warn("discovery.address", old.Discovery.Address != next.Discovery.Address)
	warn("discovery.port", old.Discovery.Port != next.Discovery.Port)
	warn("discovery.ttl", old.Discovery.TTL != next.Discovery.TTL)
	warn("discovery.expiry_seconds", old.Discovery.ExpirySeconds != next.Discovery.ExpirySeconds)

	warn("transport.default", old.Transport.Default != next.Transport.Default)
	warn("transport.udp.port", old.Transport.UDP.Port != next.Transport.UDP.Port)
	warn("transport.udp.rcvbuf", old.Transport.UDP.RcvBuf != next.Transport.UDP.RcvBuf)
	warn("transport.udp.sndbuf", old.Transport.UDP.SndBuf != next.Transport.UDP.SndBuf)
	warn("transport.tcp.listen", old.Transport.TCP.Listen != next.Transport.TCP.Listen)
	warn("transport.tcp.port", old.Transport.TCP.Port != next.Transport.TCP.Port)
	warn("transport.tcp.rcvbuf", old.Transport.TCP.RcvBuf != next.Transport.TCP.RcvBuf)
	warn("transport.tcp.sndbuf", old.Transport.TCP.SndBuf != next.Transport.TCP.SndBuf)
	warn("transport.tcp.connect_timeout_ms", old.Transport.TCP.ConnectTimeoutMs != next.Transport.TCP.ConnectTimeoutMs)
	warn("transport.tcp.heartbeat_ms", old.Transport.TCP.HeartbeatMs != next.Transport.TCP.HeartbeatMs)
	warn("transport.tcp.reconnect_backoff_ms", old.Transport.TCP.ReconnectBackoffMs != next.Transport.TCP.ReconnectBackoffMs)
	warn("transport.tcp.max_reconnect_attempts", old.Transport.TCP.MaxReconnectAttempts != next.Transport.TCP.MaxReconnectAttempts)
	warn("transport.tcp.connect", !stringSlicesEqual(old.Transport.TCP.Connect, next.Transport.TCP.Connect))

	warn("qos.default", old.QoS.Default != next.QoS.Default)
	warn("qos.reliable.ack_timeout_ms", old.QoS.Reliable.AckTimeoutMs != next.QoS.Reliable.AckTimeoutMs)
	warn("qos.reliable.max_retries", old.QoS.Reliable.MaxRetries != next.QoS.Reliable.MaxRetries)
	warn("qos.reliable.exponential_backoff", old.QoS.Reliable.ExponentialBackoff != next.QoS.Reliable.ExponentialBackoff)
	warn("qos.dedup_capacity", old.QoS.DedupCapacity != next.QoS.DedupCapacity)
	warn("qos.retain_last", old.QoS.RetainLast != next.QoS.RetainLast)

	warn("serialization.format", old.Serialization.Format != next.Serialization.Format)
	warn("serialization.supported", !stringSlicesEqual(old.Serialization.Supported, next.Serialization.Supported))
	warn("serialization.allow_json_fallback", old.Serialization.AllowJSONFallback != next.Serialization.AllowJSONFallback)

	warn("logging.file", old.Logging.File != next.Logging.File)
	warn("logging.deadletter_file", old.Logging.DeadletterFile != next.Logging.DeadletterFile)

	warn("metrics.enabled", old.Metrics.Enabled != next.Metrics.Enabled)
	warn("metrics.port", old.Metrics.Port != next.Metrics.Port)

	warn("topics", !stringSlicesEqual(old.Topics, next.Topics))

	if old.Logging.Level != next.Logging.Level {
		if cb.LogLevel != nil {
			cb.LogLevel(next.Logging.Level)
		}
	}
	if old.Discovery.IntervalMs != next.Discovery.IntervalMs {
		if cb.DiscoveryInterval != nil {
			cb.DiscoveryInterval(next.Discovery.IntervalMs)
		}
	}
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
