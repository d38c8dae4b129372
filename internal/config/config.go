// Package config loads and validates the full minibusd configuration
// contract from a YAML or JSON file, applying the same bounds and
// fallbacks as the reference implementation it was ported from.
package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/spf13/viper"

	"github.com/nodefleet/minibus/internal/logging"
)

// Discovery controls peer announcement and expiry.
type Discovery struct {
	Enabled    bool   `mapstructure:"enabled"`
	Mode       string `mapstructure:"mode"` // "broadcast" or "multicast"
	Address    string `mapstructure:"address"`
	Port       uint16 `mapstructure:"port"`
	IntervalMs int64  `mapstructure:"interval_ms"`
	TTL        int    `mapstructure:"ttl"` // multicast hop TTL, not peer expiry

	// ExpirySeconds is the peer-table liveness window: a peer silent
	// for longer than this is removed. 10s per the reference default.
	ExpirySeconds int64 `mapstructure:"expiry_seconds"`
}

// UDP configures the best-effort datagram transport.
type UDP struct {
	Port   uint16 `mapstructure:"port"`
	RcvBuf int    `mapstructure:"rcvbuf"`
	SndBuf int    `mapstructure:"sndbuf"`
}

// TCP configures the framed-stream reliable transport.
type TCP struct {
	Listen               bool     `mapstructure:"listen"`
	Port                 uint16   `mapstructure:"port"`
	Connect              []string `mapstructure:"connect"`
	RcvBuf               int      `mapstructure:"rcvbuf"`
	SndBuf               int      `mapstructure:"sndbuf"`
	ConnectTimeoutMs     int      `mapstructure:"connect_timeout_ms"`
	HeartbeatMs          int      `mapstructure:"heartbeat_ms"`
	ReconnectBackoffMs   int      `mapstructure:"reconnect_backoff_ms"`
	MaxReconnectAttempts int      `mapstructure:"max_reconnect_attempts"`
}

// ConnectTarget is a parsed entry from TCP.Connect.
type ConnectTarget struct {
	Host string
	Port uint16
}

// ConnectTargets parses every TCP.Connect entry as host:port, skipping
// and warning on malformed entries rather than failing the whole load.
func (t TCP) ConnectTargets(log logging.Logger) []ConnectTarget {
	targets := make([]ConnectTarget, 0, len(t.Connect))
	for _, raw := range t.Connect {
		host, portStr, err := net.SplitHostPort(raw)
		if err != nil {
			log.Warnf("config: transport.tcp.connect entry %q is not host:port, skipping", raw)
			continue
		}
		var port uint16
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil || port == 0 {
			log.Warnf("config: transport.tcp.connect entry %q has an invalid port, skipping", raw)
			continue
		}
		targets = append(targets, ConnectTarget{Host: host, Port: port})
	}
	return targets
}

// Transport groups both wire transports and names the default one,
// which is the single data transport minibusd builds.
type Transport struct {
	Default string `mapstructure:"default"` // "udp" or "tcp"
	UDP     UDP    `mapstructure:"udp"`
	TCP     TCP    `mapstructure:"tcp"`
}

// Reliable configures the retry/backoff/dead-letter state machine.
type Reliable struct {
	AckTimeoutMs       int64 `mapstructure:"ack_timeout_ms"`
	MaxRetries         int   `mapstructure:"max_retries"`
	ExponentialBackoff bool  `mapstructure:"exponential_backoff"`
}

// QoS groups delivery-guarantee settings.
type QoS struct {
	Default       string   `mapstructure:"default"` // "best_effort" or "reliable"
	Reliable      Reliable `mapstructure:"reliable"`
	DedupCapacity int      `mapstructure:"dedup_capacity"`
	RetainLast    bool     `mapstructure:"retain_last"`
}

// Serialization configures wire codec preference and negotiation.
type Serialization struct {
	Format            string   `mapstructure:"format"` // preferred codec
	Supported         []string `mapstructure:"supported"`
	AllowJSONFallback bool     `mapstructure:"allow_json_fallback"`
}

// Logging configures the leveled logger and the dead-letter ndjson sink.
type Logging struct {
	Level          string `mapstructure:"level"`
	File           string `mapstructure:"file"`
	DeadletterFile string `mapstructure:"deadletter_file"`
}

// Metrics configures the Prometheus exposition endpoint.
type Metrics struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    uint16 `mapstructure:"port"`
}

// Config is the full minibusd configuration contract.
type Config struct {
	NodeID          string `mapstructure:"node_id"`
	ProtocolVersion int    `mapstructure:"protocol_version"`

	Discovery     Discovery     `mapstructure:"discovery"`
	Transport     Transport     `mapstructure:"transport"`
	QoS           QoS           `mapstructure:"qos"`
	Serialization Serialization `mapstructure:"serialization"`
	Logging       Logging       `mapstructure:"logging"`
	Metrics       Metrics       `mapstructure:"metrics"`

	Topics []string `mapstructure:"topics"`
}

// Default returns the baseline configuration applied before a file is
// read, and the values validation falls back to when a file entry is
// out of range, except discovery.port (falls back to 39001) and
// discovery.interval_ms (floored at 200).
func Default() Config {
	return Config{
		NodeID:          "node-1",
		ProtocolVersion: 1,
		Discovery: Discovery{
			Enabled:       true,
			Mode:          "broadcast",
			Address:       "239.255.0.1",
			Port:          45454,
			IntervalMs:    1000,
			TTL:           1,
			ExpirySeconds: 10,
		},
		Transport: Transport{
			Default: "udp",
			UDP: UDP{
				Port:   38020,
				RcvBuf: 262144,
				SndBuf: 262144,
			},
			TCP: TCP{
				Listen:               true,
				Port:                 38030,
				RcvBuf:               262144,
				SndBuf:               262144,
				ConnectTimeoutMs:     1500,
				HeartbeatMs:          0,
				ReconnectBackoffMs:   500,
				MaxReconnectAttempts: 10,
			},
		},
		QoS: QoS{
			Default: "best_effort",
			Reliable: Reliable{
				AckTimeoutMs:       200,
				MaxRetries:         3,
				ExponentialBackoff: true,
			},
			DedupCapacity: 2048,
			RetainLast:    false,
		},
		Serialization: Serialization{
			Format:            "json",
			Supported:         []string{"json", "cbor"},
			AllowJSONFallback: true,
		},
		Logging: Logging{
			Level:          "info",
			File:           "logs/minibus.log",
			DeadletterFile: "logs/minibus_deadletter.ndjson",
		},
		Metrics: Metrics{
			Enabled: true,
			Port:    9100,
		},
	}
}

// Load reads path (YAML or JSON, detected by extension) over the
// defaults and validates the result, applying bounded fallbacks and
// logging a warning for every value it had to correct.
func Load(path string, log logging.Logger) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: failed to decode %s: %w", path, err)
	}

	validate(&cfg, log)
	return cfg, nil
}

func validate(cfg *Config, log logging.Logger) {
	def := Default()

	cfg.Discovery.Mode = strings.ToLower(cfg.Discovery.Mode)
	if cfg.Discovery.Mode != "broadcast" && cfg.Discovery.Mode != "multicast" {
		log.Warnf("config: discovery.mode must be 'broadcast' or 'multicast', got %q, falling back to %q", cfg.Discovery.Mode, def.Discovery.Mode)
		cfg.Discovery.Mode = def.Discovery.Mode
	}

	if cfg.Discovery.Port < 1024 {
		log.Warnf("config: discovery.port %d out of range (1024-65535), falling back to 39001", cfg.Discovery.Port)
		cfg.Discovery.Port = 39001
	}

	if cfg.Discovery.IntervalMs < 200 {
		log.Warnf("config: discovery.interval_ms %d too low, flooring to 200", cfg.Discovery.IntervalMs)
		cfg.Discovery.IntervalMs = 200
	}

	if cfg.Discovery.ExpirySeconds <= 0 {
		log.Warnf("config: discovery.expiry_seconds must be positive, got %d, falling back to %d", cfg.Discovery.ExpirySeconds, def.Discovery.ExpirySeconds)
		cfg.Discovery.ExpirySeconds = def.Discovery.ExpirySeconds
	}

	if cfg.Discovery.Mode == "multicast" && !isMulticastIPv4(cfg.Discovery.Address) {
		log.Warnf("config: discovery.address %q is not a valid IPv4 multicast address, falling back to %q", cfg.Discovery.Address, def.Discovery.Address)
		cfg.Discovery.Address = def.Discovery.Address
	}

	cfg.Transport.Default = strings.ToLower(cfg.Transport.Default)
	if cfg.Transport.Default != "udp" && cfg.Transport.Default != "tcp" {
		log.Warnf("config: transport.default must be 'udp' or 'tcp', got %q, falling back to %q", cfg.Transport.Default, def.Transport.Default)
		cfg.Transport.Default = def.Transport.Default
	}

	if cfg.QoS.Default != "best_effort" && cfg.QoS.Default != "reliable" {
		log.Warnf("config: qos.default must be 'best_effort' or 'reliable', got %q, falling back to %q", cfg.QoS.Default, def.QoS.Default)
		cfg.QoS.Default = def.QoS.Default
	}

	if cfg.QoS.DedupCapacity <= 0 {
		log.Warnf("config: qos.dedup_capacity must be positive, got %d, falling back to %d", cfg.QoS.DedupCapacity, def.QoS.DedupCapacity)
		cfg.QoS.DedupCapacity = def.QoS.DedupCapacity
	}

	if cfg.QoS.Reliable.MaxRetries < 0 {
		log.Warnf("config: qos.reliable.max_retries must not be negative, got %d, falling back to %d", cfg.QoS.Reliable.MaxRetries, def.QoS.Reliable.MaxRetries)
		cfg.QoS.Reliable.MaxRetries = def.QoS.Reliable.MaxRetries
	}

	if cfg.QoS.Reliable.AckTimeoutMs <= 0 {
		log.Warnf("config: qos.reliable.ack_timeout_ms must be positive, got %d, falling back to %d", cfg.QoS.Reliable.AckTimeoutMs, def.QoS.Reliable.AckTimeoutMs)
		cfg.QoS.Reliable.AckTimeoutMs = def.QoS.Reliable.AckTimeoutMs
	}

	if len(cfg.Serialization.Supported) == 0 {
		cfg.Serialization.Supported = []string{cfg.Serialization.Format}
	}
	if cfg.Serialization.Format != "json" && cfg.Serialization.Format != "cbor" {
		log.Warnf("config: serialization.format must be 'json' or 'cbor', got %q, falling back to %q", cfg.Serialization.Format, def.Serialization.Format)
		cfg.Serialization.Format = def.Serialization.Format
	}

	if _, err := logrusParseable(cfg.Logging.Level); err != nil {
		log.Warnf("config: logging.level %q is not recognized, falling back to %q", cfg.Logging.Level, def.Logging.Level)
		cfg.Logging.Level = def.Logging.Level
	}
}

func isMulticastIPv4(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && ip.To4() != nil && ip.IsMulticast()
}

// logrusParseable mirrors logging.Logger.SetLevel's accepted names
// without importing logrus here, so validation can reject an
// unrecognized level before it ever reaches the logger.
func logrusParseable(level string) (string, error) {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error", "fatal", "panic", "trace":
		return level, nil
	default:
		return "", fmt.Errorf("unrecognized level %q", level)
	}
}
