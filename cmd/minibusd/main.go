// Command minibusd runs a single bus node: discovery, transports, and
// the bus engine, wired from a YAML/JSON configuration file.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nodefleet/minibus/internal/config"
	"github.com/nodefleet/minibus/internal/logging"
	"github.com/nodefleet/minibus/pkg/bus/codec"
	"github.com/nodefleet/minibus/pkg/bus/engine"
	"github.com/nodefleet/minibus/pkg/bus/metrics"
	"github.com/nodefleet/minibus/pkg/bus/pending"
	"github.com/nodefleet/minibus/pkg/bus/peertable"
	"github.com/nodefleet/minibus/pkg/bus/transport"
	"github.com/nodefleet/minibus/pkg/bus/types"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "minibusd",
		Short:        "A LAN-local publish/subscribe bus node",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "minibus.yaml", "path to the configuration file")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newConfigCmd(&configPath))
	return root
}

func newConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Validate and print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			cfg, err := config.Load(*configPath, log)
			if err != nil {
				return err
			}
			fmt.Printf("%+v\n", cfg)
			return nil
		},
	}
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bus node and block until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(*configPath)
		},
	}
}

func run(configPath string) error {
	bootLog := logging.New()

	cfg, err := config.Load(configPath, bootLog)
	if err != nil {
		return fmt.Errorf("minibusd: %w", err)
	}

	log, err := logForTarget(cfg.Logging.File, bootLog)
	if err != nil {
		return fmt.Errorf("minibusd: %w", err)
	}
	log.SetLevel(cfg.Logging.Level)

	promReg := prometheus.NewRegistry()
	reg := metrics.New(promReg, "minibus")
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = startMetricsServer(promReg, cfg.Metrics.Port, log)
	}

	discTrans, err := transport.NewUDP(transport.UDPConfig{
		Port:         cfg.Discovery.Port,
		Multicast:    multicastGroup(cfg),
		TTL:          cfg.Discovery.TTL,
		RecvBufBytes: cfg.Transport.UDP.RcvBuf,
		SendBufBytes: cfg.Transport.UDP.SndBuf,
	}, log)
	if err != nil {
		return fmt.Errorf("minibusd: discovery transport: %w", err)
	}

	dataTrans, err := newDataTransport(cfg, log)
	if err != nil {
		discTrans.Stop()
		return fmt.Errorf("minibusd: data transport: %w", err)
	}

	var sink pending.DeadLetterSink
	if fileSink, err := pending.NewFileSink(cfg.Logging.DeadletterFile); err != nil {
		log.Warnf("minibusd: could not open dead-letter log %s: %v, continuing without persistence", cfg.Logging.DeadletterFile, err)
	} else {
		sink = fileSink
	}

	var streamPort uint16
	if cfg.Transport.Default == "tcp" {
		streamPort = dataTrans.BoundPort()
	}

	var bus *engine.Engine
	table := peertable.New(peertable.Config{
		NodeID:          cfg.NodeID,
		Mode:            peertable.Mode(cfg.Discovery.Mode),
		Address:         cfg.Discovery.Address,
		Port:            cfg.Discovery.Port,
		IntervalMs:      cfg.Discovery.IntervalMs,
		TTLSeconds:      cfg.Discovery.ExpirySeconds,
		ProtocolVersion: cfg.ProtocolVersion,
		Topics:          cfg.Topics,
		Codecs:          cfg.Serialization.Supported,
		DataPort:        dataTrans.BoundPort(),
		StreamPort:      streamPort,
	}, discTrans, log, func(rec types.PeerRecord) {
		if bus != nil {
			bus.PeerTableUpdated(rec)
		}
	})

	bus = engine.New(engine.Config{
		NodeID:             cfg.NodeID,
		ProtocolVersion:    cfg.ProtocolVersion,
		PreferredCodecs:    preferredCodecs(cfg),
		AllowJSONFallback:  cfg.Serialization.AllowJSONFallback,
		DedupCapacity:      cfg.QoS.DedupCapacity,
		RetainLast:         cfg.QoS.RetainLast,
		AckTimeoutMs:       cfg.QoS.Reliable.AckTimeoutMs,
		MaxRetries:         cfg.QoS.Reliable.MaxRetries,
		ExponentialBackoff: cfg.QoS.Reliable.ExponentialBackoff,
		DataPort:           dataTrans.BoundPort(),
	}, log, dataTrans, table, reg, sink)

	ctx, cancel := context.WithCancel(context.Background())
	table.Start(ctx)
	bus.Start(ctx)

	watcher, err := config.Watch(configPath, cfg, log, config.OnReload{
		LogLevel:          func(level string) { log.SetLevel(level) },
		DiscoveryInterval: func(int64) { log.Warnf("minibusd: discovery.interval_ms changed on disk; restart to apply it") },
	})
	if err != nil {
		log.Warnf("minibusd: config hot-reload disabled: %v", err)
	}

	log.Infof("minibusd: node %s listening, discovery on %s:%d, data on port %d", cfg.NodeID, cfg.Discovery.Address, cfg.Discovery.Port, dataTrans.BoundPort())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Infof("minibusd: shutting down")
	if watcher != nil {
		watcher.Stop()
	}
	bus.Shutdown(5 * time.Second)
	table.Stop()
	cancel()
	discTrans.Stop()
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// startMetricsServer exposes reg on /metrics, grounded on the standard
// promhttp.HandlerFor wiring; a bind failure is logged and metrics are
// simply unavailable rather than aborting node startup.
func startMetricsServer(reg *prometheus.Registry, port uint16, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnf("minibusd: metrics server stopped: %v", err)
		}
	}()
	return srv
}

func logForTarget(path string, fallback logging.Logger) (logging.Logger, error) {
	if path == "" {
		return fallback, nil
	}
	return logging.NewToFile(path)
}

func multicastGroup(cfg config.Config) string {
	if cfg.Discovery.Mode == "multicast" {
		return cfg.Discovery.Address
	}
	return ""
}

func preferredCodecs(cfg config.Config) []codec.Name {
	names := make([]codec.Name, 0, len(cfg.Serialization.Supported)+1)
	names = append(names, codec.Name(cfg.Serialization.Format))
	for _, s := range cfg.Serialization.Supported {
		if codec.Name(s) != names[0] {
			names = append(names, codec.Name(s))
		}
	}
	return names
}

func newDataTransport(cfg config.Config, log logging.Logger) (transport.Transport, error) {
	switch cfg.Transport.Default {
	case "tcp":
		targets := cfg.Transport.TCP.ConnectTargets(log)
		connect := make([]string, 0, len(targets))
		for _, target := range targets {
			connect = append(connect, fmt.Sprintf("%s:%d", target.Host, target.Port))
		}
		listen := ""
		if cfg.Transport.TCP.Listen {
			listen = fmt.Sprintf(":%d", cfg.Transport.TCP.Port)
		}
		return transport.NewStream(transport.StreamConfig{
			Listen:               listen,
			Connect:              connect,
			ConnectTimeout:       time.Duration(cfg.Transport.TCP.ConnectTimeoutMs) * time.Millisecond,
			HeartbeatInterval:    time.Duration(cfg.Transport.TCP.HeartbeatMs) * time.Millisecond,
			ReconnectBackoff:     time.Duration(cfg.Transport.TCP.ReconnectBackoffMs) * time.Millisecond,
			MaxReconnectAttempts: cfg.Transport.TCP.MaxReconnectAttempts,
		}, log)
	default:
		return transport.NewUDP(transport.UDPConfig{
			Port:         cfg.Transport.UDP.Port,
			RecvBufBytes: cfg.Transport.UDP.RcvBuf,
			SendBufBytes: cfg.Transport.UDP.SndBuf,
		}, log)
	}
}
