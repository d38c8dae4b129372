package transport

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"

	"github.com/nodefleet/minibus/internal/logging"
)

// UDPConfig describes how to bind a UDPTransport.
type UDPConfig struct {
	// Port to bind. 0 requests an ephemeral port.
	Port uint16

	// Multicast, when non-empty, is an IPv4 multicast group (224.0.0.0/4)
	// to join at bind time in addition to the unicast bind.
	Multicast string
	TTL       int

	RecvBufBytes int
	SendBufBytes int
}

// UDPTransport is a connectionless datagram Transport backed by a
// single net.UDPConn, used for both discovery announcements and
// best-effort/reliable data delivery.
type UDPTransport struct {
	conn    *net.UDPConn
	pconn   *ipv4.PacketConn
	inbound chan Inbound
	done    chan struct{}
	log     logging.Logger
}

// NewUDP binds a UDPTransport per cfg. On bind failure it retries once
// on an ephemeral port (spec: a transport that still cannot bind is
// unusable and the caller must refuse to start).
func NewUDP(cfg UDPConfig, log logging.Logger) (*UDPTransport, error) {
	t, err := bindUDP(cfg, log)
	if err != nil {
		log.Warnf("transport: bind on port %d failed (%v), retrying on ephemeral port", cfg.Port, err)
		retry := cfg
		retry.Port = 0
		t, err = bindUDP(retry, log)
		if err != nil {
			return nil, fmt.Errorf("transport: unusable after ephemeral retry: %w", err)
		}
	}
	return t, nil
}

func bindUDP(cfg UDPConfig, log logging.Logger) (*UDPTransport, error) {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: int(cfg.Port)}

	var conn *net.UDPConn
	var pconn *ipv4.PacketConn
	var err error

	if cfg.Multicast != "" {
		group := net.ParseIP(cfg.Multicast)
		if group == nil {
			return nil, fmt.Errorf("transport: invalid multicast address %q", cfg.Multicast)
		}
		conn, err = net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: int(cfg.Port)})
		if err != nil {
			return nil, err
		}
		pconn = ipv4.NewPacketConn(conn)
		ttl := cfg.TTL
		if ttl <= 0 {
			ttl = 1
		}
		if err := pconn.SetMulticastTTL(ttl); err != nil {
			log.Warnf("transport: set multicast TTL failed: %v", err)
		}
		ifaces, _ := net.Interfaces()
		joined := false
		for _, iface := range ifaces {
			if err := pconn.JoinGroup(&iface, &net.UDPAddr{IP: group}); err == nil {
				joined = true
			}
		}
		if !joined {
			log.Warnf("transport: joinMulticastGroup failed for %s on every interface", cfg.Multicast)
		}
	} else {
		conn, err = net.ListenUDP("udp4", addr)
		if err != nil {
			return nil, err
		}
	}

	if cfg.RecvBufBytes > 0 {
		_ = conn.SetReadBuffer(cfg.RecvBufBytes)
	}
	if cfg.SendBufBytes > 0 {
		_ = conn.SetWriteBuffer(cfg.SendBufBytes)
	}

	t := &UDPTransport{
		conn:    conn,
		pconn:   pconn,
		inbound: make(chan Inbound, 256),
		done:    make(chan struct{}),
		log:     log,
	}
	go t.poll()
	return t, nil
}

func (t *UDPTransport) poll() {
	defer close(t.inbound)
	buf := make([]byte, 65507)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				t.log.Debugf("transport: udp read error: %v", err)
				return
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case t.inbound <- Inbound{Data: data, OriginHost: from.IP.String(), OriginPort: uint16(from.Port)}:
		case <-t.done:
			return
		}
	}
}

// Send implements Transport. A host of "255.255.255.255" or a
// configured multicast group address behaves like any other
// destination; the caller decides broadcast vs. unicast by address.
func (t *UDPTransport) Send(_ context.Context, data []byte, host string, port uint16) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		resolved, err := net.ResolveIPAddr("ip4", host)
		if err != nil {
			t.log.Errorf("transport: resolve %s failed: %v", host, err)
			return false
		}
		ip = resolved.IP
	}
	n, err := t.conn.WriteToUDP(data, &net.UDPAddr{IP: ip, Port: int(port)})
	if err != nil {
		t.log.Errorf("transport: send to %s:%d failed: %v", host, port, err)
		return false
	}
	return n == len(data)
}

// BoundPort implements Transport.
func (t *UDPTransport) BoundPort() uint16 {
	return uint16(t.conn.LocalAddr().(*net.UDPAddr).Port)
}

// Inbound implements Transport.
func (t *UDPTransport) Inbound() <-chan Inbound {
	return t.inbound
}

// Stop implements Transport.
func (t *UDPTransport) Stop() {
	close(t.done)
	_ = t.conn.Close()
}
