package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/nodefleet/minibus/internal/logging"
)

// Frame message types, per the wire format: 4-byte big-endian length
// (covering 1-byte msg_type + payload), then payload.
const (
	FrameData uint8 = 0x01
	FrameAck  uint8 = 0x02
)

const maxFrameLen = 16 << 20

// StreamConfig configures a StreamTransport.
type StreamConfig struct {
	// Listen, when non-empty, is the local "host:port" to accept
	// inbound connections on.
	Listen string

	// Connect is the list of "host:port" peers to dial and keep
	// reconnecting to.
	Connect []string

	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	ReconnectBackoff     time.Duration
	MaxReconnectAttempts int
}

// streamConn wraps one live TCP connection with the mutex guarding writes.
type streamConn struct {
	mu sync.Mutex
	c  net.Conn
}

func (s *streamConn) writeFrame(msgType uint8, payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return false
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(1+len(payload)))
	if _, err := s.c.Write(header); err != nil {
		return false
	}
	if _, err := s.c.Write([]byte{msgType}); err != nil {
		return false
	}
	if _, err := s.c.Write(payload); err != nil {
		return false
	}
	return true
}

// StreamTransport is a length-prefixed framed TCP Transport. It can
// simultaneously accept inbound connections (Listen) and maintain
// outbound connections to a fixed peer list (Connect), reconnecting
// each with a fixed backoff up to a bounded number of attempts.
type StreamTransport struct {
	cfg     StreamConfig
	log     logging.Logger
	ln      net.Listener
	inbound chan Inbound
	done    chan struct{}
	wg      sync.WaitGroup

	mu    sync.Mutex
	conns map[string]*streamConn // keyed by "host:port" for Connect entries
}

// NewStream starts a StreamTransport per cfg: binding the listener (if
// requested) and dialing every Connect entry in the background.
func NewStream(cfg StreamConfig, log logging.Logger) (*StreamTransport, error) {
	t := &StreamTransport{
		cfg:     cfg,
		log:     log,
		inbound: make(chan Inbound, 256),
		done:    make(chan struct{}),
		conns:   make(map[string]*streamConn),
	}

	if cfg.Listen != "" {
		ln, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			log.Warnf("transport: tcp listen on %s failed (%v), retrying on ephemeral port", cfg.Listen, err)
			ln, err = net.Listen("tcp", "0.0.0.0:0")
			if err != nil {
				return nil, fmt.Errorf("transport: stream unusable after ephemeral retry: %w", err)
			}
		}
		t.ln = ln
		t.wg.Add(1)
		go t.acceptLoop()
	}

	for _, addr := range cfg.Connect {
		t.wg.Add(1)
		go t.dialLoop(addr)
	}

	return t, nil
}

func (t *StreamTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		c, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				t.log.Debugf("transport: accept error: %v", err)
				return
			}
		}
		t.wg.Add(1)
		go t.readLoop(c, c.RemoteAddr().String())
	}
}

// dialLoop connects to addr and, on disconnect, retries with a fixed
// backoff up to MaxReconnectAttempts (0 means unbounded).
func (t *StreamTransport) dialLoop(addr string) {
	defer t.wg.Done()
	attempts := 0
	for {
		select {
		case <-t.done:
			return
		default:
		}

		timeout := t.cfg.ConnectTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		c, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			attempts++
			t.log.Warnf("transport: dial %s failed (attempt %d): %v", addr, attempts, err)
			if t.cfg.MaxReconnectAttempts > 0 && attempts >= t.cfg.MaxReconnectAttempts {
				t.log.Errorf("transport: giving up on %s after %d attempts", addr, attempts)
				return
			}
			backoff := t.cfg.ReconnectBackoff
			if backoff <= 0 {
				backoff = time.Second
			}
			select {
			case <-time.After(backoff):
				continue
			case <-t.done:
				return
			}
		}

		attempts = 0
		sc := &streamConn{c: c}
		t.mu.Lock()
		t.conns[addr] = sc
		t.mu.Unlock()
		t.log.Infof("transport: connected to %s", addr)

		t.wg.Add(1)
		t.readLoop(c, addr)

		t.mu.Lock()
		delete(t.conns, addr)
		t.mu.Unlock()
		t.log.Warnf("transport: disconnected from %s, reconnecting", addr)
	}
}

func (t *StreamTransport) readLoop(c net.Conn, key string) {
	defer t.wg.Done()
	defer c.Close()
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(c, header); err != nil {
			return
		}
		length := binary.BigEndian.Uint32(header)
		if length == 0 || length > maxFrameLen {
			t.log.Warnf("transport: dropping frame with invalid length %d from %s", length, key)
			return
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(c, body); err != nil {
			return
		}
		// body[0] is the msg_type (FrameData/FrameAck); the bus engine
		// only cares about the payload, the type byte is metadata for
		// transports that multiplex both kinds on one connection.
		if len(body) < 1 {
			continue
		}
		payload := make([]byte, len(body)-1)
		copy(payload, body[1:])

		host, portStr, err := net.SplitHostPort(c.RemoteAddr().String())
		if err != nil {
			host, portStr = c.RemoteAddr().String(), "0"
		}
		var port uint16
		fmt.Sscanf(portStr, "%d", &port)

		select {
		case t.inbound <- Inbound{Data: payload, OriginHost: host, OriginPort: port}:
		case <-t.done:
			return
		}
	}
}

// Send writes a framed Data message to the live connection for
// host:port, if one was established via Connect. A connection accepted
// inbound is not addressable by the caller and is receive-only.
func (t *StreamTransport) Send(_ context.Context, data []byte, host string, port uint16) bool {
	addr := fmt.Sprintf("%s:%d", host, port)
	t.mu.Lock()
	sc, ok := t.conns[addr]
	t.mu.Unlock()
	if !ok {
		t.log.Warnf("transport: no stream connection to %s", addr)
		return false
	}
	return sc.writeFrame(FrameData, data)
}

// BoundPort implements Transport.
func (t *StreamTransport) BoundPort() uint16 {
	if t.ln == nil {
		return 0
	}
	return uint16(t.ln.Addr().(*net.TCPAddr).Port)
}

// Inbound implements Transport.
func (t *StreamTransport) Inbound() <-chan Inbound {
	return t.inbound
}

// Stop implements Transport.
func (t *StreamTransport) Stop() {
	close(t.done)
	if t.ln != nil {
		_ = t.ln.Close()
	}
	t.mu.Lock()
	for _, sc := range t.conns {
		sc.mu.Lock()
		if sc.c != nil {
			sc.c.Close()
		}
		sc.mu.Unlock()
	}
	t.mu.Unlock()
	t.wg.Wait()
	close(t.inbound)
}
