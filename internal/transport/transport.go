// Package transport owns the UDP socket the circuit layer sends and
// receives LLUDP datagrams over, plus the three ways that socket can reach
// the simulator: directly, through a manually configured SOCKS5 proxy, or
// through a transparent SOCKS5 proxy that also handles the control-channel
// handshake.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/postalsys/gridwire/internal/config"
	"github.com/postalsys/gridwire/internal/logging"
	"golang.org/x/net/proxy"
)

// ErrFragmentedDatagram is returned when a SOCKS5-relayed datagram declares
// a non-zero fragment number. Fragmentation is not supported.
var ErrFragmentedDatagram = errors.New("transport: fragmented datagrams not supported")

// Datagram is one inbound UDP payload plus the simulator address it arrived
// from.
type Datagram struct {
	Data []byte
	From *net.UDPAddr
}

// Socket is the UDP transport used for all LLUDP traffic. In direct mode it
// wraps a plain *net.UDPConn; in either SOCKS5 mode it wraps/unwraps the
// RFC 1928 §7 UDP header on every datagram, and in manual SOCKS5 mode it
// additionally holds the control connection.
type Socket struct {
	cfg    config.ProxyConfig
	logger logging.Logger

	conn       *net.UDPConn
	controlTCP net.Conn // only set in manual SOCKS5 mode
	relayAddr  *net.UDPAddr
}

// Dial opens the transport socket according to cfg. listenPort 0 lets the
// OS choose an ephemeral port.
func Dial(ctx context.Context, cfg config.ProxyConfig, listenPort int, logger logging.Logger) (*Socket, error) {
	switch cfg.Mode {
	case config.ProxyDirect, "":
		return dialDirect(listenPort, cfg, logger)
	case config.ProxyManualSocks5:
		return dialSocks5(ctx, cfg, logger)
	case config.ProxyTransparentSocks5:
		return dialTransparentSocks5(cfg, logger)
	default:
		return nil, fmt.Errorf("transport: unknown proxy mode %q", cfg.Mode)
	}
}

func dialDirect(listenPort int, cfg config.ProxyConfig, logger logging.Logger) (*Socket, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: listenPort})
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp: %w", err)
	}
	logger.Info("udp socket bound", logging.KeyLocalAddr, conn.LocalAddr().String(), logging.KeyTransport, "direct")
	return &Socket{cfg: cfg, logger: logger, conn: conn}, nil
}

// dialTransparentSocks5 sets up the transparent proxy mode: the same RFC
// 1928 §7 per-datagram wrapping as manual mode, but datagrams go to the
// proxy's own address with no control-channel UDP ASSOCIATE; the external
// proxy recovers the original destination from the wrapper itself.
func dialTransparentSocks5(cfg config.ProxyConfig, logger logging.Logger) (*Socket, error) {
	if cfg.Address == "" {
		return nil, errors.New("transport: socks5 proxy address is required")
	}
	proxyAddr, err := net.ResolveUDPAddr("udp4", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve transparent proxy address: %w", err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp: %w", err)
	}

	logger.Info("transparent socks5 relay configured",
		logging.KeyRemoteAddr, proxyAddr.String(),
		logging.KeyTransport, string(cfg.Mode))

	return &Socket{cfg: cfg, logger: logger, conn: conn, relayAddr: proxyAddr}, nil
}

// dialSocks5 establishes the SOCKS5 control connection, issues a UDP
// ASSOCIATE request, and binds the local relay socket the returned relay
// address forwards to.
func dialSocks5(ctx context.Context, cfg config.ProxyConfig, logger logging.Logger) (*Socket, error) {
	if cfg.Address == "" {
		return nil, errors.New("transport: socks5 proxy address is required")
	}

	var auth *proxy.Auth
	if cfg.Username != "" {
		auth = &proxy.Auth{User: cfg.Username, Password: cfg.Password}
	}

	dialer, err := proxy.SOCKS5("tcp", cfg.Address, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("transport: build socks5 dialer: %w", err)
	}

	ctxDialer, ok := dialer.(proxy.ContextDialer)
	var controlConn net.Conn
	if ok {
		controlConn, err = ctxDialer.DialContext(ctx, "tcp", cfg.Address)
	} else {
		controlConn, err = dialer.Dial("tcp", cfg.Address)
	}
	if err != nil {
		return nil, fmt.Errorf("transport: dial socks5 control connection: %w", err)
	}

	relayAddr, err := socks5UDPAssociate(controlConn)
	if err != nil {
		controlConn.Close()
		return nil, fmt.Errorf("transport: udp associate: %w", err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		controlConn.Close()
		return nil, fmt.Errorf("transport: listen udp: %w", err)
	}

	logger.Info("socks5 udp associate established",
		logging.KeyRemoteAddr, relayAddr.String(),
		logging.KeyTransport, string(cfg.Mode))

	return &Socket{
		cfg:        cfg,
		logger:     logger,
		conn:       conn,
		controlTCP: controlConn,
		relayAddr:  relayAddr,
	}, nil
}

// LocalAddr returns the address the engine's own UDP socket is bound to
// (not the proxy relay address).
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// SendTo writes a raw LLUDP datagram to dest, wrapping it in the SOCKS5
// UDP header first if a relay is in use.
func (s *Socket) SendTo(data []byte, dest *net.UDPAddr) error {
	if s.relayAddr == nil {
		_, err := s.conn.WriteToUDP(data, dest)
		return err
	}

	header := buildUDPHeader(AddrTypeIPv4, dest.IP.To4(), uint16(dest.Port))
	packet := make([]byte, len(header)+len(data))
	copy(packet, header)
	copy(packet[len(header):], data)
	_, err := s.conn.WriteToUDP(packet, s.relayAddr)
	return err
}

// Recv blocks until a datagram arrives, returning the payload (already
// unwrapped from any SOCKS5 header) and the simulator address it is from.
func (s *Socket) Recv(buf []byte) (Datagram, error) {
	n, from, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return Datagram{}, err
	}

	if s.relayAddr == nil {
		return Datagram{Data: buf[:n], From: from}, nil
	}

	hdr, payload, err := parseUDPHeader(buf[:n])
	if err != nil {
		return Datagram{}, err
	}
	simAddr := &net.UDPAddr{IP: hdr.Address, Port: int(hdr.Port)}
	return Datagram{Data: payload, From: simAddr}, nil
}

// Close releases the UDP socket and, if open, the SOCKS5 control
// connection.
func (s *Socket) Close() error {
	var errs []error
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.controlTCP != nil {
		if err := s.controlTCP.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
