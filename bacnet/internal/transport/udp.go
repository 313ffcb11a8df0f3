// Package transport provides the BACnet/IP datagram link
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"
)

// ErrClosed is returned by operations on a closed socket
var ErrClosed = errors.New("transport: socket closed")

// maxDatagram covers the largest BACnet/IP frame (1476 octet APDU plus headers)
const maxDatagram = 1500

// UDPSocket is a bound BACnet/IP UDP endpoint
type UDPSocket struct {
	conn         *net.UDPConn
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
}

// Listen binds a UDP socket on iface:port. An empty iface binds every
// local address, port 0 picks an ephemeral port.
func Listen(iface string, port int, writeTimeout time.Duration) (*UDPSocket, error) {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(iface, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("resolve local address: %w", err)
	}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	return &UDPSocket{conn: conn, writeTimeout: writeTimeout}, nil
}

// LocalAddr returns the bound address
func (s *UDPSocket) LocalAddr() netip.AddrPort {
	ap := s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Send writes one datagram to addr
func (s *UDPSocket) Send(addr netip.AddrPort, data []byte) error {
	if s.IsClosed() {
		return ErrClosed
	}

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}

	n, err := s.conn.WriteToUDPAddrPort(data, addr)
	if err != nil {
		return fmt.Errorf("write UDP: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("partial write: %d of %d bytes", n, len(data))
	}
	return nil
}

// Broadcast writes one datagram to the broadcast address host:port
func (s *UDPSocket) Broadcast(host string, port int, data []byte) error {
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("broadcast address: %w", err)
	}
	return s.Send(netip.AddrPortFrom(ip.Unmap(), uint16(port)), data)
}

// Receive blocks until a datagram arrives or the socket is closed, in
// which case it returns ErrClosed.
func (s *UDPSocket) Receive() ([]byte, netip.AddrPort, error) {
	buf := make([]byte, maxDatagram)
	n, from, err := s.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if s.IsClosed() || errors.Is(err, net.ErrClosed) {
			return nil, netip.AddrPort{}, ErrClosed
		}
		return nil, netip.AddrPort{}, err
	}
	return buf[:n], netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), nil
}

// Close closes the socket, unblocking Receive
func (s *UDPSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// IsClosed returns true if the socket is closed
func (s *UDPSocket) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
