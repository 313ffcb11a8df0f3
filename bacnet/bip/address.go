package bip

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/edgeo-scada/bacnet/bacnet"
	"github.com/edgeo-scada/bacnet/bacnet/internal/codec"
)

// parseAddress resolves a device address in the form produced by
// bacnet.Address.String: "host", "host:port", or "net:mac@host[:port]"
// for a device behind a router, with mac in hex.
func parseAddress(s string) (netip.AddrPort, *codec.Route, error) {
	var route *codec.Route
	host := strings.TrimSpace(s)

	if prefix, rest, ok := strings.Cut(host, "@"); ok {
		netStr, macStr, ok := strings.Cut(prefix, ":")
		if !ok {
			return netip.AddrPort{}, nil, fmt.Errorf("bip: address %q: route must be net:mac", s)
		}
		n, err := strconv.ParseUint(netStr, 10, 16)
		if err != nil {
			return netip.AddrPort{}, nil, fmt.Errorf("bip: address %q: network number: %w", s, err)
		}
		mac, err := hex.DecodeString(macStr)
		if err != nil {
			return netip.AddrPort{}, nil, fmt.Errorf("bip: address %q: mac: %w", s, err)
		}
		route = &codec.Route{Net: uint16(n), MAC: mac}
		host = rest
	}

	ap, err := resolveHostPort(host, bacnet.DefaultPort)
	if err != nil {
		return netip.AddrPort{}, nil, fmt.Errorf("bip: address %q: %w", s, err)
	}
	return ap, route, nil
}

// resolveHostPort parses host with an optional port, falling back to a
// name lookup for host names.
func resolveHostPort(host string, defaultPort int) (netip.AddrPort, error) {
	if host == "" {
		return netip.AddrPort{}, fmt.Errorf("empty host")
	}
	if ap, err := netip.ParseAddrPort(host); err == nil {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(ip.Unmap(), uint16(defaultPort)), nil
	}

	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, strconv.Itoa(defaultPort))
	}
	addr, err := net.ResolveUDPAddr("udp4", host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ap := addr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
