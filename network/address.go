package network

import (
	"fmt"
	"net"
	"net/netip"
)

// ReverseIPv4 swaps the octet order of an IPv4 address. Non-IPv4 input is
// returned unchanged.
func ReverseIPv4(addr netip.Addr) netip.Addr {
	if !addr.Is4() {
		if addr.Is4In6() {
			addr = addr.Unmap()
		} else {
			return addr
		}
	}
	b := addr.As4()
	return netip.AddrFrom4([4]byte{b[3], b[2], b[1], b[0]})
}

// ParseIPv4 parses a dotted IPv4 address.
func ParseIPv4(text string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(text)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse address %q: %w", text, err)
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%w: %q is not IPv4", ErrInvalidAddress, text)
	}
	return addr, nil
}

// WireAddr parses a dotted IPv4 address and returns it in wire order.
func WireAddr(text string) (netip.Addr, error) {
	addr, err := ParseIPv4(text)
	if err != nil {
		return netip.Addr{}, err
	}
	return ReverseIPv4(addr), nil
}

// NaturalAddr converts a wire-order address back to dotted form.
func NaturalAddr(wire netip.Addr) string {
	return ReverseIPv4(wire).String()
}

func addrPortOf(addr net.Addr) netip.AddrPort {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.AddrPort()
	case *net.UDPAddr:
		return a.AddrPort()
	default:
		parsed, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}
		}
		return parsed
	}
}

func wireOf(natural netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ReverseIPv4(natural.Addr().Unmap()), natural.Port())
}
