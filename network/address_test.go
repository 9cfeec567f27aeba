package network

import (
	"net/netip"
	"testing"
)

func TestReverseIPv4(t *testing.T) {
	got := ReverseIPv4(netip.MustParseAddr("192.168.1.10"))
	if got != netip.MustParseAddr("10.1.168.192") {
		t.Fatalf("unexpected reversed address: %s", got)
	}
	if ReverseIPv4(got) != netip.MustParseAddr("192.168.1.10") {
		t.Fatalf("expected reversal to be an involution")
	}
}

func TestWireAddrAndNaturalAddr(t *testing.T) {
	wire, err := WireAddr("127.0.0.1")
	if err != nil {
		t.Fatalf("WireAddr failed: %v", err)
	}
	if wire != netip.MustParseAddr("1.0.0.127") {
		t.Fatalf("unexpected wire address: %s", wire)
	}
	if NaturalAddr(wire) != "127.0.0.1" {
		t.Fatalf("unexpected natural address: %s", NaturalAddr(wire))
	}
}

func TestParseIPv4RejectsIPv6(t *testing.T) {
	if _, err := ParseIPv4("::1"); err == nil {
		t.Fatalf("expected IPv6 address to be rejected")
	}
	if _, err := ParseIPv4("not-an-address"); err == nil {
		t.Fatalf("expected garbage to be rejected")
	}
}
