package geo

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPrivate(t *testing.T) {
	private := []string{
		"10.0.0.1", "10.255.255.254",
		"172.16.0.1", "172.31.255.1",
		"192.168.0.1", "192.168.255.255",
		"127.0.0.1", "127.42.0.1",
		"169.254.1.1",
		"100.64.0.1", "100.127.255.254", // carrier-grade NAT
		"0.0.0.0",
		"::1",
		"fe80::1",
		"fc00::1", "fd12:3456::1", // unique-local
		"ff02::1",
		"::",
	}
	for _, s := range private {
		assert.True(t, IsPrivate(netip.MustParseAddr(s)), "%s should be private", s)
	}

	public := []string{
		"8.8.8.8",
		"203.0.113.5",
		"198.51.100.7",
		"100.128.0.1", // just past the CGNAT range
		"172.32.0.1",  // just past 172.16/12
		"11.0.0.1",
		"2001:db8::1",
		"2606:4700::1111",
	}
	for _, s := range public {
		assert.False(t, IsPrivate(netip.MustParseAddr(s)), "%s should be public", s)
	}
}

func TestIsPrivate_MappedV4(t *testing.T) {
	assert.True(t, IsPrivate(netip.MustParseAddr("::ffff:192.168.1.1")))
	assert.False(t, IsPrivate(netip.MustParseAddr("::ffff:8.8.8.8")))
}
