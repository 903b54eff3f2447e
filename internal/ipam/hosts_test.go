package ipam

import (
	"math/big"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHostRange(t *testing.T) {
	tests := []struct {
		cidr  string
		first string
		last  string
	}{
		{"10.0.0.0/24", "10.0.0.1", "10.0.0.254"},
		{"10.0.0.0/30", "10.0.0.1", "10.0.0.2"},
		{"10.0.0.0/31", "10.0.0.0", "10.0.0.1"},
		{"10.0.0.7/32", "10.0.0.7", "10.0.0.7"},
		{"192.168.4.77/22", "192.168.4.1", "192.168.7.254"},
		{"fd00::/120", "fd00::1", "fd00::ff"},
	}

	for _, tt := range tests {
		t.Run(tt.cidr, func(t *testing.T) {
			first, last, ok := hostRange(netip.MustParsePrefix(tt.cidr))
			assert.True(t, ok)
			assert.Equal(t, netip.MustParseAddr(tt.first), first)
			assert.Equal(t, netip.MustParseAddr(tt.last), last)
		})
	}
}

func TestCapacity(t *testing.T) {
	assert.Equal(t, big.NewInt(254), Capacity(netip.MustParsePrefix("10.0.0.0/24")))
	assert.Equal(t, big.NewInt(2), Capacity(netip.MustParsePrefix("10.0.0.0/30")))
	assert.Equal(t, big.NewInt(1), Capacity(netip.MustParsePrefix("10.0.0.1/32")))
	assert.Equal(t, big.NewInt(255), Capacity(netip.MustParsePrefix("fd00::/120")))
}
