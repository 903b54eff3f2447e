package ipam

import (
	"math/big"
	"net/netip"
)

// hostRange returns the first and last assignable addresses of prefix.
// IPv4 blocks larger than /31 lose their network and broadcast addresses,
// IPv6 blocks lose the subnet-router anycast address.
func hostRange(prefix netip.Prefix) (first, last netip.Addr, ok bool) {
	prefix = prefix.Masked()
	network := prefix.Addr()
	broadcast := lastAddr(prefix)
	hostBits := network.BitLen() - prefix.Bits()

	switch {
	case hostBits == 0:
		return network, network, true
	case network.Is4() && hostBits == 1:
		return network, broadcast, true
	case network.Is4():
		return network.Next(), broadcast.Prev(), true
	default:
		return network.Next(), broadcast, network.Next().IsValid()
	}
}

// lastAddr sets every host bit of prefix
func lastAddr(prefix netip.Prefix) netip.Addr {
	addr := prefix.Addr()
	bytes := addr.AsSlice()
	bits := prefix.Bits()
	for i := range bytes {
		for b := 7; b >= 0; b-- {
			pos := i*8 + (7 - b)
			if pos >= bits {
				bytes[i] |= 1 << b
			}
		}
	}
	last, _ := netip.AddrFromSlice(bytes)
	return last
}

// Capacity returns the number of assignable addresses in prefix
func Capacity(prefix netip.Prefix) *big.Int {
	first, last, ok := hostRange(prefix)
	if !ok {
		return big.NewInt(0)
	}
	lo := new(big.Int).SetBytes(first.AsSlice())
	hi := new(big.Int).SetBytes(last.AsSlice())
	return hi.Sub(hi, lo).Add(hi, big.NewInt(1))
}
