package mongowire

import (
	"fmt"
	"net"
)

func resolveIPv4(addr string) ([4]byte, error) {
	var out [4]byte
	ip := net.ParseIP(addr)
	if ip == nil {
		ips, err := net.LookupIP(addr)
		if err != nil {
			return out, err
		}
		ip = ips[0]
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return out, fmt.Errorf("mongowire: %q is not an IPv4 address", addr)
	}
	copy(out[:], ip4)
	return out, nil
}
