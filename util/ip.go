package util

import (
	"net"
	"net/netip"
)

// Read reads one datagram, the client address is unmapped from ::ffff:0:0/96
// so replies go out the way the query came in.
func Read(c *net.UDPConn, buf []byte) (n int, remoteAddr netip.AddrPort, err error) {
	n, remoteAddr, err = c.ReadFromUDPAddrPort(buf)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}

	return n, netip.AddrPortFrom(remoteAddr.Addr().Unmap(), remoteAddr.Port()), nil
}
