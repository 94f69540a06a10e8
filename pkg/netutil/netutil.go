// Package netutil classifies addresses and discovers the local LAN address.
package netutil

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/jackpal/gateway"
)

var special4, special6 []netip.Prefix

func init() {
	// IANA special-purpose registries
	for _, cidr := range []string{
		"0.0.0.0/8",
		"100.64.0.0/10", // carrier-grade NAT
		"192.0.0.0/24",
		"192.0.2.0/24",
		"192.31.196.0/24",
		"192.52.193.0/24",
		"192.88.99.0/24",
		"192.175.48.0/24",
		"198.18.0.0/15",
		"198.51.100.0/24",
		"203.0.113.0/24",
		"224.0.0.0/4",
		"240.0.0.0/4",
	} {
		special4 = append(special4, netip.MustParsePrefix(cidr))
	}
	for _, cidr := range []string{
		"100::/64",
		"2001::/32",
		"2001:2::/48",
		"2001:db8::/32",
		"2002::/16",
		"ff00::/8",
	} {
		special6 = append(special6, netip.MustParsePrefix(cidr))
	}
}

// LocalAddresses returns all non-loopback addresses on up interfaces
func LocalAddresses() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var addresses []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			addresses = append(addresses, ip)
		}
	}
	return addresses, nil
}

// IsLocal reports whether ip is assigned to one of this host's interfaces
func IsLocal(ip net.IP) bool {
	if ip == nil {
		return false
	}
	addrs, err := LocalAddresses()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if a.Equal(ip) {
			return true
		}
	}
	return false
}

// IsPrivateIP checks if an IP address is in a private or link-local range
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

// IsSpecial reports whether ip is in an IANA special-purpose block
func IsSpecial(ip net.IP) bool {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return false
	}
	addr = addr.Unmap()
	list := special6
	if addr.Is4() {
		list = special4
	}
	for _, p := range list {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsPublicIP checks if an IP address is routable on the public internet
func IsPublicIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return false
	}
	return !IsPrivateIP(ip) && !IsSpecial(ip)
}

// LANIP returns the address of the interface facing the default gateway,
// falling back to the address the kernel would pick for outbound traffic.
func LANIP() (net.IP, error) {
	if ip, err := gateway.DiscoverInterface(); err == nil && ip != nil && !ip.IsUnspecified() {
		return ip, nil
	}
	return PreferredLocalAddress()
}

// PreferredLocalAddress returns the local address used for external
// communication. No packet is sent.
func PreferredLocalAddress() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		addresses, err := LocalAddresses()
		if err != nil {
			return nil, err
		}
		if len(addresses) > 0 {
			return addresses[0], nil
		}
		return nil, fmt.Errorf("no local addresses found")
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

// FreeTCPPort asks the kernel for an unused TCP port on ip
func FreeTCPPort(ip string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
	if err != nil {
		return 0, fmt.Errorf("failed to find free port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
