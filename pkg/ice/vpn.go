package ice

import (
	"net"
	"strings"
)

// vpnInterfacePrefixes match interface names of common VPN/overlay
// networks across platforms.
var vpnInterfacePrefixes = []string{
	"tailscale",
	"wg",
	"utun",
	"tun",
	"zt",
	"nebula",
	"ham", // Hamachi
}

// NetInterface is the slice of a network interface this package needs.
type NetInterface struct {
	Name  string
	Up    bool
	Addrs []net.IP
}

// InterfaceLister enumerates local interfaces. Injectable for tests;
// SystemInterfaces is the production implementation.
type InterfaceLister func() ([]NetInterface, error)

// SystemInterfaces lists the OS network interfaces.
func SystemInterfaces() ([]NetInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make([]NetInterface, 0, len(ifaces))
	for _, iface := range ifaces {
		ni := NetInterface{
			Name: iface.Name,
			Up:   iface.Flags&net.FlagUp != 0,
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipn, ok := addr.(*net.IPNet); ok {
				ni.Addrs = append(ni.Addrs, ipn.IP)
			}
		}
		out = append(out, ni)
	}
	return out, nil
}

// ListVPNAddresses returns the usable IPv4 addresses of up VPN/overlay
// interfaces: non-loopback, one entry per address, interface order.
// A nil lister uses SystemInterfaces.
func ListVPNAddresses(list InterfaceLister) ([]net.IP, error) {
	if list == nil {
		list = SystemInterfaces
	}
	ifaces, err := list()
	if err != nil {
		return nil, err
	}

	var addrs []net.IP
	for _, iface := range ifaces {
		if !iface.Up || !isVPNInterface(iface.Name) {
			continue
		}
		for _, ip := range iface.Addrs {
			v4 := ip.To4()
			if v4 == nil || v4.IsLoopback() {
				continue
			}
			addrs = append(addrs, v4)
		}
	}
	return addrs, nil
}

func isVPNInterface(name string) bool {
	name = strings.ToLower(name)
	for _, prefix := range vpnInterfacePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
