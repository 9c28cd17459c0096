package host

import "net"

const loopbackIPv4 = "127.0.0.1"

// localIPv4 picks the first non-loopback IPv4 address of an up interface.
// On multi-homed machines this can be the wrong one; Config.AdvertiseHost overrides it.
func localIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return loopbackIPv4
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip4 := ip.To4(); ip4 != nil && !ip4.IsLoopback() {
				return ip4.String()
			}
		}
	}
	return loopbackIPv4
}

// advertiseHost resolves the address put in announcements: explicit override,
// then a concrete bind address, then the interface heuristic.
func advertiseHost(override string, bound net.Addr) string {
	if override != "" {
		return override
	}
	if tcp, ok := bound.(*net.TCPAddr); ok && tcp.IP != nil && !tcp.IP.IsUnspecified() {
		return tcp.IP.String()
	}
	return localIPv4()
}
