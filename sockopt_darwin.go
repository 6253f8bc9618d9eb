package powerping

import "golang.org/x/sys/unix"

func setSockOptDontFragment(fd int, isIpv4 bool) error {
	if isIpv4 {
		return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_DONTFRAG, 1)
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_DONTFRAG, 1)
}
