package powerping

import (
	"fmt"
	"math/rand"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// checksum computes the RFC 1071 Internet checksum: sum 16-bit big
// endian words (an odd trailing byte is zero padded), fold the carries
// into the low 16 bits, complement. A finished packet with this value
// in its checksum field sums to all ones.
func checksum(buf []byte) uint16 {
	sum := uint32(0)
	for ; len(buf) >= 2; buf = buf[2:] {
		sum += uint32(buf[0])<<8 | uint32(buf[1])
	}
	if len(buf) > 0 {
		sum += uint32(buf[0]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// validChecksum reports whether a packet sums to all ones with its
// checksum field included. Diagnostic only, reply matching does not
// depend on it.
func validChecksum(buf []byte) bool {
	return checksum(buf) == 0
}

func IsIpv4(ip string) bool {
	for i := 0; i < len(ip); i++ {
		switch ip[i] {
		case '.':
			return true
		case ':':
			return false
		}
	}
	return false
}

// GetTarget parses a numeric address into a Target with the sockaddr
// ready for unix.Sendto.
func GetTarget(addr string) (*Target, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("invalid target addr (%v)", addr)
	}
	t := &Target{Addr: addr}
	if IsIpv4(addr) {
		var a [4]byte
		copy(a[:], ip.To4())
		t.IsIpv4 = true
		t.SockAddr = &unix.SockaddrInet4{Addr: a}
	} else {
		var a [16]byte
		copy(a[:], ip.To16())
		t.SockAddr = &unix.SockaddrInet6{Addr: a}
	}
	return t, nil
}

const payloadChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomText(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = payloadChars[rand.Intn(len(payloadChars))]
	}
	return b
}

// randomInterval draws uniformly from [min, max].
func randomInterval(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}
