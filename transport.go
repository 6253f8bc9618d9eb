package powerping

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

var (
	// ErrPermissionDenied means raw socket creation failed because the
	// process lacks the privilege raw sockets require.
	ErrPermissionDenied = errors.New("raw socket requires elevated privileges")

	// ErrReadTimeout means no datagram arrived within the configured
	// receive deadline.
	ErrReadTimeout = errors.New("receive timed out")
)

const maxPacketLen = 64 * 1024

// Transport owns the raw socket for one probing run. It is never
// shared across concurrent runs.
type Transport interface {
	Configure(ttl int, dontFragment bool, rcvBuf int) error
	SetReadDeadline(d time.Duration) error
	SendTo(pkg []byte) (time.Time, error)
	Receive(buf []byte) (int, error)
	Drain() int
	Close() error
}

type rawTransport struct {
	fd     int
	isIpv4 bool
	dst    unix.Sockaddr

	// last applied SO_RCVTIMEO, deadline writes are skipped when the
	// value did not change
	deadline time.Duration
}

// OpenTransport creates a raw ICMP endpoint for the target's address
// family. EPERM/EACCES surface as ErrPermissionDenied so callers can
// tell the user to elevate instead of showing a generic failure.
func OpenTransport(t *Target) (Transport, error) {
	var fd int
	var err error
	if t.IsIpv4 {
		fd, err = unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_ICMP)
	} else {
		fd, err = unix.Socket(unix.AF_INET6, unix.SOCK_RAW, unix.IPPROTO_ICMPV6)
	}
	if err != nil {
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			return nil, fmt.Errorf("%w (%v)", ErrPermissionDenied, err)
		}
		return nil, err
	}
	return &rawTransport{
		fd:       fd,
		isIpv4:   t.IsIpv4,
		dst:      t.SockAddr,
		deadline: -1,
	}, nil
}

// Configure applies the per-run socket options. Zero values leave the
// kernel defaults alone.
func (t *rawTransport) Configure(ttl int, dontFragment bool, rcvBuf int) error {
	if ttl > 0 {
		if err := setSockOptTTL(t.fd, t.isIpv4, ttl); err != nil {
			return err
		}
	}
	if dontFragment {
		if err := setSockOptDontFragment(t.fd, t.isIpv4); err != nil {
			return err
		}
	}
	if rcvBuf > 0 {
		if err := setSockOptRcvBuff(t.fd, rcvBuf); err != nil {
			return err
		}
	}
	return nil
}

func (t *rawTransport) SetReadDeadline(d time.Duration) error {
	if d == t.deadline {
		return nil
	}
	if err := setSockOptRcvTimeout(t.fd, d); err != nil {
		return err
	}
	t.deadline = d
	return nil
}

// SendTo transmits the packet and returns the timestamp taken right
// after the call, the origin for the round trip measurement.
func (t *rawTransport) SendTo(pkg []byte) (time.Time, error) {
	err := unix.Sendto(t.fd, pkg, 0, t.dst)
	return time.Now(), err
}

// Receive reads one datagram into buf and returns the length of the
// ICMP bytes. Raw IPv4 sockets deliver the whole IP datagram, so the
// IP header is stripped here; the kernel already strips it for IPv6.
func (t *rawTransport) Receive(buf []byte) (int, error) {
	n, _, err := unix.Recvfrom(t.fd, buf, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return 0, ErrReadTimeout
		}
		return 0, err
	}
	if !t.isIpv4 {
		return n, nil
	}
	hd, err := ipv4.ParseHeader(buf[:n])
	if err != nil || n < hd.Len {
		return 0, ErrMalformedPacket
	}
	return copy(buf, buf[hd.Len:n]), nil
}

// Drain reads and discards already queued inbound datagrams. They
// belong to iterations that have timed out and must not be mistaken
// for the next reply. Returns how many were dropped.
func (t *rawTransport) Drain() int {
	var scratch [maxPacketLen]byte
	dropped := 0
	for {
		_, _, err := unix.Recvfrom(t.fd, scratch[:], unix.MSG_DONTWAIT)
		if err != nil {
			return dropped
		}
		dropped++
	}
}

func (t *rawTransport) Close() error {
	return unix.Close(t.fd)
}
