package powerping

import (
	"time"

	"golang.org/x/sys/unix"
)

// ICMP echo message types for both address families.
const (
	EchoRequestIpv4 = 8
	EchoReplyIpv4   = 0
	EchoRequestIpv6 = 128
	EchoReplyIpv6   = 129
)

// Config holds the parameters for one probing run. It is built and
// validated by the caller (flag/config layer) and read-only once the
// engine starts. Addr must already be a numeric IP, the engine does
// no name resolution.
type Config struct {
	Addr string

	Count      int  // iterations to run, ignored when Continuous
	Continuous bool // probe until cancelled

	Interval time.Duration // pause between iterations
	Timeout  time.Duration // wait per reply

	TTL            int
	DontFragment   bool
	RecvBufferSize int

	// Message is the payload as literal text. Payload, when set, wins
	// over Message. RandomMsg draws a fresh random text payload of the
	// same length every iteration.
	Message   string
	Payload   []byte
	RandomMsg bool

	// RandomInterval draws the next inter-probe pause uniformly from
	// [IntervalMin, IntervalMax] instead of using Interval.
	RandomInterval bool
	IntervalMin    time.Duration
	IntervalMax    time.Duration

	// Type and Code override the transmitted ICMP type/code. Zero Type
	// means echo request for the target's family.
	Type uint8
	Code uint8
}

// Target is a resolved probe destination.
type Target struct {
	Addr     string
	IsIpv4   bool
	SockAddr unix.Sockaddr
}
