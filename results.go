package powerping

import (
	"math"
	"time"

	"github.com/google/gopacket/layers"
)

// lostRtt is the sample recorded for an iteration that got no reply.
const lostRtt = time.Duration(-1)

// Results accumulates counters and latency samples for one run. The
// engine owns it while the run is active, callers get snapshots and
// the final value.
type Results struct {
	Sent     uint64
	Received uint64
	Lost     uint64

	// HasOverflowed is set instead of wrapping when a counter hits its
	// ceiling. The run keeps going.
	HasOverflowed bool

	// TypeHistogram counts accepted replies per ICMP type/code key,
	// see TypeCodeName.
	TypeHistogram map[uint16]uint64

	// Rtts holds one sample per iteration in send order, negative for
	// iterations that got no reply.
	Rtts []time.Duration

	// CurrRtt is the last iteration's sample.
	CurrRtt time.Duration

	ScanWasCanceled bool
	TotalRunTime    time.Duration

	Ipv4 bool
}

func newResults(isIpv4 bool) *Results {
	return &Results{
		TypeHistogram: map[uint16]uint64{},
		Ipv4:          isIpv4,
	}
}

// satInc bumps a counter, saturating at the ceiling instead of
// wrapping back to zero.
func (r *Results) satInc(c *uint64) {
	if *c == math.MaxUint64 {
		r.HasOverflowed = true
		return
	}
	*c++
}

func (r *Results) recordSent() {
	r.satInc(&r.Sent)
}

func (r *Results) recordReply(rcv *Reply, rtt time.Duration) {
	r.satInc(&r.Received)
	key := typeCodeKey(rcv.Typ, rcv.Code)
	if r.TypeHistogram[key] == math.MaxUint64 {
		r.HasOverflowed = true
	} else {
		r.TypeHistogram[key]++
	}
	r.Rtts = append(r.Rtts, rtt)
	r.CurrRtt = rtt
}

func (r *Results) recordLost() {
	r.satInc(&r.Lost)
	r.Rtts = append(r.Rtts, lostRtt)
	r.CurrRtt = lostRtt
}

// MinRtt returns the smallest recorded sample, lost iterations
// excluded. Zero when nothing was received.
func (r *Results) MinRtt() time.Duration {
	min := time.Duration(0)
	for _, rtt := range r.Rtts {
		if rtt < 0 {
			continue
		}
		if min == 0 || rtt < min {
			min = rtt
		}
	}
	return min
}

// MaxRtt returns the largest recorded sample.
func (r *Results) MaxRtt() time.Duration {
	max := time.Duration(0)
	for _, rtt := range r.Rtts {
		if rtt > max {
			max = rtt
		}
	}
	return max
}

// AvgRtt returns the mean over received samples.
func (r *Results) AvgRtt() time.Duration {
	sum := time.Duration(0)
	n := 0
	for _, rtt := range r.Rtts {
		if rtt < 0 {
			continue
		}
		sum += rtt
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / time.Duration(n)
}

// Loss returns the lost fraction of all sent probes, in [0, 1].
func (r *Results) Loss() float64 {
	if r.Sent == 0 {
		return 0
	}
	return float64(r.Lost) / float64(r.Sent)
}

// snapshot copies the results for a callback. The clone shares
// nothing with the live value, sinks can hold it as long as they like.
func (r *Results) snapshot() Results {
	cp := *r
	cp.Rtts = append([]time.Duration(nil), r.Rtts...)
	cp.TypeHistogram = make(map[uint16]uint64, len(r.TypeHistogram))
	for k, v := range r.TypeHistogram {
		cp.TypeHistogram[k] = v
	}
	return cp
}

func typeCodeKey(typ, code uint8) uint16 {
	return uint16(typ)<<8 | uint16(code)
}

// TypeCodeName renders a histogram key with the protocol's usual
// message names.
func TypeCodeName(key uint16, isIpv4 bool) string {
	if isIpv4 {
		return layers.ICMPv4TypeCode(key).String()
	}
	return layers.ICMPv6TypeCode(key).String()
}
