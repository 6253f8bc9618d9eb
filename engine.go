package powerping

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// recvChunk caps every blocking read inside the reply wait. The loop
// re-checks cancellation between chunks, so cancellation latency stays
// bounded by this even under a much larger configured timeout.
const recvChunk = 250 * time.Millisecond

const defaultMessage = "R U Alive?"

// OnTick receives a read-only snapshot of the run's results after
// every iteration. It runs synchronously on the probing goroutine, a
// slow sink delays the next send.
type OnTick func(Results)

// Engine runs one probing session against a single target. One Engine
// maps to one session identifier; the identifier is drawn once at
// construction and embedded in every packet of every run.
type Engine struct {
	conf   Config
	target *Target
	log    *zap.Logger

	id  uint16
	seq uint16

	// swappable in tests
	openTransport func(*Target) (Transport, error)
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New builds an engine for the given config. The config layer has
// already validated ranges, only the address is checked here. A zero
// Type defaults to echo request for the target's family.
func New(conf Config, opts ...Option) (*Engine, error) {
	target, err := GetTarget(conf.Addr)
	if err != nil {
		return nil, err
	}
	if conf.Type == 0 {
		if target.IsIpv4 {
			conf.Type = EchoRequestIpv4
		} else {
			conf.Type = EchoRequestIpv6
		}
	}
	e := &Engine{
		conf:          conf,
		target:        target,
		log:           zap.NewNop(),
		id:            uint16(rand.Intn(0xffff)),
		openTransport: OpenTransport,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Run executes the probing loop until the configured count is reached,
// the context is cancelled, or socket setup fails. It always returns
// the results accumulated so far; the only error cases are setup
// failures (notably ErrPermissionDenied), which happen before any
// packet is sent.
func (e *Engine) Run(ctx context.Context, onTick OnTick) (Results, error) {
	res := newResults(e.target.IsIpv4)
	start := time.Now()
	err := e.run(ctx, res, onTick)
	res.TotalRunTime = time.Since(start)
	return *res, err
}

func (e *Engine) run(ctx context.Context, res *Results, onTick OnTick) error {
	tr, err := e.openTransport(e.target)
	if err != nil {
		return err
	}
	defer tr.Close()

	if err := tr.Configure(e.conf.TTL, e.conf.DontFragment, e.conf.RecvBufferSize); err != nil {
		return err
	}

	buf := make([]byte, maxPacketLen)
	interval := e.conf.Interval
	for i := 0; e.conf.Continuous || i < e.conf.Count; i++ {
		if i > 0 {
			if !e.wait(ctx, interval) {
				res.ScanWasCanceled = true
				return nil
			}
		}
		if e.conf.RandomInterval {
			interval = randomInterval(e.conf.IntervalMin, e.conf.IntervalMax)
		}

		pkg, err := Construct(ConstructPacket{
			Typ:     e.conf.Type,
			Code:    e.conf.Code,
			Id:      e.id,
			Seq:     e.seq,
			Payload: e.payload(),
		})
		if err != nil {
			return err
		}

		if n := tr.Drain(); n > 0 {
			e.log.Debug("dropped stale datagrams", zap.Int("count", n))
		}

		sentAt, err := tr.SendTo(pkg)
		res.recordSent()
		if err != nil {
			e.log.Debug("transmit failed", zap.Uint16("seq", e.seq), zap.Error(err))
			res.recordLost()
		} else {
			rcv, rtt, cancelled := e.await(ctx, tr, buf, sentAt)
			if cancelled {
				res.ScanWasCanceled = true
				return nil
			}
			if rcv != nil {
				res.recordReply(rcv, rtt)
			} else {
				res.recordLost()
			}
		}

		e.seq++ // 16-bit wraparound is fine
		if onTick != nil {
			onTick(res.snapshot())
		}
	}
	return nil
}

// await waits for the reply matching the sequence just sent, for at
// most the configured timeout. Every read is bounded by recvChunk and
// cancellation is checked before each one. Datagrams that are too
// short, carry another session's identifier, a stale sequence or a
// non-reply type are discarded and the wait goes on.
func (e *Engine) await(ctx context.Context, tr Transport, buf []byte, sentAt time.Time) (*Reply, time.Duration, bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, 0, true
		default:
		}

		remaining := e.conf.Timeout - time.Since(sentAt)
		if remaining <= 0 {
			return nil, 0, false
		}
		chunk := remaining
		if chunk > recvChunk {
			chunk = recvChunk
		}
		if err := tr.SetReadDeadline(chunk); err != nil {
			e.log.Debug("set read deadline failed", zap.Error(err))
			return nil, 0, false
		}

		n, err := tr.Receive(buf)
		if err != nil {
			// chunk expiry or a transient read error, keep waiting
			continue
		}
		rcv, err := DeConstruct(buf[:n])
		if err != nil {
			continue
		}
		if rcv.Typ != e.replyType() || rcv.Id != e.id || rcv.Seq != e.seq {
			continue
		}
		return rcv, rcv.RcvAt.Sub(sentAt), false
	}
}

// wait sleeps the inter-iteration pause, returning false when the
// context is cancelled during it.
func (e *Engine) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (e *Engine) replyType() uint8 {
	if e.target.IsIpv4 {
		return EchoReplyIpv4
	}
	return EchoReplyIpv6
}

func (e *Engine) payload() []byte {
	if e.conf.RandomMsg {
		n := len(e.conf.Payload)
		if n == 0 {
			n = len(e.conf.Message)
		}
		if n == 0 {
			n = len(defaultMessage)
		}
		return randomText(n)
	}
	if len(e.conf.Payload) > 0 {
		return e.conf.Payload
	}
	if e.conf.Message != "" {
		return []byte(e.conf.Message)
	}
	return []byte(defaultMessage)
}
