package powerping

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTransport scripts the wire for engine tests, the same way the
// raw socket behaves: Receive blocks up to the last applied deadline
// and returns ErrReadTimeout when nothing arrived.
type fakeTransport struct {
	mu       sync.Mutex
	inbox    chan []byte
	deadline time.Duration
	sent     [][]byte
	sendErr  error
	closed   bool

	// onSend, when set, queues scripted replies for the packet that
	// was just transmitted
	onSend func(pkg []byte, inbox chan []byte)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbox: make(chan []byte, 64)}
}

func (f *fakeTransport) Configure(int, bool, int) error { return nil }

func (f *fakeTransport) SetReadDeadline(d time.Duration) error {
	f.mu.Lock()
	f.deadline = d
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SendTo(pkg []byte) (time.Time, error) {
	f.mu.Lock()
	f.sent = append(f.sent, append([]byte(nil), pkg...))
	f.mu.Unlock()
	if f.sendErr != nil {
		return time.Now(), f.sendErr
	}
	if f.onSend != nil {
		f.onSend(pkg, f.inbox)
	}
	return time.Now(), nil
}

func (f *fakeTransport) Receive(buf []byte) (int, error) {
	f.mu.Lock()
	d := f.deadline
	f.mu.Unlock()
	select {
	case pkg := <-f.inbox:
		return copy(buf, pkg), nil
	case <-time.After(d):
		return 0, ErrReadTimeout
	}
}

func (f *fakeTransport) Drain() int {
	n := 0
	for {
		select {
		case <-f.inbox:
			n++
		default:
			return n
		}
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// echoReply turns a transmitted echo request into its matching reply.
func echoReply(req []byte) []byte {
	rep := append([]byte(nil), req...)
	rep[0] = EchoReplyIpv4
	rep[1] = 0
	rep[2], rep[3] = 0, 0
	binary.BigEndian.PutUint16(rep[2:4], checksum(rep))
	return rep
}

func newTestEngine(t *testing.T, conf Config, ft *fakeTransport) *Engine {
	t.Helper()
	if conf.Addr == "" {
		conf.Addr = "127.0.0.1"
	}
	e, err := New(conf)
	if err != nil {
		t.Fatal(err)
	}
	e.openTransport = func(*Target) (Transport, error) { return ft, nil }
	return e
}

func TestRunAllAnswered(t *testing.T) {
	ft := newFakeTransport()
	ft.onSend = func(pkg []byte, inbox chan []byte) {
		inbox <- echoReply(pkg)
	}
	e := newTestEngine(t, Config{
		Count:    5,
		Interval: time.Millisecond,
		Timeout:  100 * time.Millisecond,
	}, ft)

	ticks := 0
	res, err := e.Run(context.Background(), func(Results) { ticks++ })
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 5 || res.Received != 5 || res.Lost != 0 {
		t.Errorf("sent/received/lost = %v/%v/%v, want 5/5/0", res.Sent, res.Received, res.Lost)
	}
	if len(res.Rtts) != 5 {
		t.Fatalf("recorded %v samples, want 5", len(res.Rtts))
	}
	for i, rtt := range res.Rtts {
		if rtt < 0 {
			t.Errorf("Rtts[%v] = %v, want non-negative", i, rtt)
		}
	}
	if ticks != 5 {
		t.Errorf("callback ran %v times, want 5", ticks)
	}
	if !ft.closed {
		t.Error("transport not closed after normal completion")
	}
	if res.TotalRunTime <= 0 {
		t.Error("TotalRunTime not recorded")
	}
}

func TestRunNoReplies(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, Config{
		Count:    5,
		Interval: time.Millisecond,
		Timeout:  30 * time.Millisecond,
	}, ft)

	res, err := e.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 5 || res.Received != 0 || res.Lost != 5 {
		t.Errorf("sent/received/lost = %v/%v/%v, want 5/0/5", res.Sent, res.Received, res.Lost)
	}
	for i, rtt := range res.Rtts {
		if rtt >= 0 {
			t.Errorf("Rtts[%v] = %v, want the lost sentinel", i, rtt)
		}
	}
	if !ft.closed {
		t.Error("transport not closed")
	}
}

func TestStaleSequenceDiscarded(t *testing.T) {
	ft := newFakeTransport()
	ft.onSend = func(pkg []byte, inbox chan []byte) {
		// an answer for the previous sequence arrives first, then the
		// real one
		stale := append([]byte(nil), pkg...)
		seq := binary.BigEndian.Uint16(stale[6:8])
		binary.BigEndian.PutUint16(stale[6:8], seq-1)
		inbox <- echoReply(stale)
		inbox <- echoReply(pkg)
	}
	e := newTestEngine(t, Config{
		Count:   1,
		Timeout: 100 * time.Millisecond,
	}, ft)

	res, err := e.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Received != 1 || res.Lost != 0 {
		t.Errorf("received/lost = %v/%v, want 1/0", res.Received, res.Lost)
	}
	if len(ft.inbox) != 0 {
		t.Errorf("%v datagrams left unread, stale reply was not consumed", len(ft.inbox))
	}
}

func TestWrongIdentifierDiscarded(t *testing.T) {
	ft := newFakeTransport()
	ft.onSend = func(pkg []byte, inbox chan []byte) {
		other := append([]byte(nil), pkg...)
		id := binary.BigEndian.Uint16(other[4:6])
		binary.BigEndian.PutUint16(other[4:6], id+1)
		inbox <- echoReply(other)
	}
	e := newTestEngine(t, Config{
		Count:   1,
		Timeout: 30 * time.Millisecond,
	}, ft)

	res, err := e.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Received != 0 || res.Lost != 1 {
		t.Errorf("received/lost = %v/%v, want 0/1 (foreign identifier accepted?)", res.Received, res.Lost)
	}
}

func TestStalePendingDatagramsDrained(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, Config{
		Count:   1,
		Timeout: 30 * time.Millisecond,
	}, ft)

	// a late reply for the exact sequence about to be sent is already
	// queued; the drain before send must throw it away
	late, err := Construct(ConstructPacket{
		Typ: EchoReplyIpv4,
		Id:  e.id,
		Seq: e.seq,
	})
	if err != nil {
		t.Fatal(err)
	}
	ft.inbox <- late

	res, err := e.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Received != 0 || res.Lost != 1 {
		t.Errorf("received/lost = %v/%v, want 0/1 (stale datagram accepted as reply)", res.Received, res.Lost)
	}
}

func TestCancelDuringReceiveWait(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, Config{
		Count:   1,
		Timeout: 60 * time.Second,
	}, ft)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res, err := e.Run(ctx, nil)
	took := time.Since(start)
	if err != nil {
		t.Fatal(err)
	}
	if !res.ScanWasCanceled {
		t.Error("cancelled run not marked as cancelled")
	}
	if res.Sent != 1 {
		t.Errorf("Sent = %v, want 1", res.Sent)
	}
	// bounded by one receive chunk, nowhere near the 60s timeout
	if took > 2*time.Second {
		t.Errorf("cancellation took %v, want well under a second", took)
	}
	if !ft.closed {
		t.Error("transport not closed on cancellation")
	}
}

func TestCancelDuringInterval(t *testing.T) {
	ft := newFakeTransport()
	ft.onSend = func(pkg []byte, inbox chan []byte) {
		inbox <- echoReply(pkg)
	}
	e := newTestEngine(t, Config{
		Continuous: true,
		Interval:   200 * time.Millisecond,
		Timeout:    time.Second,
	}, ft)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()

	res, err := e.Run(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.ScanWasCanceled {
		t.Error("cancelled run not marked as cancelled")
	}
	if res.Sent < 2 || res.Sent > 4 {
		t.Errorf("Sent = %v, want 2..4 after ~2.5 intervals", res.Sent)
	}
	if !ft.closed {
		t.Error("transport not closed")
	}
}

func TestPermissionDeniedSurfaced(t *testing.T) {
	e := newTestEngine(t, Config{Count: 1, Timeout: time.Second}, nil)
	e.openTransport = func(*Target) (Transport, error) {
		return nil, ErrPermissionDenied
	}

	res, err := e.Run(context.Background(), nil)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Run = %v, want ErrPermissionDenied", err)
	}
	if res.Sent != 0 {
		t.Errorf("Sent = %v before setup failure, want 0", res.Sent)
	}
}

func TestTransmitErrorContinuesRun(t *testing.T) {
	ft := newFakeTransport()
	ft.sendErr = errors.New("network is unreachable")
	e := newTestEngine(t, Config{
		Count:    3,
		Interval: time.Millisecond,
		Timeout:  30 * time.Millisecond,
	}, ft)

	res, err := e.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("transmit errors must not abort the run: %v", err)
	}
	if res.Sent != 3 || res.Lost != 3 {
		t.Errorf("sent/lost = %v/%v, want 3/3", res.Sent, res.Lost)
	}
}

func TestSequenceIncrementsPerIteration(t *testing.T) {
	ft := newFakeTransport()
	ft.onSend = func(pkg []byte, inbox chan []byte) {
		inbox <- echoReply(pkg)
	}
	e := newTestEngine(t, Config{
		Count:    3,
		Interval: time.Millisecond,
		Timeout:  50 * time.Millisecond,
	}, ft)
	first := e.seq

	if _, err := e.Run(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if len(ft.sent) != 3 {
		t.Fatalf("transmitted %v packets, want 3", len(ft.sent))
	}
	for i, pkg := range ft.sent {
		seq := binary.BigEndian.Uint16(pkg[6:8])
		if seq != first+uint16(i) {
			t.Errorf("packet %v carries seq %v, want %v", i, seq, first+uint16(i))
		}
		id := binary.BigEndian.Uint16(pkg[4:6])
		if id != e.id {
			t.Errorf("packet %v carries id %v, want session id %v", i, id, e.id)
		}
	}
}

func TestCallbackSnapshotIsolated(t *testing.T) {
	ft := newFakeTransport()
	ft.onSend = func(pkg []byte, inbox chan []byte) {
		inbox <- echoReply(pkg)
	}
	e := newTestEngine(t, Config{
		Count:   1,
		Timeout: 50 * time.Millisecond,
	}, ft)

	res, err := e.Run(context.Background(), func(r Results) {
		r.TypeHistogram[0x9999] = 1
		r.Rtts[0] = time.Hour
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := res.TypeHistogram[0x9999]; ok {
		t.Error("sink mutation leaked into the final results")
	}
	if res.Rtts[0] == time.Hour {
		t.Error("sink mutation of samples leaked into the final results")
	}
}
