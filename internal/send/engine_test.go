package send

import (
	"testing"
	"time"

	"github.com/openmx-go/omx/internal/config"
	"github.com/openmx-go/omx/internal/partner"
	"github.com/openmx-go/omx/internal/request"
	"github.com/openmx-go/omx/internal/wire"
)

type fakeTx struct {
	sent []*wire.Packet
}

func (f *fakeTx) Transmit(head wire.Head, p *wire.Packet) error {
	f.sent = append(f.sent, p)
	return nil
}

func newTestEngine() *Engine {
	return New(time.Millisecond, time.Hour, config.DefaultResendsMax, nil)
}

func TestDispatchTinyCompletesImmediately(t *testing.T) {
	e := newTestEngine()
	p := partner.New(partner.Key{PeerIndex: 1}, [6]byte{})
	req := request.New(request.KindSendTiny, p.Key, time.Now())
	tx := &fakeTx{}

	strategy, err := e.Dispatch(p, req, Params{}, 0x1, 0x2, []byte("hi"), 0, 0, tx, time.Now())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if strategy != StrategyTiny {
		t.Fatalf("strategy = %v, want tiny", strategy)
	}
	if !req.Done() {
		t.Fatal("tiny send should complete immediately (done-early)")
	}
	if len(tx.sent) != 1 || tx.sent[0].Type != wire.PTypeTiny {
		t.Fatalf("expected one tiny packet sent, got %v", tx.sent)
	}
	if len(p.NonAckedSends()) != 1 {
		t.Fatal("tiny request should remain on the non-acked queue until acked")
	}
}

func TestDispatchMediumWaitsForFragmentsAndAck(t *testing.T) {
	e := newTestEngine()
	p := partner.New(partner.Key{}, [6]byte{})
	req := request.New(request.KindSendMedium, p.Key, time.Now())
	tx := &fakeTx{}

	payload := make([]byte, 9000) // 3 fragments at MediumFragMax=4096
	strategy, err := e.Dispatch(p, req, Params{}, 0, 0, payload, 0, 0, tx, time.Now())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if strategy != StrategyMedium {
		t.Fatalf("strategy = %v, want medium", strategy)
	}
	if req.FragCount != 3 {
		t.Fatalf("frag count = %d, want 3", req.FragCount)
	}
	if req.Done() {
		t.Fatal("medium send should not complete before ack, even though transmit already drove all fragments done")
	}

	acked := p.AckSendsBefore(req.SeqNum().Add(1))
	e.OnAck(p, acked, tx, time.Now())
	if !req.Done() {
		t.Fatal("medium send should complete once fragments are done and ack arrives")
	}
}

func TestDispatchThrottlesWhenWindowFull(t *testing.T) {
	e := newTestEngine()
	p := partner.New(partner.Key{}, [6]byte{})
	tx := &fakeTx{}

	for i := 0; i < config.SendWindowSize; i++ {
		req := request.New(request.KindSendMedium, p.Key, time.Now())
		if _, err := e.Dispatch(p, req, Params{}, 0, 0, make([]byte, 9000), 0, 0, tx, time.Now()); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}

	throttled := request.New(request.KindSendTiny, p.Key, time.Now())
	strategy, err := e.Dispatch(p, throttled, Params{}, 0, 0, []byte("x"), 0, 0, tx, time.Now())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if strategy != StrategyTiny {
		t.Fatalf("strategy = %v, want tiny", strategy)
	}
	if throttled.HasState(request.StateNeedAck) {
		t.Fatal("throttled request should not have been sent yet")
	}
	if p.ThrottlingSendsNr() != 1 {
		t.Fatalf("throttling_sends_nr = %d, want 1", p.ThrottlingSendsNr())
	}
}

func TestThrottledMediumSendCompletesOnRelease(t *testing.T) {
	e := newTestEngine()
	p := partner.New(partner.Key{}, [6]byte{})
	tx := &fakeTx{}

	var filling []*request.Request
	for i := 0; i < config.SendWindowSize; i++ {
		req := request.New(request.KindSendMedium, p.Key, time.Now())
		if _, err := e.Dispatch(p, req, Params{}, 0, 0, make([]byte, 9000), 0, 0, tx, time.Now()); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
		filling = append(filling, req)
	}

	throttled := request.New(request.KindSendMedium, p.Key, time.Now())
	strategy, err := e.Dispatch(p, throttled, Params{}, 0x3, 0x4, make([]byte, 9000), 0, 0, tx, time.Now())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if strategy != StrategyMedium {
		t.Fatalf("strategy = %v, want medium", strategy)
	}
	if !throttled.HasState(request.StateQueued) {
		t.Fatal("medium send past the window should have been throttled")
	}

	// Ack the oldest filling send to free exactly one window slot,
	// releasing the throttled medium through OnAck's release path
	// rather than the initial Dispatch path.
	released := p.AckSendsBefore(filling[0].SeqNum().Add(1))
	e.OnAck(p, released, tx, time.Now())

	if throttled.HasState(request.StateQueued) {
		t.Fatal("throttled medium should have been released onto the wire")
	}
	if throttled.PendingFragments != 0 {
		t.Fatalf("pending fragments = %d, want 0 once the release-path transmit has run", throttled.PendingFragments)
	}
	if throttled.Done() {
		t.Fatal("released medium send should not complete before its own ack arrives")
	}

	finalAck := p.AckSendsBefore(throttled.SeqNum().Add(1))
	e.OnAck(p, finalAck, tx, time.Now())
	if !throttled.Done() {
		t.Fatal("throttle-released medium send should complete once its own ack arrives")
	}
}

func TestScanResendsDisconnectsOnRetransmitTimeout(t *testing.T) {
	e := New(time.Nanosecond, time.Nanosecond, 1, nil)
	p := partner.New(partner.Key{}, [6]byte{})
	req := request.New(request.KindSendTiny, p.Key, time.Now().Add(-time.Hour))
	tx := &fakeTx{}

	if _, err := e.Dispatch(p, req, Params{}, 0, 0, []byte("x"), 0, 0, tx, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if !e.ScanResends(p, tx, time.Now()) {
		t.Fatal("expected ScanResends to report disconnect past retransmit_delay")
	}
}
