package ack

import (
	"testing"
	"time"

	"github.com/openmx-go/omx/internal/config"
	"github.com/openmx-go/omx/internal/partner"
	"github.com/openmx-go/omx/internal/seq"
	"github.com/openmx-go/omx/internal/wire"
)

type fakeTx struct {
	sent []*wire.Packet
}

func (f *fakeTx) Transmit(head wire.Head, p *wire.Packet) error {
	f.sent = append(f.sent, p)
	return nil
}

func TestDueEscalatesToImmediateAtThreshold(t *testing.T) {
	s := New(time.Second)
	p := partner.New(partner.Key{}, [6]byte{})
	now := time.Now()

	for i := 0; i < config.NotAckedMax-1; i++ {
		s.NoteRecv(p, now)
		if s.Due(p, now) {
			t.Fatalf("should not be due before not_acked_max, at fragment %d", i)
		}
	}
	s.NoteRecv(p, now)
	if !s.Due(p, now) {
		t.Fatal("expected due once not_acked_max fragments are unacked")
	}
}

func TestDueDelayedWaitsForAckDelay(t *testing.T) {
	s := New(10 * time.Millisecond)
	p := partner.New(partner.Key{}, [6]byte{})
	now := time.Now()
	s.NoteRecv(p, now)

	if s.Due(p, now) {
		t.Fatal("single fragment should only be delayed, not yet due")
	}
	if !s.Due(p, now.Add(20*time.Millisecond)) {
		t.Fatal("expected due once ack_delay has elapsed")
	}
}

func TestEmitClearsNeedAck(t *testing.T) {
	s := New(time.Second)
	p := partner.New(partner.Key{}, [6]byte{})
	now := time.Now()
	for i := 0; i < config.NotAckedMax; i++ {
		s.NoteRecv(p, now)
	}
	tx := &fakeTx{}
	if err := s.Emit(wire.Head{}, 1, 2, 0, p, tx); err != nil {
		t.Fatalf("emit: %v", err)
	}
	state, _ := p.NeedAckState()
	if state != partner.NeedAckNone {
		t.Errorf("need_ack after emit = %v, want none", state)
	}
	if len(tx.sent) != 1 || tx.sent[0].Type != wire.PTypeTruc {
		t.Fatalf("expected one truc packet, got %v", tx.sent)
	}
}

func TestHandleLibackIdempotent(t *testing.T) {
	p := partner.New(partner.Key{}, [6]byte{})
	p.EnqueueNonAcked(fakeEntry{seqNum: 0})
	p.EnqueueNonAcked(fakeEntry{seqNum: 1})

	acked := HandleLiback(p, 1, 2)
	if len(acked) != 2 {
		t.Fatalf("acked = %d, want 2", len(acked))
	}

	dup := HandleLiback(p, 1, 2)
	if dup != nil {
		t.Errorf("duplicate liback should change no state, got %v", dup)
	}
}

func TestHandleNackLibRemovesRequest(t *testing.T) {
	p := partner.New(partner.Key{}, [6]byte{})
	p.EnqueueNonAcked(fakeEntry{seqNum: 5})

	if HandleNackLib(p, 5) == nil {
		t.Fatal("expected nack-lib handling to find the entry by seqnum")
	}
	if len(p.NonAckedSends()) != 0 {
		t.Error("nacked request should be removed from the non-acked queue")
	}
}

func TestEncodeDecodeLiback(t *testing.T) {
	data := EncodeLiback(seq.Num(1234), 56)
	ackBefore, acknum, ok := DecodeLiback(data)
	if !ok || ackBefore != 1234 || acknum != 56 {
		t.Errorf("round trip = (%v, %v, %v), want (1234, 56, true)", ackBefore, acknum, ok)
	}
}

type fakeEntry struct {
	seqNum seq.Num
}

func (f fakeEntry) SeqNum() seq.Num       { return f.seqNum }
func (f fakeEntry) SubmitTime() time.Time { return time.Time{} }
