package request

import (
	"context"
	"testing"
	"time"

	"github.com/openmx-go/omx/internal/omxerr"
	"github.com/openmx-go/omx/internal/partner"
)

func TestStateBitSet(t *testing.T) {
	r := New(KindSendTiny, partner.Key{}, time.Now())
	r.SetState(StateQueued | StateNeedAck)
	if !r.HasState(StateQueued) || !r.HasState(StateNeedAck) {
		t.Fatal("expected both bits set")
	}
	if r.HasState(StateDone) {
		t.Fatal("done should not be set yet")
	}
	r.ClearState(StateNeedAck)
	if r.HasState(StateNeedAck) {
		t.Fatal("need-ack should have been cleared")
	}
	if !r.HasState(StateQueued) {
		t.Fatal("clearing one bit should not disturb another")
	}
}

func TestCompleteWakesWait(t *testing.T) {
	r := New(KindRecv, partner.Key{}, time.Now())

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- r.Wait(context.Background())
	}()

	r.Complete(Status{MsgLength: 42, Code: omxerr.Success})

	if err := <-waitErr; err != nil {
		t.Fatalf("Wait returned %v, want nil", err)
	}
	if !r.Done() {
		t.Fatal("expected Done() true after Complete")
	}
	if got := r.Status().MsgLength; got != 42 {
		t.Errorf("status.MsgLength = %d, want 42", got)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	r := New(KindSendSmall, partner.Key{}, time.Now())
	r.Complete(Status{Code: omxerr.Success})
	r.Complete(Status{Code: omxerr.Truncated})
	if r.Status().Code != omxerr.Success {
		t.Errorf("second Complete should be ignored, got code %v", r.Status().Code)
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	r := New(KindRecv, partner.Key{}, time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := r.Wait(ctx)
	if err == nil {
		t.Fatal("expected Wait to return an error once context deadline passes")
	}
}
