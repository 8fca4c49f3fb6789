// Package progress implements the single-threaded cooperative progress
// tick that drives one endpoint: drains the event rings, releases
// throttled sends, scans for resend-due requests and due acks, and
// reports the next wakeup deadline for the blocking wait path.
package progress

import (
	"sync"
	"time"

	"github.com/openmx-go/omx/internal/ack"
	"github.com/openmx-go/omx/internal/config"
	"github.com/openmx-go/omx/internal/omxerr"
	"github.com/openmx-go/omx/internal/partner"
	"github.com/openmx-go/omx/internal/pull"
	"github.com/openmx-go/omx/internal/request"
	"github.com/openmx-go/omx/internal/ring"
	"github.com/openmx-go/omx/internal/send"
	"github.com/openmx-go/omx/internal/wire"
)

// Transmitter is the collaborator that puts a frame on the wire.
type Transmitter interface {
	Transmit(head wire.Head, p *wire.Packet) error
}

// Addressing resolves the wire addressing a liback for key needs: the
// destination head plus the endpoint triple the tiny-header carries.
type Addressing func(key partner.Key) (head wire.Head, dstEndpoint, srcEndpoint, srcGen uint8, ok bool)

// EventHandler consumes one drained ring event.
type EventHandler func(typ ring.EventType, body []byte)

// Loop is the per-endpoint progress driver. One Loop per endpoint; a
// Tick that starts while another is still running returns at once with
// ran=false, so only one pass runs at a time.
type Loop struct {
	expected   *ring.Ring
	unexpected *ring.Ring
	partners   *partner.Table
	send       *send.Engine
	ack        *ack.Scheduler
	pull       *pull.Engine
	addr       Addressing
	tx         Transmitter

	onExpected   EventHandler
	onUnexpected EventHandler

	connectRetryDelay time.Duration

	mu               sync.Mutex
	running          bool
	expectedCursor   uint64
	unexpectedCursor uint64
}

// Config bundles a Loop's fixed collaborators.
type Config struct {
	Expected          *ring.Ring
	Unexpected        *ring.Ring
	Partners          *partner.Table
	Send              *send.Engine
	Ack               *ack.Scheduler
	Pull              *pull.Engine
	Addr              Addressing
	Tx                Transmitter
	OnExpectedEvent   EventHandler
	OnUnexpectedEvent EventHandler
	ConnectRetryDelay time.Duration
}

// New builds a Loop from cfg.
func New(cfg Config) *Loop {
	return &Loop{
		expected:          cfg.Expected,
		unexpected:        cfg.Unexpected,
		partners:          cfg.Partners,
		send:              cfg.Send,
		ack:               cfg.Ack,
		pull:              cfg.Pull,
		addr:              cfg.Addr,
		tx:                cfg.Tx,
		onExpected:        cfg.OnExpectedEvent,
		onUnexpected:      cfg.OnUnexpectedEvent,
		connectRetryDelay: cfg.ConnectRetryDelay,
	}
}

// tryEnter enforces the re-entrancy ban: "if an application's
// unexpected-handler callback is executing, progress is a no-op until
// it returns."
func (l *Loop) tryEnter() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return false
	}
	l.running = true
	return true
}

func (l *Loop) exit() {
	l.mu.Lock()
	l.running = false
	l.mu.Unlock()
}

// Tick runs one pass of the six-step progress sequence and returns the
// next wakeup deadline (the zero Time if nothing is pending).
func (l *Loop) Tick(now time.Time) (wakeup time.Time, ran bool) {
	if !l.tryEnter() {
		return time.Time{}, false
	}
	defer l.exit()

	if l.expected != nil && l.onExpected != nil {
		l.mu.Lock()
		cursor := l.expectedCursor
		l.mu.Unlock()
		cursor = l.expected.Drain(cursor, l.onExpected)
		l.mu.Lock()
		l.expectedCursor = cursor
		l.mu.Unlock()
		l.expected.ReleaseChunk(cursor, config.RingReleaseChunk)
	}

	if l.unexpected != nil && l.onUnexpected != nil {
		l.mu.Lock()
		cursor := l.unexpectedCursor
		l.mu.Unlock()
		cursor = l.unexpected.Drain(cursor, l.onUnexpected)
		l.mu.Lock()
		l.unexpectedCursor = cursor
		l.mu.Unlock()
		l.unexpected.ReleaseChunk(cursor, config.RingReleaseChunk)
	}

	var disconnected []*partner.Partner
	wakeup = time.Time{}
	bump := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if wakeup.IsZero() || t.Before(wakeup) {
			wakeup = t
		}
	}

	if l.partners != nil {
		l.partners.Each(func(p *partner.Partner) {
			if l.send != nil {
				l.send.ScanThrottled(p, l.tx, now)

				if disconnect := l.send.ScanResends(p, l.tx, now); disconnect {
					disconnected = append(disconnected, p)
				} else {
					for _, e := range p.NonAckedSends() {
						bump(e.SubmitTime().Add(config.DefaultRetransmitDelay))
					}
				}
			}

			if l.ack != nil && l.addr != nil {
				if l.ack.Due(p, now) {
					if head, dstEp, srcEp, srcGen, ok := l.addr(p.Key); ok {
						_ = l.ack.Emit(head, dstEp, srcEp, srcGen, p, l.tx)
					}
				} else if state, oldest := p.NeedAckState(); state == partner.NeedAckDelayed {
					bump(oldest.Add(config.DefaultAckDelay))
				}
			}

			for _, e := range p.ConnectRequests() {
				bump(e.SubmitTime().Add(l.retryDelay()))
			}
		})
	}

	if l.pull != nil {
		l.pull.ScanTimeouts(l.tx, now)
	}

	for _, p := range disconnected {
		l.disconnectPartner(p)
	}

	return wakeup, true
}

func (l *Loop) retryDelay() time.Duration {
	if l.connectRetryDelay > 0 {
		return l.connectRetryDelay
	}
	return config.DefaultConnectRetryDelay
}

// disconnectPartner completes every in-flight request against p with a
// terminal status and removes it from the table.
func (l *Loop) disconnectPartner(p *partner.Partner) {
	for _, e := range p.NonAckedSends() {
		if req, ok := e.(*request.Request); ok {
			req.Complete(request.Status{Code: omxerr.EndpointClosed})
		}
	}
	for _, e := range p.ConnectRequests() {
		if req, ok := e.(*request.Request); ok {
			req.Complete(request.Status{Code: omxerr.EndpointClosed})
		}
	}
	if l.partners != nil {
		l.partners.Remove(p.Key)
	}
}
