// Package partner implements the per-remote-endpoint state table:
// session ids, sequence windows, ack bookkeeping and the five request
// queues hung off each partner.
package partner

import (
	"sync"
	"time"

	"github.com/openmx-go/omx/internal/config"
	"github.com/openmx-go/omx/internal/seq"
)

// NeedAck is the per-partner ack urgency, driven by the ack scheduler
// and consulted by the progress loop.
type NeedAck int

const (
	NeedAckNone NeedAck = iota
	NeedAckDelayed
	NeedAckImmediate
)

// Localization records whether a partner was discovered to share this
// host (eligible for a shared-memory fast path a real board driver
// would offer) or sits across the wire. Never set to LocalShared by
// this port since internal/transport has no shared-memory collaborator
// to localize against; carried for wire/API compatibility with the
// Open-MX reference.
type Localization int

const (
	LocalizationUnknown Localization = iota
	LocalizationLocalShared
	LocalizationRemote
)

// Entry is anything a partner queue can hold: send/recv requests queued
// for retransmission, throttling release or reassembly. Defined here
// rather than importing internal/request to keep partner a leaf
// package — requests carry a PartnerKey, not a pointer back to their
// Partner.
type Entry interface {
	SeqNum() seq.Num
	SubmitTime() time.Time
}

// Key identifies a partner by local peer assignment and remote endpoint
// index.
type Key struct {
	PeerIndex     uint32
	EndpointIndex uint8
}

// Partner is one per-(peer, remote endpoint) state block.
type Partner struct {
	Key       Key
	BoardAddr [6]byte

	mu sync.Mutex

	trueSessionID uint32
	backSessionID uint32

	nextSendSeq      seq.Num
	nextAckedSendSeq seq.Num
	lastSendAcknum   uint16
	lastRecvAcknum   uint16
	haveRecvAcknum   bool

	nextMatchRecvSeq seq.Num
	nextFragRecvSeq  seq.Num
	lastAckedRecvSeq seq.Num

	oldestRecvTimeNotAcked time.Time
	unackedFragments       int
	needAck                NeedAck

	throttlingSendsNr int
	localization      Localization

	nonAckedSends   []Entry
	throttledSends  []Entry
	connectRequests []Entry
	partialReceives []Entry
	earlyArrivals   []Entry
}

// New creates a freshly discovered partner ("created on first
// interaction").
func New(key Key, boardAddr [6]byte) *Partner {
	return &Partner{Key: key, BoardAddr: boardAddr}
}

// Sessions returns the outgoing and incoming session ids.
func (p *Partner) Sessions() (trueSessionID, backSessionID uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trueSessionID, p.backSessionID
}

// SetSessions records the session ids established by the connect
// handshake.
func (p *Partner) SetSessions(trueSessionID, backSessionID uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trueSessionID = trueSessionID
	p.backSessionID = backSessionID
}

// Localization returns the partner's current localization.
func (p *Partner) Localization() Localization {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localization
}

// SetLocalization updates the partner's localization, decided once by
// the connect handshake.
func (p *Partner) SetLocalization(l Localization) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localization = l
}

// InFlight returns how many send sequence numbers are outstanding
// (assigned but not yet acked).
func (p *Partner) InFlight() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint16(p.nextSendSeq.Diff(p.nextAckedSendSeq))
}

// Throttled reports whether the partner's outstanding send window is
// exhausted (throttling trigger).
func (p *Partner) Throttled() bool {
	return p.InFlight() >= config.SendWindowSize
}

// AssignSendSeq hands out the next send sequence number and advances
// next_send_seq ("each successful outbound enqueue consumes
// next_send_seq++").
func (p *Partner) AssignSendSeq() seq.Num {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.nextSendSeq
	p.nextSendSeq = p.nextSendSeq.Add(1)
	return n
}

// NextSendSeq returns the next sequence number that would be assigned,
// without consuming it.
func (p *Partner) NextSendSeq() seq.Num {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextSendSeq
}

// AckSendsBefore marks every non-acked send with a sequence number
// before ackBefore as acked, advancing next_acked_send_seq, and returns
// the newly-acked entries for the caller to release buffers/notify
// completion.
func (p *Partner) AckSendsBefore(ackBefore seq.Num) []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	var acked []Entry
	var remaining []Entry
	for _, e := range p.nonAckedSends {
		if e.SeqNum().Before(ackBefore) {
			acked = append(acked, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	p.nonAckedSends = remaining
	if ackBefore.Diff(p.nextAckedSendSeq) > 0 {
		p.nextAckedSendSeq = ackBefore
	}
	return acked
}

// RecordRecvAcknum applies incoming-liback idempotency: returns false if
// acknum is not newer than the last one seen from this partner.
func (p *Partner) RecordRecvAcknum(acknum uint16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.haveRecvAcknum && int16(acknum-p.lastRecvAcknum) <= 0 {
		return false
	}
	p.lastRecvAcknum = acknum
	p.haveRecvAcknum = true
	return true
}

// NextSendAcknum allocates the next outgoing acknum for an immediate or
// delayed liback this partner emits.
func (p *Partner) NextSendAcknum() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSendAcknum++
	return p.lastSendAcknum
}

// RecvSeqState returns the matching-layer and wire-layer receive
// cursors (next_match_recv_seq / next_frag_recv_seq pair).
func (p *Partner) RecvSeqState() (nextMatch, nextFrag, lastAcked seq.Num) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextMatchRecvSeq, p.nextFragRecvSeq, p.lastAckedRecvSeq
}

// AdvanceFragRecvSeq records that a fragment at seqnum has been
// accepted by the wire layer, incrementing next_frag_recv_seq.
func (p *Partner) AdvanceFragRecvSeq(accepted seq.Num) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := accepted.Add(1)
	if next.Diff(p.nextFragRecvSeq) > 0 {
		p.nextFragRecvSeq = next
	}
}

// AdvanceMatchRecvSeq records that a message has been matched,
// incrementing next_match_recv_seq.
func (p *Partner) AdvanceMatchRecvSeq() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextMatchRecvSeq = p.nextMatchRecvSeq.Add(1)
}

// SetLastAckedRecvSeq records the last recv seqnum this partner has
// been told we've acked.
func (p *Partner) SetLastAckedRecvSeq(n seq.Num) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastAckedRecvSeq = n
}

// NoteFragmentReceived bumps the unacked-fragment counter and escalates
// need_ack to immediate at not_acked_max, else to delayed, stamping
// oldest_recv_time_not_acked on the first unacked fragment of the batch.
func (p *Partner) NoteFragmentReceived(now time.Time) NeedAck {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unackedFragments == 0 {
		p.oldestRecvTimeNotAcked = now
	}
	p.unackedFragments++
	if p.unackedFragments >= config.NotAckedMax {
		p.needAck = NeedAckImmediate
	} else if p.needAck == NeedAckNone {
		p.needAck = NeedAckDelayed
	}
	return p.needAck
}

// NeedAckState returns the current ack urgency and the arrival time of
// the oldest received fragment not yet acked.
func (p *Partner) NeedAckState() (NeedAck, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.needAck, p.oldestRecvTimeNotAcked
}

// ClearNeedAck resets ack bookkeeping after an ack has been sent.
func (p *Partner) ClearNeedAck() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.needAck = NeedAckNone
	p.unackedFragments = 0
}

// ThrottlingSendsNr returns the number of requests parked on the
// throttled list.
func (p *Partner) ThrottlingSendsNr() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.throttledSends)
}

// EnqueueThrottled parks a request that cannot yet be sent because the
// partner's window is exhausted.
func (p *Partner) EnqueueThrottled(e Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.throttledSends = append(p.throttledSends, e)
	p.throttlingSendsNr = len(p.throttledSends)
}

// ReleaseThrottled pops up to n throttled requests, released in FIFO
// order as sequence-space frees up on ack.
func (p *Partner) ReleaseThrottled(n int) []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > len(p.throttledSends) {
		n = len(p.throttledSends)
	}
	released := p.throttledSends[:n]
	p.throttledSends = p.throttledSends[n:]
	p.throttlingSendsNr = len(p.throttledSends)
	return released
}

// EnqueueNonAcked records a send as posted and awaiting ack.
func (p *Partner) EnqueueNonAcked(e Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nonAckedSends = append(p.nonAckedSends, e)
}

// NonAckedSends returns a snapshot of the non-acked send queue, for the
// retransmission scanner.
func (p *Partner) NonAckedSends() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, len(p.nonAckedSends))
	copy(out, p.nonAckedSends)
	return out
}

// EnqueueConnectRequest records an outstanding connect handshake.
func (p *Partner) EnqueueConnectRequest(e Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectRequests = append(p.connectRequests, e)
}

// ConnectRequests returns a snapshot of outstanding connect requests.
func (p *Partner) ConnectRequests() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, len(p.connectRequests))
	copy(out, p.connectRequests)
	return out
}

// ClearConnectRequests drops all outstanding connect requests, e.g.
// once the handshake completes.
func (p *Partner) ClearConnectRequests() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectRequests = nil
}

// EnqueuePartialReceive records a medium message mid-reassembly.
func (p *Partner) EnqueuePartialReceive(e Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.partialReceives = append(p.partialReceives, e)
}

// PartialReceives returns a snapshot of in-progress reassemblies.
func (p *Partner) PartialReceives() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, len(p.partialReceives))
	copy(out, p.partialReceives)
	return out
}

// RemovePartialReceive drops a completed or abandoned reassembly.
func (p *Partner) RemovePartialReceive(e Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.partialReceives {
		if cur == e {
			p.partialReceives = append(p.partialReceives[:i], p.partialReceives[i+1:]...)
			return
		}
	}
}

// EnqueueEarly buffers a message that arrived ahead of
// next_match_recv_seq, to preserve per-peer FIFO matching order.
func (p *Partner) EnqueueEarly(e Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.earlyArrivals = append(p.earlyArrivals, e)
}

// PopEarlyMatching removes and returns the early-arrival entry whose
// sequence number equals want, if any.
func (p *Partner) PopEarlyMatching(want seq.Num) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.earlyArrivals {
		if e.SeqNum() == want {
			p.earlyArrivals = append(p.earlyArrivals[:i], p.earlyArrivals[i+1:]...)
			return e, true
		}
	}
	return nil, false
}
