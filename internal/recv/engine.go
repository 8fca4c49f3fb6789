// Package recv implements the receive engine: per-packet
// acceptance against the partner's sliding window, matching against
// posted and unexpected queues with per-partner FIFO preserved through
// an early-arrival list, and medium-message fragment reassembly.
package recv

import (
	"sync"
	"time"

	"github.com/openmx-go/omx/internal/config"
	"github.com/openmx-go/omx/internal/metrics"
	"github.com/openmx-go/omx/internal/omxerr"
	"github.com/openmx-go/omx/internal/partner"
	"github.com/openmx-go/omx/internal/request"
	"github.com/openmx-go/omx/internal/seq"
)

// Delivery is a fully-formed incoming message ready for matching: a
// tiny/small/medium payload, or a rendezvous announcement with no
// payload of its own ("wire packet" made concrete per kind).
type Delivery struct {
	PartnerKey partner.Key
	SeqNum     seq.Num
	MatchA     uint32
	MatchB     uint32
	Payload    []byte          // nil for rendezvous
	Rendezvous *RendezvousInfo // non-nil only for rendezvous deliveries
}

// RendezvousInfo carries the large-message announcement fields off the
// wire, consumed by internal/pull once this delivery is matched.
type RendezvousInfo struct {
	MsgLength  uint32
	RdmaID     uint8
	RdmaSeqnum uint8
	RdmaOffset uint16
}

// Accept runs the wire-layer window check: negative offset is a
// duplicate, an offset past the window is out-of-range, both silently
// dropped; otherwise the packet is accepted.
func Accept(p *partner.Partner, seqnum seq.Num) (accept bool) {
	_, nextFrag, _ := p.RecvSeqState()
	offset := seqnum.Diff(nextFrag)
	if offset < 0 {
		return false
	}
	if uint16(offset) >= config.SendWindowSize {
		return false
	}
	return true
}

// PartialReceive is the in-progress reassembly state for one medium
// message, keyed by its single sequence number across however many
// physical fragments it took ("partial (fragment-reassembly)
// receives" queue). Implements partner.Entry so it can live on the
// partner's partial-receive queue without an import cycle.
type PartialReceive struct {
	seqNum        seq.Num
	submit        time.Time
	matchA        uint32
	matchB        uint32
	total         int
	chunks        [][]byte
	receivedCount int
}

func (pr *PartialReceive) SeqNum() seq.Num       { return pr.seqNum }
func (pr *PartialReceive) SubmitTime() time.Time { return pr.submit }

// earlyEntry buffers a fully-formed delivery that arrived ahead of
// next_match_recv_seq, so matching can replay it in order later (the
// partner's early-arrival list).
type earlyEntry struct {
	seqNum   seq.Num
	submit   time.Time
	delivery *Delivery
}

func (e *earlyEntry) SeqNum() seq.Num       { return e.seqNum }
func (e *earlyEntry) SubmitTime() time.Time { return e.submit }

// Engine owns the endpoint's posted-receive and unexpected-message
// queues and the matching algorithm.
type Engine struct {
	mu         sync.Mutex
	posted     []*request.Request
	unexpected []*Delivery
	m          *metrics.Engine
}

func New(m *metrics.Engine) *Engine {
	return &Engine{m: m}
}

func matches(matchA, matchB uint32, key, mask uint64) bool {
	info := uint64(matchA)<<32 | uint64(matchB)
	return info&mask == key
}

// PostReceive registers an application irecv. If a matching delivery is
// already sitting in the unexpected queue it is removed and returned, and
// req completes at once unless the delivery is a rendezvous (the caller
// then starts the pull); otherwise the request waits on the posted list
// and nil is returned.
func (e *Engine) PostReceive(req *request.Request, matchKey, matchMask uint64) *Delivery {
	req.MatchKey = matchKey
	req.MatchMask = matchMask

	e.mu.Lock()
	for i, d := range e.unexpected {
		if matches(d.MatchA, d.MatchB, matchKey, matchMask) {
			e.unexpected = append(e.unexpected[:i], e.unexpected[i+1:]...)
			e.mu.Unlock()
			e.complete(req, d)
			return d
		}
	}
	e.posted = append(e.posted, req)
	e.mu.Unlock()
	return nil
}

// Probe peeks the unexpected queue for a delivery matching (matchKey,
// matchMask) without consuming it, for the application's iprobe: the
// caller learns a message's size and match info before deciding whether
// to post a receive for it.
func (e *Engine) Probe(matchKey, matchMask uint64) (Delivery, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range e.unexpected {
		if matches(d.MatchA, d.MatchB, matchKey, matchMask) {
			return *d, true
		}
	}
	return Delivery{}, false
}

// CancelReceive removes a posted, not-yet-matched receive: cancel
// succeeds only for receives not yet matched.
func (e *Engine) CancelReceive(req *request.Request) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.posted {
		if r == req {
			e.posted = append(e.posted[:i], e.posted[i+1:]...)
			return true
		}
	}
	return false
}

func (e *Engine) complete(req *request.Request, d *Delivery) {
	if d.Rendezvous != nil {
		// Large messages complete through the pull engine's PULL_DONE
		// path, not here; the caller is responsible for starting the
		// pull once it sees this delivery was matched.
		return
	}
	n := copy(req.Buffer, d.Payload)
	code := omxerr.Success
	if n < len(d.Payload) {
		code = omxerr.Truncated
	}
	req.Complete(request.Status{MatchA: d.MatchA, MatchB: d.MatchB, MsgLength: uint32(len(d.Payload)), XferLength: uint32(n), Code: code})
}

// deliver matches a fully-formed message against the posted list,
// falling back to the unexpected queue (matching rule).
// Returns the matched request, or nil if the delivery was queued.
func (e *Engine) deliver(d *Delivery) *request.Request {
	e.mu.Lock()
	for i, req := range e.posted {
		if matches(d.MatchA, d.MatchB, req.MatchKey, req.MatchMask) {
			e.posted = append(e.posted[:i], e.posted[i+1:]...)
			e.mu.Unlock()
			e.complete(req, d)
			return req
		}
	}
	e.unexpected = append(e.unexpected, d)
	e.mu.Unlock()
	return nil
}

// HandlePacket enforces per-partner FIFO at the matching layer: a
// delivery whose seqnum is not next_match_recv_seq is buffered on the
// partner's early list until its predecessors have matched. Returns
// the request matched by this delivery, if any, and every request
// matched by now-ready early arrivals it unblocked.
func (e *Engine) HandlePacket(p *partner.Partner, d *Delivery, now time.Time) (matched *request.Request, unblocked []*request.Request) {
	nextMatch, _, _ := p.RecvSeqState()
	if d.SeqNum != nextMatch {
		p.EnqueueEarly(&earlyEntry{seqNum: d.SeqNum, submit: now, delivery: d})
		return nil, nil
	}

	matched = e.deliver(d)
	p.AdvanceMatchRecvSeq()

	for {
		next, _, _ := p.RecvSeqState()
		entry, ok := p.PopEarlyMatching(next)
		if !ok {
			break
		}
		ee, ok := entry.(*earlyEntry)
		if !ok {
			continue
		}
		if r := e.deliver(ee.delivery); r != nil {
			unblocked = append(unblocked, r)
		}
		p.AdvanceMatchRecvSeq()
	}
	return matched, unblocked
}

// HandleMediumFragment reassembles one fragment of a medium message,
// returning a fully-formed Delivery once total fragments (carried in
// frag_pipeline) have all arrived.
func (e *Engine) HandleMediumFragment(p *partner.Partner, seqnum seq.Num, fragSeqnum, total uint8, matchA, matchB uint32, payload []byte, now time.Time) (d *Delivery, accepted bool) {
	if !Accept(p, seqnum) {
		return nil, false
	}

	var pr *PartialReceive
	for _, entry := range p.PartialReceives() {
		if cand, ok := entry.(*PartialReceive); ok && cand.seqNum == seqnum {
			pr = cand
			break
		}
	}
	if pr == nil {
		pr = &PartialReceive{
			seqNum: seqnum,
			submit: now,
			matchA: matchA,
			matchB: matchB,
			total:  int(total),
			chunks: make([][]byte, total),
		}
		p.EnqueuePartialReceive(pr)
	}

	if int(fragSeqnum) < len(pr.chunks) && pr.chunks[fragSeqnum] == nil {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		pr.chunks[fragSeqnum] = buf
		pr.receivedCount++
	}

	if pr.receivedCount < pr.total {
		return nil, true
	}

	var full []byte
	for _, c := range pr.chunks {
		full = append(full, c...)
	}
	p.RemovePartialReceive(pr)
	p.AdvanceFragRecvSeq(seqnum)

	return &Delivery{PartnerKey: p.Key, SeqNum: seqnum, MatchA: pr.matchA, MatchB: pr.matchB, Payload: full}, true
}

// AcceptSingle runs the window check and, on acceptance, immediately
// advances next_frag_recv_seq for single-packet message kinds
// (tiny/small/rendezvous/notify), each their own complete "fragment"
// at the wire layer.
func AcceptSingle(p *partner.Partner, seqnum seq.Num) bool {
	if !Accept(p, seqnum) {
		return false
	}
	p.AdvanceFragRecvSeq(seqnum)
	return true
}
