// Package pull implements the rendezvous large-message pull engine: the
// requester's block/frame bitmap state machine and the responder's
// stateless pull-reply emission.
package pull

import (
	"sync"
	"time"

	"github.com/openmx-go/omx/internal/config"
	"github.com/openmx-go/omx/internal/metrics"
	"github.com/openmx-go/omx/internal/omxerr"
	"github.com/openmx-go/omx/internal/partner"
	"github.com/openmx-go/omx/internal/region"
	"github.com/openmx-go/omx/internal/request"
	"github.com/openmx-go/omx/internal/wire"
)

// Transmitter is the collaborator that puts a pull-request/pull-reply/
// notify frame on the wire.
type Transmitter interface {
	Transmit(head wire.Head, p *wire.Packet) error
}

// Params addresses the remote endpoint for pull-request and notify
// packets.
type Params struct {
	DstPeerIndex uint16
	DstEndpoint  uint8
	SrcEndpoint  uint8
	SrcGen       uint8
}

const windowFrames = 2 * config.RepliesPerBlock

// Handle is the per-in-flight-large-receive state of one rendezvous
// pull, tracking up to two blocks (REPLIES_PER_BLOCK frames each) in
// flight at a time.
type Handle struct {
	ID         uint32
	PartnerKey partner.Key

	p        *partner.Partner
	params   Params
	head     wire.Head
	srcMagic uint32

	localRegionID  uint32
	localOffset    uint64
	pulledRdmaID   uint32
	pulledOffset   uint32
	totalLength    uint32
	remaining      uint32

	frameIndex     uint16 // absolute frame number at bit 0 of the window
	missingBitmap  uint32
	copyingBitmap  uint32
	totalFrames    int

	req          *request.Request
	lastActivity time.Time
	resends      int
}

// Engine owns the set of in-flight pull handles for one endpoint.
type Engine struct {
	mu                sync.Mutex
	handles           map[uint32]*Handle
	nextID            uint32
	regions           *region.Registry
	pullResendTimeout time.Duration
	resendsMax        int
	m                 *metrics.Engine
}

func New(regions *region.Registry, pullResendTimeout time.Duration, resendsMax int, m *metrics.Engine) *Engine {
	return &Engine{
		handles:           make(map[uint32]*Handle),
		regions:           regions,
		pullResendTimeout: pullResendTimeout,
		resendsMax:        resendsMax,
		m:                 m,
	}
}

func blockCount(totalFrames int) int {
	n := 2
	if totalFrames < windowFrames {
		n = (totalFrames + config.RepliesPerBlock - 1) / config.RepliesPerBlock
	}
	return n
}

// StartPull allocates a handle for a matched large receive and posts one
// or two pull-request packets covering its initial block window.
func (e *Engine) StartPull(p *partner.Partner, params Params, head wire.Head, endpointIndex uint16, pulledRdmaID, pulledOffset, totalLength uint32, localRegionID uint32, localOffset uint64, req *request.Request, tx Transmitter, now time.Time) (*Handle, error) {
	totalFrames := int((totalLength + config.ReplyLengthMax - 1) / config.ReplyLengthMax)
	if totalFrames == 0 {
		totalFrames = 1
	}

	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.mu.Unlock()

	h := &Handle{
		ID:            id,
		PartnerKey:    p.Key,
		p:             p,
		params:        params,
		head:          head,
		srcMagic:      wire.SrcMagic(endpointIndex),
		localRegionID: localRegionID,
		localOffset:   localOffset,
		pulledRdmaID:  pulledRdmaID,
		pulledOffset:  pulledOffset,
		totalLength:   totalLength,
		remaining:     totalLength,
		totalFrames:   totalFrames,
		req:           req,
		lastActivity:  now,
	}

	bits := blockCount(totalFrames) * config.RepliesPerBlock
	if bits > totalFrames {
		bits = totalFrames
	}
	h.missingBitmap = (uint32(1)<<uint(bits) - 1)

	e.mu.Lock()
	e.handles[id] = h
	count := len(e.handles)
	e.mu.Unlock()
	if e.m != nil {
		e.m.SetPullBlocksInFlight(count)
	}

	if err := e.postBlockRequest(h, 0, tx); err != nil {
		return h, err
	}
	if blockCount(totalFrames) == 2 {
		if err := e.postBlockRequest(h, config.RepliesPerBlock, tx); err != nil {
			return h, err
		}
	}
	return h, nil
}

func (e *Engine) postBlockRequest(h *Handle, blockStartFrame int, tx Transmitter) error {
	startOffset := uint32(blockStartFrame) * config.ReplyLengthMax
	if startOffset >= h.totalLength {
		return nil
	}
	blockLen := uint32(config.BlockLengthMax)
	if startOffset+blockLen > h.totalLength {
		blockLen = h.totalLength - startOffset
	}

	trueSession, _ := h.p.Sessions()
	pkt := &wire.Packet{Type: wire.PTypePullRequest, PullRequest: &wire.PullRequestPacket{
		DstEndpoint:      h.params.DstEndpoint,
		SrcEndpoint:      h.params.SrcEndpoint,
		SrcGen:           h.params.SrcGen,
		Session:          trueSession,
		Length:           blockLen,
		PullerRdmaID:     h.localRegionID,
		PullerOffset:     uint32(h.localOffset) + startOffset,
		PulledRdmaID:     h.pulledRdmaID,
		PulledOffset:     h.pulledOffset + startOffset,
		SrcPullHandle:    h.ID,
		SrcMagic:         h.srcMagic,
		BlockLength:      uint16(blockLen),
		FrameIndex:       uint16(blockStartFrame),
		FirstFrameOffset: uint16(startOffset % config.ReplyLengthMax),
	}}
	return tx.Transmit(h.head, pkt)
}

// HandlePullRequest is the responder side: it never keeps per-reply
// state, emitting up to REPLIES_PER_BLOCK pull-reply packets by
// reference into the pulled region.
func (e *Engine) HandlePullRequest(head wire.Head, pr *wire.PullRequestPacket, tx Transmitter) error {
	r, err := e.regions.Acquire(pr.PulledRdmaID)
	if err != nil {
		return err
	}
	defer e.regions.Release(r)

	remaining := pr.Length
	offset := uint64(pr.PulledOffset)
	msgOffset := uint32(pr.FrameIndex) * config.ReplyLengthMax
	frameSeqnum := uint8(pr.FrameIndex)

	replies := int((uint32(pr.BlockLength) + config.ReplyLengthMax - 1) / config.ReplyLengthMax)
	if replies > config.RepliesPerBlock {
		replies = config.RepliesPerBlock
	}

	for i := 0; i < replies && remaining > 0; i++ {
		fl := uint32(config.ReplyLengthMax)
		if fl > remaining {
			fl = remaining
		}
		var frame [][]byte
		if err := region.AppendPagesToFrame(r, offset, &frame, uint64(fl)); err != nil {
			return err
		}
		pkt := &wire.Packet{Type: wire.PTypePullReply, PullReply: &wire.PullReplyPacket{
			Length:        pr.Length,
			PullerRdmaID:  pr.PullerRdmaID,
			PullerOffset:  pr.PullerOffset,
			DstPullHandle: pr.SrcPullHandle,
			DstMagic:      pr.SrcMagic,
			FrameSeqnum:   frameSeqnum,
			FrameLength:   uint16(fl),
			MsgOffset:     msgOffset,
			Payload:       frame[0],
		}}
		if err := tx.Transmit(head, pkt); err != nil {
			return err
		}
		offset += uint64(fl)
		msgOffset += fl
		remaining -= fl
		frameSeqnum++
	}
	return nil
}

// Lookup returns the handle by id, for the progress loop's timeout scan.
func (e *Engine) Lookup(id uint32) (*Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[id]
	return h, ok
}

func blockMask() uint32 {
	return uint32(1)<<uint(config.RepliesPerBlock) - 1
}

// HandlePullReply validates and applies one pull-reply frame: clears its
// bit from missing, copies the payload into the local region, advances
// the block window once the low block's bits are all clear, and posts
// the next block request when the window slides. Returns done once the
// whole transfer has landed.
func (e *Engine) HandlePullReply(pkt *wire.PullReplyPacket, tx Transmitter, now time.Time) (done bool, handle *Handle) {
	e.mu.Lock()
	h, ok := e.handles[pkt.DstPullHandle]
	e.mu.Unlock()
	if !ok {
		return false, nil
	}
	if pkt.DstMagic != h.srcMagic {
		return false, h
	}

	bit := int16(int8(pkt.FrameSeqnum - uint8(h.frameIndex)))
	if bit < 0 || bit >= windowFrames {
		return false, h
	}
	mask := uint32(1) << uint(bit)
	if h.missingBitmap&mask == 0 {
		return false, h // duplicate or already processed
	}

	h.missingBitmap &^= mask
	h.copyingBitmap |= mask

	if r, err := e.regions.Acquire(h.localRegionID); err == nil {
		_ = region.FillPagesFromFrame(r, h.localOffset+uint64(pkt.MsgOffset), pkt.Payload)
		e.regions.Release(r)
	}
	h.copyingBitmap &^= mask
	if h.remaining > uint32(pkt.FrameLength) {
		h.remaining -= uint32(pkt.FrameLength)
	} else {
		h.remaining = 0
	}
	h.lastActivity = now
	h.resends = 0

	for h.missingBitmap&blockMask() == 0 && h.copyingBitmap&blockMask() == 0 && h.frameIndex < uint16(h.totalFrames) {
		h.missingBitmap >>= config.RepliesPerBlock
		h.copyingBitmap >>= config.RepliesPerBlock
		h.frameIndex += config.RepliesPerBlock
		next := int(h.frameIndex) + config.RepliesPerBlock
		if next < h.totalFrames {
			startOffset := uint32(next) * config.ReplyLengthMax
			if startOffset < h.totalLength {
				newBits := config.RepliesPerBlock
				remainingFrames := h.totalFrames - next
				if remainingFrames < newBits {
					newBits = remainingFrames
				}
				h.missingBitmap |= (uint32(1)<<uint(newBits) - 1) << config.RepliesPerBlock
				_ = e.postBlockRequest(h, next, tx)
			}
		}
	}

	if h.missingBitmap == 0 && h.copyingBitmap == 0 && h.remaining == 0 {
		e.finish(h, tx)
		return true, h
	}
	return false, h
}

// finish copies the pulled region back into the matched request's
// buffer, releases the region, completes the recv-large request, sends
// the notify that lets the sender complete its send-large request, and
// drops the handle.
func (e *Engine) finish(h *Handle, tx Transmitter) {
	e.mu.Lock()
	delete(e.handles, h.ID)
	count := len(e.handles)
	e.mu.Unlock()
	if e.m != nil {
		e.m.SetPullBlocksInFlight(count)
	}

	xfer := h.totalLength - h.remaining
	code := omxerr.Success
	if r, err := e.regions.Acquire(h.localRegionID); err == nil {
		end := xfer
		if n := uint32(len(h.req.Buffer)); n < end {
			end = n
			code = omxerr.Truncated
		}
		copy(h.req.Buffer, r.Bytes()[h.localOffset:h.localOffset+uint64(end)])
		e.regions.Release(r)
	}
	_ = e.regions.Deregister(h.localRegionID)

	h.req.Complete(request.Status{MsgLength: h.totalLength, XferLength: xfer, Code: code})
	e.sendNotify(h, tx)
}

func (e *Engine) sendNotify(h *Handle, tx Transmitter) {
	trueSession, _ := h.p.Sessions()
	_, nextFrag, _ := h.p.RecvSeqState()
	seqNum := h.p.AssignSendSeq()
	dh := wire.DataHeader{
		DstEndpoint: h.params.DstEndpoint,
		SrcEndpoint: h.params.SrcEndpoint,
		SrcGen:      h.params.SrcGen,
		LibSeqnum:   uint16(seqNum),
		LibPiggyack: uint16(nextFrag - 1),
		Session:     trueSession,
	}
	pkt := &wire.Packet{Type: wire.PTypeNotify, Notify: &wire.NotifyPacket{
		DataHeader:       dh,
		TotalLength:      h.totalLength - h.remaining,
		PullerRdmaID:     uint8(h.pulledRdmaID),
		PullerRdmaSeqnum: 0,
	}}
	_ = tx.Transmit(h.head, pkt)
}

// ScanTimeouts re-issues the current block's pull-request for any handle
// idle past pull_resend_timeout, or fails it past resendsMax attempts
// (failure path: destroy the handle, deregister its local region and
// complete the request with Truncated; no PULL_DONE event is published
// and the partner is never nacked).
func (e *Engine) ScanTimeouts(tx Transmitter, now time.Time) {
	e.mu.Lock()
	var stale []*Handle
	for _, h := range e.handles {
		if now.Sub(h.lastActivity) > e.pullResendTimeout {
			stale = append(stale, h)
		}
	}
	e.mu.Unlock()

	for _, h := range stale {
		h.resends++
		if h.resends > e.resendsMax {
			e.fail(h)
			continue
		}
		_ = e.postBlockRequest(h, int(h.frameIndex), tx)
		h.lastActivity = now
	}
}

func (e *Engine) fail(h *Handle) {
	e.mu.Lock()
	delete(e.handles, h.ID)
	count := len(e.handles)
	e.mu.Unlock()
	if e.m != nil {
		e.m.SetPullBlocksInFlight(count)
	}
	_ = e.regions.Deregister(h.localRegionID)
	h.req.Complete(request.Status{MsgLength: h.totalLength, XferLength: h.totalLength - h.remaining, Code: omxerr.Truncated})
}
