// Part of package endpoint: the application-facing control surface
// (the ioctl-equivalent operations) and the connect handshake.
package endpoint

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/openmx-go/omx/internal/config"
	"github.com/openmx-go/omx/internal/omxerr"
	"github.com/openmx-go/omx/internal/partner"
	"github.com/openmx-go/omx/internal/request"
	"github.com/openmx-go/omx/internal/ring"
	"github.com/openmx-go/omx/internal/send"
	"github.com/openmx-go/omx/internal/wire"
)

// connectPayloadLen is the encoded size of a connect packet's Data
// field: a reply flag byte followed by a 4-byte little-endian session
// cookie.
const connectPayloadLen = 5

func encodeConnectPayload(isReply bool, sessionID uint32) []byte {
	b := make([]byte, connectPayloadLen)
	if isReply {
		b[0] = 1
	}
	binary.LittleEndian.PutUint32(b[1:], sessionID)
	return b
}

func decodeConnectPayload(data []byte) (isReply bool, sessionID uint32, ok bool) {
	if len(data) < connectPayloadLen {
		return false, 0, false
	}
	return data[0] != 0, binary.LittleEndian.Uint32(data[1:5]), true
}

// Connect initiates the handshake against a remote (peerIndex,
// endpointIndex): it generates a session cookie for the peer to echo
// back on its sends to us, and returns a request that completes once
// the peer's reply lands ("created on first interaction",
// made an explicit two-way handshake rather than lazily assumed).
func (e *Endpoint) Connect(peerIndex uint16, remoteEndpoint uint8, boardAddr [6]byte, now time.Time) (*request.Request, error) {
	key := partner.Key{PeerIndex: uint32(peerIndex), EndpointIndex: remoteEndpoint}
	p, created, err := e.Partners.GetOrCreate(key, boardAddr)
	if err != nil {
		return nil, err
	}
	p.SetLocalization(partner.LocalizationRemote)
	trueID, myID := p.Sessions()
	if created || myID == 0 {
		myID = e.nextSessID.Add(1)
		p.SetSessions(trueID, myID)
	}

	req := request.New(request.KindConnect, key, now)
	p.EnqueueConnectRequest(req)
	req.TouchSend(now)

	if err := e.sendConnectPacket(p, false, myID); err != nil {
		return req, err
	}
	return req, nil
}

func (e *Endpoint) sendConnectPacket(p *partner.Partner, isReply bool, sessionID uint32) error {
	head := e.headFor(p)
	pkt := &wire.Packet{Type: wire.PTypeConnect, Connect: &wire.ConnectPacket{
		DstEndpoint:   p.Key.EndpointIndex,
		SrcEndpoint:   e.Index,
		SrcGen:        e.Generation,
		DestPeerIndex: uint16(p.Key.PeerIndex),
		Data:          encodeConnectPayload(isReply, sessionID),
	}}
	return e.tx.Transmit(head, pkt)
}

// handleConnect dispatches both legs of the handshake: a fresh request
// (isReply=false) gets a partner created on demand and a reply sent
// back; a reply (isReply=true) completes our own outstanding Connect
// request.
func (e *Endpoint) handleConnect(head wire.Head, cp *wire.ConnectPacket, from *net.UDPAddr) {
	if cp == nil {
		return
	}
	isReply, sessionID, ok := decodeConnectPayload(cp.Data)
	if !ok {
		if e.m != nil {
			e.m.Dropped("connect-bad-payload")
		}
		return
	}

	key := e.partnerKeyFromHead(head, cp.SrcEndpoint)
	var boardAddr [6]byte
	p, created, err := e.Partners.GetOrCreate(key, boardAddr)
	if err != nil {
		if e.m != nil {
			e.m.Dropped("connect-no-resources")
		}
		return
	}
	p.SetLocalization(partner.LocalizationRemote)

	if isReply {
		_, back := p.Sessions()
		p.SetSessions(sessionID, back)
		for _, entry := range p.ConnectRequests() {
			if req, ok := entry.(*request.Request); ok {
				req.Complete(request.Status{Code: omxerr.Success})
			}
		}
		p.ClearConnectRequests()
		publishID(e.Expected, ring.EventConnectDone, uint32(p.Key.PeerIndex))
		return
	}

	_, back := p.Sessions()
	if created || back == 0 {
		back = e.nextSessID.Add(1)
	}
	p.SetSessions(sessionID, back)
	_ = e.sendConnectPacket(p, true, back)
}

// ScanConnectResends re-posts any outstanding connect request past its
// retry delay, for a caller to invoke from the same loop as Tick.
func (e *Endpoint) ScanConnectResends(now time.Time) {
	retryDelay := e.cfg.ConnectRetryDelay
	if retryDelay <= 0 {
		retryDelay = config.DefaultConnectRetryDelay
	}
	e.Partners.Each(func(p *partner.Partner) {
		for _, entry := range p.ConnectRequests() {
			req, ok := entry.(*request.Request)
			if !ok || req.Done() {
				continue
			}
			if now.Sub(req.LastSendTime()) < retryDelay {
				continue
			}
			_, myID := p.Sessions()
			req.TouchSend(now)
			_ = e.sendConnectPacket(p, false, myID)
		}
	})
}

func kindForStrategy(s send.Strategy) request.Kind {
	switch s {
	case send.StrategyTiny:
		return request.KindSendTiny
	case send.StrategySmall:
		return request.KindSendSmall
	case send.StrategyMedium:
		return request.KindSendMedium
	default:
		return request.KindSendLarge
	}
}

// Isend posts a send of payload, matched on (matchA, matchB), to the
// partner identified by key, classifying it into the right wire
// strategy. Large sends register payload as a pinned region so the
// peer's pull can read it by reference.
func (e *Endpoint) Isend(key partner.Key, payload []byte, matchA, matchB uint32, now time.Time) (*request.Request, error) {
	p, ok := e.Partners.Lookup(key)
	if !ok {
		return nil, omxerr.New(omxerr.BadEndpoint)
	}

	strategy := send.Classify(len(payload))
	req := request.New(kindForStrategy(strategy), key, now)

	var regionID uint32
	if strategy == send.StrategyLarge {
		id, _, err := e.RCache.RegisterOrReuse([][]byte{payload}, uint64(len(payload)))
		if err != nil {
			return nil, err
		}
		regionID = id
		req.RegionID = regionID
		e.mu.Lock()
		e.largeSends[largeKey{partner: key, rdmaID: uint8(regionID)}] = req
		e.mu.Unlock()
	}

	_, err := e.Send.Dispatch(p, req, e.sendParams(p), matchA, matchB, payload, regionID, uint8(regionID), e.tx, now)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Irecv posts a receive buffer matched against (matchKey, matchMask).
func (e *Endpoint) Irecv(partnerKey partner.Key, buffer []byte, matchKey, matchMask uint64, now time.Time) *request.Request {
	req := request.New(request.KindRecv, partnerKey, now)
	req.Buffer = buffer
	if d := e.Recv.PostReceive(req, matchKey, matchMask); d != nil && d.Rendezvous != nil {
		if p, ok := e.Partners.Lookup(d.PartnerKey); ok {
			e.startPullFor(p, req, d)
		}
	}
	return req
}

// Cancel withdraws a not-yet-matched posted receive (the cancel
// semantics: succeeds only before a match has landed).
func (e *Endpoint) Cancel(req *request.Request) bool {
	return e.Recv.CancelReceive(req)
}

// Probe reports whether an unexpected message matching (matchKey,
// matchMask) is already sitting in the unexpected queue, without
// consuming it, along with its match info and length. A rendezvous
// announcement reports its announced msg_length even though no payload
// has arrived yet.
func (e *Endpoint) Probe(matchKey, matchMask uint64) (matchA, matchB uint32, msgLength uint32, found bool) {
	d, ok := e.Recv.Probe(matchKey, matchMask)
	if !ok {
		return 0, 0, 0, false
	}
	length := uint32(len(d.Payload))
	if d.Rendezvous != nil {
		length = d.Rendezvous.MsgLength
	}
	return d.MatchA, d.MatchB, length, true
}

// Wait blocks until req completes or ctx is cancelled.
func (e *Endpoint) Wait(ctx context.Context, req *request.Request) error {
	return req.Wait(ctx)
}

// WaitAny blocks until any one of reqs completes, or ctx is cancelled,
// returning the index of whichever one. Matches the application's
// omx_wait_any/omx_test_any wide-fan-in idiom; polls rather than
// reflect.Select since the request count varies per call site.
func (e *Endpoint) WaitAny(ctx context.Context, reqs []*request.Request) (int, error) {
	for i, r := range reqs {
		if r.Done() {
			return i, nil
		}
	}
	ticker := time.NewTicker(200 * time.Microsecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
			for i, r := range reqs {
				if r.Done() {
					return i, nil
				}
			}
		}
	}
}

// RegisterRegion pins payload for zero-copy rendezvous transfer and
// returns its region id.
func (e *Endpoint) RegisterRegion(segments [][]byte, length uint64) (uint32, error) {
	return e.Regions.Register(segments, length)
}

// DeregisterRegion releases a previously registered region.
func (e *Endpoint) DeregisterRegion(id uint32) error {
	e.RCache.Forget(id)
	return e.Regions.Deregister(id)
}

// Close tears down the endpoint: every in-flight send/connect against
// every known partner completes with EndpointClosed, then the partner
// table is emptied. Callers must stop feeding HandleFrame/Tick before
// calling Close (the RCU-style quiescence: no reader may still be
// touching ring/partner state when memory is freed).
func (e *Endpoint) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.Partners.Each(func(p *partner.Partner) {
		for _, entry := range p.NonAckedSends() {
			if req, ok := entry.(*request.Request); ok {
				req.Complete(request.Status{Code: omxerr.EndpointClosed})
			}
		}
		for _, entry := range p.ConnectRequests() {
			if req, ok := entry.(*request.Request); ok {
				req.Complete(request.Status{Code: omxerr.EndpointClosed})
			}
		}
	})
	e.Partners.Clear()
}
