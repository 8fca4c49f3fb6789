package wire

import (
	"encoding/binary"
	"fmt"
)

// ParseError reports a decode/validation failure. Callers count and
// silently drop these; the sender is expected to retransmit.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "wire: " + e.Reason }

func parseErr(format string, args ...any) error {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

const headSize = 2 // DstSrcPeerIndex, uint16 LE

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) bytes(b []byte) { w.buf = append(w.buf, b...) }

type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) u8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, parseErr("truncated frame reading u8 at offset %d", r.off)
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, parseErr("truncated frame reading u16 at offset %d", r.off)
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, parseErr("truncated frame reading u32 at offset %d", r.off)
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, parseErr("truncated frame reading %d bytes at offset %d", n, r.off)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) rest() []byte {
	b := r.buf[r.off:]
	r.off = len(r.buf)
	return b
}

func writeDataHeader(w *writer, ptype PType, h DataHeader, length uint16) {
	w.u8(uint8(ptype))
	w.u8(h.DstEndpoint)
	w.u8(h.SrcEndpoint)
	w.u8(h.SrcGen)
	w.u16(length)
	w.u16(0) // pad
	w.u16(h.LibSeqnum)
	w.u16(h.LibPiggyack)
	w.u32(h.MatchA)
	w.u32(h.MatchB)
	w.u32(h.Session)
}

func readDataHeader(r *reader) (DataHeader, uint16, error) {
	var h DataHeader
	var err error
	if h.DstEndpoint, err = r.u8(); err != nil {
		return h, 0, err
	}
	if h.SrcEndpoint, err = r.u8(); err != nil {
		return h, 0, err
	}
	if h.SrcGen, err = r.u8(); err != nil {
		return h, 0, err
	}
	length, err := r.u16()
	if err != nil {
		return h, 0, err
	}
	if _, err = r.u16(); err != nil { // pad
		return h, 0, err
	}
	if h.LibSeqnum, err = r.u16(); err != nil {
		return h, 0, err
	}
	if h.LibPiggyack, err = r.u16(); err != nil {
		return h, 0, err
	}
	if h.MatchA, err = r.u32(); err != nil {
		return h, 0, err
	}
	if h.MatchB, err = r.u32(); err != nil {
		return h, 0, err
	}
	if h.Session, err = r.u32(); err != nil {
		return h, 0, err
	}
	return h, length, nil
}

// Encode packs head+body into a frame buffer and returns its length.
func Encode(head Head, p *Packet) ([]byte, error) {
	w := &writer{buf: make([]byte, 0, 256)}
	w.u16(head.DstSrcPeerIndex)

	switch p.Type {
	case PTypeTruc:
		b := p.Truc
		w.u8(uint8(PTypeTruc))
		w.u8(b.DstEndpoint)
		w.u8(b.SrcEndpoint)
		w.u8(b.SrcGen)
		w.u8(uint8(len(b.Data)))
		w.u8(0)
		w.u16(0) // pad24 remainder
		w.u32(b.Session)
		w.bytes(b.Data)

	case PTypeConnect:
		b := p.Connect
		w.u8(uint8(PTypeConnect))
		w.u8(b.DstEndpoint)
		w.u8(b.SrcEndpoint)
		w.u8(b.SrcGen)
		w.u8(uint8(len(b.Data)))
		w.u8(0)
		w.u16(0)
		w.u16(b.LibSeqnum)
		w.u16(b.DestPeerIndex)
		w.u32(b.SrcMACLow32)
		w.bytes(b.Data)

	case PTypeTiny:
		b := p.Tiny
		writeDataHeader(w, PTypeTiny, b.DataHeader, uint16(len(b.Payload)))
		w.bytes(b.Payload)

	case PTypeSmall:
		b := p.Small
		writeDataHeader(w, PTypeSmall, b.DataHeader, uint16(len(b.Payload)))
		w.bytes(b.Payload)

	case PTypeMediumFrag:
		b := p.MediumFrag
		writeDataHeader(w, PTypeMediumFrag, b.DataHeader, uint16(len(b.Payload)))
		w.u16(b.FragLength)
		w.u8(b.FragSeqnum)
		w.u8(b.FragPipeline)
		w.u32(0) // pad32
		w.bytes(b.Payload)

	case PTypeRendezvous:
		b := p.Rendezvous
		writeDataHeader(w, PTypeRendezvous, b.DataHeader, 0)
		w.u32(b.MsgLength)
		w.u8(b.RdmaID)
		w.u8(b.RdmaSeqnum)
		w.u16(b.RdmaOffset)

	case PTypePullRequest:
		b := p.PullRequest
		w.u8(uint8(PTypePullRequest))
		w.u8(b.DstEndpoint)
		w.u8(b.SrcEndpoint)
		w.u8(b.SrcGen)
		w.u32(b.Session)
		w.u32(b.Length)
		w.u32(b.PullerRdmaID)
		w.u32(b.PullerOffset)
		w.u32(b.PulledRdmaID)
		w.u32(b.PulledOffset)
		w.u32(b.SrcPullHandle)
		w.u32(b.SrcMagic)
		w.u16(b.BlockLength)
		w.u16(b.FrameIndex)
		w.u16(b.FirstFrameOffset)

	case PTypePullReply:
		b := p.PullReply
		w.u8(uint8(PTypePullReply))
		w.u8(0)
		w.u16(0) // pad24
		w.u32(b.Length)
		w.u32(b.PullerRdmaID)
		w.u32(b.PullerOffset)
		w.u32(b.DstPullHandle)
		w.u32(b.DstMagic)
		w.u8(b.FrameSeqnum)
		w.u16(b.FrameLength)
		w.u32(b.MsgOffset)
		w.bytes(b.Payload)

	case PTypeNotify:
		b := p.Notify
		writeDataHeader(w, PTypeNotify, b.DataHeader, 0)
		w.u32(b.TotalLength)
		w.u8(b.PullerRdmaID)
		w.u8(b.PullerRdmaSeqnum)

	case PTypeNackLib:
		b := p.NackLib
		w.u8(uint8(PTypeNackLib))
		w.u8(b.DstEndpoint)
		w.u8(b.SrcEndpoint)
		w.u8(b.SrcGen)
		w.u16(b.LibSeqnum)
		w.u32(b.Session)
		w.u8(b.NackType)

	case PTypeNackMcp:
		b := p.NackMcp
		w.u8(uint8(PTypeNackMcp))
		w.u8(b.DstEndpoint)
		w.u8(b.SrcEndpoint)
		w.u8(b.SrcGen)
		w.u16(b.LibSeqnum)
		w.u32(b.Session)
		w.u8(b.NackType)

	default:
		return nil, parseErr("unknown packet type %d", p.Type)
	}

	return w.buf, nil
}

// Decode unpacks a frame, validating on protocol violations: packet type valid,
// declared payload length <= frame length, declared frame length <= mtu,
// peer index within the configured table size.
func Decode(frame []byte, peerTableSize int, mtu int) (Head, *Packet, error) {
	if len(frame) > mtu {
		return Head{}, nil, parseErr("frame length %d exceeds mtu %d", len(frame), mtu)
	}
	r := &reader{buf: frame}
	peerIdx, err := r.u16()
	if err != nil {
		return Head{}, nil, err
	}
	if int(peerIdx) >= peerTableSize {
		return Head{}, nil, parseErr("peer index %d outside table size %d", peerIdx, peerTableSize)
	}
	head := Head{DstSrcPeerIndex: peerIdx}

	ptypeByte, err := r.u8()
	if err != nil {
		return head, nil, err
	}
	ptype := PType(ptypeByte)
	if !ptype.Valid() {
		return head, nil, parseErr("invalid packet type %d", ptypeByte)
	}

	p := &Packet{Type: ptype}

	switch ptype {
	case PTypeTruc:
		b := &TrucPacket{}
		var err error
		if b.DstEndpoint, err = r.u8(); err != nil {
			return head, nil, err
		}
		if b.SrcEndpoint, err = r.u8(); err != nil {
			return head, nil, err
		}
		if b.SrcGen, err = r.u8(); err != nil {
			return head, nil, err
		}
		length, err := r.u8()
		if err != nil {
			return head, nil, err
		}
		if _, err = r.u8(); err != nil {
			return head, nil, err
		}
		if _, err = r.u16(); err != nil {
			return head, nil, err
		}
		if b.Session, err = r.u32(); err != nil {
			return head, nil, err
		}
		if int(length) > r.remaining() {
			return head, nil, parseErr("truc declared length %d exceeds frame", length)
		}
		if b.Data, err = r.take(int(length)); err != nil {
			return head, nil, err
		}
		p.Truc = b

	case PTypeConnect:
		b := &ConnectPacket{}
		var err error
		if b.DstEndpoint, err = r.u8(); err != nil {
			return head, nil, err
		}
		if b.SrcEndpoint, err = r.u8(); err != nil {
			return head, nil, err
		}
		if b.SrcGen, err = r.u8(); err != nil {
			return head, nil, err
		}
		length, err := r.u8()
		if err != nil {
			return head, nil, err
		}
		if _, err = r.u8(); err != nil {
			return head, nil, err
		}
		if _, err = r.u16(); err != nil {
			return head, nil, err
		}
		if b.LibSeqnum, err = r.u16(); err != nil {
			return head, nil, err
		}
		if b.DestPeerIndex, err = r.u16(); err != nil {
			return head, nil, err
		}
		if b.SrcMACLow32, err = r.u32(); err != nil {
			return head, nil, err
		}
		if int(length) > r.remaining() {
			return head, nil, parseErr("connect declared length %d exceeds frame", length)
		}
		if b.Data, err = r.take(int(length)); err != nil {
			return head, nil, err
		}
		p.Connect = b

	case PTypeTiny, PTypeSmall:
		dh, length, err := readDataHeader(r)
		if err != nil {
			return head, nil, err
		}
		if int(length) > r.remaining() {
			return head, nil, parseErr("data packet declared length %d exceeds frame", length)
		}
		payload, err := r.take(int(length))
		if err != nil {
			return head, nil, err
		}
		if ptype == PTypeTiny {
			p.Tiny = &TinyPacket{DataHeader: dh, Payload: payload}
		} else {
			p.Small = &SmallPacket{DataHeader: dh, Payload: payload}
		}

	case PTypeMediumFrag:
		dh, length, err := readDataHeader(r)
		if err != nil {
			return head, nil, err
		}
		fragLength, err := r.u16()
		if err != nil {
			return head, nil, err
		}
		fragSeqnum, err := r.u8()
		if err != nil {
			return head, nil, err
		}
		fragPipeline, err := r.u8()
		if err != nil {
			return head, nil, err
		}
		if _, err = r.u32(); err != nil { // pad32
			return head, nil, err
		}
		if int(length) > r.remaining() {
			return head, nil, parseErr("medium fragment declared length %d exceeds frame", length)
		}
		payload, err := r.take(int(length))
		if err != nil {
			return head, nil, err
		}
		p.MediumFrag = &MediumFragPacket{
			DataHeader:   dh,
			FragLength:   fragLength,
			FragSeqnum:   fragSeqnum,
			FragPipeline: fragPipeline,
			Payload:      payload,
		}

	case PTypeRendezvous:
		dh, _, err := readDataHeader(r)
		if err != nil {
			return head, nil, err
		}
		msgLength, err := r.u32()
		if err != nil {
			return head, nil, err
		}
		rdmaID, err := r.u8()
		if err != nil {
			return head, nil, err
		}
		rdmaSeqnum, err := r.u8()
		if err != nil {
			return head, nil, err
		}
		rdmaOffset, err := r.u16()
		if err != nil {
			return head, nil, err
		}
		p.Rendezvous = &RendezvousPacket{
			DataHeader: dh,
			MsgLength:  msgLength,
			RdmaID:     rdmaID,
			RdmaSeqnum: rdmaSeqnum,
			RdmaOffset: rdmaOffset,
		}

	case PTypePullRequest:
		b := &PullRequestPacket{}
		var err error
		if b.DstEndpoint, err = r.u8(); err != nil {
			return head, nil, err
		}
		if b.SrcEndpoint, err = r.u8(); err != nil {
			return head, nil, err
		}
		if b.SrcGen, err = r.u8(); err != nil {
			return head, nil, err
		}
		if b.Session, err = r.u32(); err != nil {
			return head, nil, err
		}
		if b.Length, err = r.u32(); err != nil {
			return head, nil, err
		}
		if b.PullerRdmaID, err = r.u32(); err != nil {
			return head, nil, err
		}
		if b.PullerOffset, err = r.u32(); err != nil {
			return head, nil, err
		}
		if b.PulledRdmaID, err = r.u32(); err != nil {
			return head, nil, err
		}
		if b.PulledOffset, err = r.u32(); err != nil {
			return head, nil, err
		}
		if b.SrcPullHandle, err = r.u32(); err != nil {
			return head, nil, err
		}
		if b.SrcMagic, err = r.u32(); err != nil {
			return head, nil, err
		}
		if b.BlockLength, err = r.u16(); err != nil {
			return head, nil, err
		}
		if b.FrameIndex, err = r.u16(); err != nil {
			return head, nil, err
		}
		if b.FirstFrameOffset, err = r.u16(); err != nil {
			return head, nil, err
		}
		p.PullRequest = b

	case PTypePullReply:
		b := &PullReplyPacket{}
		var err error
		if _, err = r.u8(); err != nil { // pad8
			return head, nil, err
		}
		if _, err = r.u16(); err != nil { // pad24 remainder
			return head, nil, err
		}
		if b.Length, err = r.u32(); err != nil {
			return head, nil, err
		}
		if b.PullerRdmaID, err = r.u32(); err != nil {
			return head, nil, err
		}
		if b.PullerOffset, err = r.u32(); err != nil {
			return head, nil, err
		}
		if b.DstPullHandle, err = r.u32(); err != nil {
			return head, nil, err
		}
		if b.DstMagic, err = r.u32(); err != nil {
			return head, nil, err
		}
		if b.FrameSeqnum, err = r.u8(); err != nil {
			return head, nil, err
		}
		if b.FrameLength, err = r.u16(); err != nil {
			return head, nil, err
		}
		if b.MsgOffset, err = r.u32(); err != nil {
			return head, nil, err
		}
		if int(b.FrameLength) > r.remaining() {
			return head, nil, parseErr("pull-reply declared frame length %d exceeds frame", b.FrameLength)
		}
		if b.Payload, err = r.take(int(b.FrameLength)); err != nil {
			return head, nil, err
		}
		p.PullReply = b

	case PTypeNotify:
		dh, _, err := readDataHeader(r)
		if err != nil {
			return head, nil, err
		}
		totalLength, err := r.u32()
		if err != nil {
			return head, nil, err
		}
		pullerRdmaID, err := r.u8()
		if err != nil {
			return head, nil, err
		}
		pullerRdmaSeqnum, err := r.u8()
		if err != nil {
			return head, nil, err
		}
		p.Notify = &NotifyPacket{
			DataHeader:       dh,
			TotalLength:      totalLength,
			PullerRdmaID:     pullerRdmaID,
			PullerRdmaSeqnum: pullerRdmaSeqnum,
		}

	case PTypeNackLib, PTypeNackMcp:
		b := &NackLibPacket{}
		var err error
		if b.DstEndpoint, err = r.u8(); err != nil {
			return head, nil, err
		}
		if b.SrcEndpoint, err = r.u8(); err != nil {
			return head, nil, err
		}
		if b.SrcGen, err = r.u8(); err != nil {
			return head, nil, err
		}
		if b.LibSeqnum, err = r.u16(); err != nil {
			return head, nil, err
		}
		if b.Session, err = r.u32(); err != nil {
			return head, nil, err
		}
		if b.NackType, err = r.u8(); err != nil {
			return head, nil, err
		}
		if ptype == PTypeNackLib {
			p.NackLib = b
		} else {
			p.NackMcp = &NackMcpPacket{
				DstEndpoint: b.DstEndpoint, SrcEndpoint: b.SrcEndpoint, SrcGen: b.SrcGen,
				LibSeqnum: b.LibSeqnum, Session: b.Session, NackType: b.NackType,
			}
		}
	}

	return head, p, nil
}
