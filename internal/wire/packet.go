// Package wire implements the Open-MX on-wire packet taxonomy: pack/unpack
// of fixed little-endian frames by packet type.
package wire

// PType is the 8-bit packet type discriminator, the first byte of every
// frame's body.
type PType uint8

const (
	PTypeTruc        PType = 32
	PTypeConnect     PType = 33
	PTypeTiny        PType = 34
	PTypeSmall       PType = 35
	PTypeMediumFrag  PType = 36
	PTypeRendezvous  PType = 37
	PTypePullRequest PType = 38
	PTypePullReply   PType = 39
	PTypeNotify      PType = 40
	PTypeNackLib     PType = 41
	PTypeNackMcp     PType = 42
)

func (t PType) Valid() bool {
	return t >= PTypeTruc && t <= PTypeNackMcp
}

func (t PType) String() string {
	switch t {
	case PTypeTruc:
		return "truc"
	case PTypeConnect:
		return "connect"
	case PTypeTiny:
		return "tiny"
	case PTypeSmall:
		return "small"
	case PTypeMediumFrag:
		return "medium-fragment"
	case PTypeRendezvous:
		return "rendezvous"
	case PTypePullRequest:
		return "pull-request"
	case PTypePullReply:
		return "pull-reply"
	case PTypeNotify:
		return "notify"
	case PTypeNackLib:
		return "nack-lib"
	case PTypeNackMcp:
		return "nack-mcp"
	default:
		return "unknown"
	}
}

// Head is the per-frame prefix standing in for omx_pkt_head: the
// Ethernet header itself is the out-of-scope kernel-networking
// collaborator, so only the field this port actually reads survives
// here.
type Head struct {
	DstSrcPeerIndex uint16
}

// DataHeader is the shared header used by tiny/small/medium/rendezvous/
// notify packets (the "tiny-header" referenced throughout the table).
type DataHeader struct {
	DstEndpoint  uint8
	SrcEndpoint  uint8
	SrcGen       uint8
	LibSeqnum    uint16
	LibPiggyack  uint16
	MatchA       uint32
	MatchB       uint32
	Session      uint32
}

type TrucPacket struct {
	DstEndpoint uint8
	SrcEndpoint uint8
	SrcGen      uint8
	Session     uint32
	Data        []byte
}

type ConnectPacket struct {
	DstEndpoint    uint8
	SrcEndpoint    uint8
	SrcGen         uint8
	LibSeqnum      uint16
	DestPeerIndex  uint16
	SrcMACLow32    uint32
	Data           []byte
}

type TinyPacket struct {
	DataHeader
	Payload []byte
}

type SmallPacket struct {
	DataHeader
	Payload []byte
}

type MediumFragPacket struct {
	DataHeader
	FragLength   uint16
	FragSeqnum   uint8
	FragPipeline uint8
	Payload      []byte
}

type RendezvousPacket struct {
	DataHeader
	MsgLength  uint32
	RdmaID     uint8
	RdmaSeqnum uint8
	RdmaOffset uint16
}

type PullRequestPacket struct {
	DstEndpoint      uint8
	SrcEndpoint      uint8
	SrcGen           uint8
	Session          uint32
	Length           uint32
	PullerRdmaID     uint32
	PullerOffset     uint32
	PulledRdmaID     uint32
	PulledOffset     uint32
	SrcPullHandle    uint32
	SrcMagic         uint32
	BlockLength      uint16
	FrameIndex       uint16
	FirstFrameOffset uint16
}

type PullReplyPacket struct {
	Length        uint32
	PullerRdmaID  uint32
	PullerOffset  uint32
	DstPullHandle uint32
	DstMagic      uint32
	FrameSeqnum   uint8
	FrameLength   uint16
	MsgOffset     uint32
	Payload       []byte
}

type NotifyPacket struct {
	DataHeader
	TotalLength      uint32
	PullerRdmaID     uint8
	PullerRdmaSeqnum uint8
}

type NackLibPacket struct {
	DstEndpoint uint8
	SrcEndpoint uint8
	SrcGen      uint8
	LibSeqnum   uint16
	Session     uint32
	NackType    uint8
}

type NackMcpPacket struct {
	DstEndpoint uint8
	SrcEndpoint uint8
	SrcGen      uint8
	LibSeqnum   uint16
	Session     uint32
	NackType    uint8
}

// Packet is the tagged-union frame body: exactly one of the pointer fields
// matching Type is populated.
type Packet struct {
	Type PType

	Truc        *TrucPacket
	Connect     *ConnectPacket
	Tiny        *TinyPacket
	Small       *SmallPacket
	MediumFrag  *MediumFragPacket
	Rendezvous  *RendezvousPacket
	PullRequest *PullRequestPacket
	PullReply   *PullReplyPacket
	Notify      *NotifyPacket
	NackLib     *NackLibPacket
	NackMcp     *NackMcpPacket
}

// SrcMagic computes the 32-bit endpoint cookie a pull responder uses to
// locate the requester's endpoint without trusting wire data.
func SrcMagic(endpointIndex uint16) uint32 {
	return (uint32(endpointIndex) << 13) ^ 0x22111867
}
