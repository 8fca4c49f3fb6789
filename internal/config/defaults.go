package config

import "time"

// Wire/strategy thresholds. Concrete values adopted from the Open-MX C
// reference (libopen-mx/omx_lib.h), fixed at compile time as untyped
// constants.
const (
	TinyMax             = 32
	SmallMax            = 256
	MediumMax           = 32 * 1024
	MediumFragMax       = 4096
	MediumFragsMax      = 8
	ReplyLengthMax      = 4096
	RepliesPerBlock     = 8
	BlockLengthMax      = ReplyLengthMax * RepliesPerBlock
	SendqEntrySize      = MediumFragMax
	RecvqEntrySize      = MediumFragMax
	MaxMTU              = 9000
	RingSlotCount       = 1024
	RingMaxID           = 255
	RingReleaseChunk    = 64
	UserRegionMax       = 256
	PeerTableSize       = 1024
	NotAckedMax         = 4
	DefaultResendsMax   = 15
	DefaultCtxidBits    = 0

	// SendWindowSize bounds how far next_send_seq may run ahead of
	// next_acked_send_seq before new sends throttle.
	SendWindowSize = 256
)

// Timing defaults. All but DefaultDisconnectAfter seed a Config field
// that an OMX_* environment variable can override.
const (
	DefaultResendDelay        = 2 * time.Millisecond
	DefaultRetransmitDelay    = 1 * time.Second
	DefaultAckDelay           = time.Second / 64
	DefaultPullResendTimeout  = 2 * time.Second
	DefaultConnectRetryDelay  = 500 * time.Millisecond
	DefaultDisconnectAfter    = 30 * time.Second
)
