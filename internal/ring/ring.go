// Package ring implements the event-ring pair: a lock-free
// single-producer-fast-path / chunked-release-consumer slot array shared
// between the privileged transport half and the library's progress loop.
//
// Grounded on the retrieval pack's shmx.go (a shared-memory ring with
// atomic write/read indices and a packet-loss counter) generalized to
// the two-ring, id-stamped protocol used here.
package ring

import (
	"sync"
	"sync/atomic"

	"github.com/openmx-go/omx/internal/metrics"
)

// EventType tags the body of a slot. Every type but EventIgnore is a
// real event; EventIgnore marks a prepared slot whose reservation was cancelled but
// whose matching receive-queue slot could not be given back.
type EventType byte

const (
	EventIgnore EventType = iota
	EventSendDone
	EventRecvMatched
	EventRecvUnexpected
	EventPullDone
	EventAckReceived
	EventNackReceived
	EventConnectDone
)

// MaxID bounds the slot-generation id cycle (1..MaxID, 0 means empty).
const MaxID = 255

// Reservation is the producer-side handle returned by Prepare, committed
// or cancelled exactly once.
type Reservation struct {
	pos    uint64
	offset int
	id     uint32
}

// Ring is one fixed-size slot array (expected or unexpected).
type Ring struct {
	name      string
	slotSize  int
	slotCount int

	bodies [][]byte
	types  []EventType
	ids    []atomic.Uint32

	next atomic.Uint64

	lastFreeMu     sync.Mutex
	lastFreeOffset int

	wakeMu sync.Mutex
	wakeCh chan struct{}

	m *metrics.Engine
}

// New creates a ring with slotCount slots of slotSize bytes each.
func New(name string, slotCount, slotSize int, m *metrics.Engine) *Ring {
	r := &Ring{
		name:           name,
		slotSize:       slotSize,
		slotCount:      slotCount,
		bodies:         make([][]byte, slotCount),
		types:          make([]EventType, slotCount),
		ids:            make([]atomic.Uint32, slotCount),
		lastFreeOffset: 0,
		wakeCh:         make(chan struct{}, 1),
		m:              m,
	}
	for i := range r.bodies {
		r.bodies[i] = make([]byte, slotSize)
	}
	return r
}

func idFor(pos uint64) uint32 {
	return uint32(pos%MaxID) + 1
}

// reserve performs steps 1-3 of the producer protocol: fetch-and-increment
// next, compute offset/id, and fail with revert if the ring is full.
func (r *Ring) reserve() (Reservation, bool) {
	pos := r.next.Add(1) - 1
	offset := int(pos % uint64(r.slotCount))
	id := idFor(pos)

	r.lastFreeMu.Lock()
	full := pos >= uint64(r.slotCount) && offset == r.lastFreeOffset
	r.lastFreeMu.Unlock()

	if full {
		r.next.Add(^uint64(0)) // revert the increment
		if r.m != nil {
			r.m.RingFull(r.name)
		}
		return Reservation{}, false
	}
	return Reservation{pos: pos, offset: offset, id: id}, true
}

// Prepare reserves a slot without publishing it, for the two-phase
// prepare/commit/cancel protocol used by unexpected receives that also
// need a receive-queue slot reserved atomically.
func (r *Ring) Prepare() (Reservation, bool) {
	return r.reserve()
}

// Commit writes the body and publishes the slot via a release-ordered id
// store — the id write is the last write to the slot, the crux of the
// lock-free fast path.
func (r *Ring) Commit(res Reservation, typ EventType, body []byte) {
	n := copy(r.bodies[res.offset], body)
	for i := n; i < len(r.bodies[res.offset]); i++ {
		r.bodies[res.offset][i] = 0
	}
	r.types[res.offset] = typ
	r.ids[res.offset].Store(res.id)
	if r.m != nil {
		r.m.EventPublished(r.name, typ.string())
	}
	r.wake()
}

// Cancel publishes an EventIgnore in place of the reserved slot: the
// receive-queue slot reserved alongside it cannot be returned, so the
// consumer must still see and skip this slot.
func (r *Ring) Cancel(res Reservation) {
	r.Commit(res, EventIgnore, nil)
}

// Notify is the single-phase producer entry point (prepare+commit) used
// for expected-ring events, which never need a paired receive-queue slot.
func (r *Ring) Notify(typ EventType, body []byte) bool {
	res, ok := r.reserve()
	if !ok {
		return false
	}
	r.Commit(res, typ, body)
	return true
}

func (r *Ring) wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// WakeupChannel exposes the wake signal for a consumer's select loop.
func (r *Ring) WakeupChannel() <-chan struct{} {
	return r.wakeCh
}

// Drain scans from cursor until it hits an unpublished (or stale) slot,
// invoking fn for every real event and silently skipping EventIgnore
// slots. It returns the advanced cursor.
func (r *Ring) Drain(cursor uint64, fn func(typ EventType, body []byte)) uint64 {
	for {
		offset := int(cursor % uint64(r.slotCount))
		expected := idFor(cursor)
		got := r.ids[offset].Load()
		if got != expected {
			return cursor
		}
		typ := r.types[offset]
		if typ != EventIgnore {
			fn(typ, r.bodies[offset])
		}
		cursor++
	}
}

// ReleaseChunk moves last_free_offset to consumedUpto rounded down to a
// multiple of chunkSize, never past one slot short of the current
// producer position.
func (r *Ring) ReleaseChunk(consumedUpto uint64, chunkSize int) {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	r.lastFreeMu.Lock()
	defer r.lastFreeMu.Unlock()

	next := r.next.Load()
	if next == 0 {
		return
	}
	ceiling := next - 1
	target := consumedUpto
	if target > ceiling {
		target = ceiling
	}
	target -= target % uint64(chunkSize)
	r.lastFreeOffset = int(target % uint64(r.slotCount))
}

// Cursor is the current producer position, useful for a consumer's
// race-check against the user-visible cursor before sleeping.
func (r *Ring) Cursor() uint64 {
	return r.next.Load()
}

func (t EventType) string() string {
	switch t {
	case EventIgnore:
		return "ignore"
	case EventSendDone:
		return "send-done"
	case EventRecvMatched:
		return "recv-matched"
	case EventRecvUnexpected:
		return "recv-unexpected"
	case EventPullDone:
		return "pull-done"
	case EventAckReceived:
		return "ack-received"
	case EventNackReceived:
		return "nack-received"
	case EventConnectDone:
		return "connect-done"
	default:
		return "unknown"
	}
}
