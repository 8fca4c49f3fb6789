// Package region implements the pinned-region registry: id-indexed
// handles over application memory made available for zero-copy
// transfer.
//
// Real page-pinning of arbitrary application memory is a host-OS
// collaborator out of scope here (the privileged half would do this via
// get_user_pages or similar). This port backs each region with
// an anonymous mmap'd buffer instead — grounded on the retrieval pack's
// shmx.go, which maps a shared-memory control block with
// golang.org/x/sys/unix.Mmap/Munmap — so AppendPagesToFrame is still a
// genuine zero-copy-by-reference hand-off within the process.
package region

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/openmx-go/omx/internal/metrics"
	"github.com/openmx-go/omx/internal/omxerr"
)

// Region is one registered, reference-counted memory range.
type Region struct {
	ID       uint32
	Seqnum   uint32
	Offset   uint64
	Length   uint64
	Reserver any // optional owning request, opaque to avoid an import cycle

	pages    []byte
	refcount atomic.Int32
	closing  atomic.Bool
}

// Bytes returns the region's backing buffer. Callers must not retain it
// past Release.
func (r *Region) Bytes() []byte { return r.pages }

// Registry owns at most Max active regions for one endpoint.
type Registry struct {
	mu      sync.Mutex
	regions map[uint32]*Region
	nextID  uint32
	max     int
	m       *metrics.Engine
}

func NewRegistry(max int, m *metrics.Engine) *Registry {
	return &Registry{
		regions: make(map[uint32]*Region),
		max:     max,
		m:       m,
	}
}

// Register pins (mmaps) length bytes, copies segments into the backing
// buffer, and returns a stable id. Pin failures surface as register
// failures to the caller (failure semantics).
func (reg *Registry) Register(segments [][]byte, length uint64) (uint32, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if len(reg.regions) >= reg.max {
		return 0, omxerr.New(omxerr.NoResources)
	}

	pages, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, omxerr.Wrap(omxerr.NoSystemResources, "mmap region", err)
	}

	var off uint64
	for _, seg := range segments {
		n := copy(pages[off:], seg)
		off += uint64(n)
	}

	reg.nextID++
	id := reg.nextID
	r := &Region{ID: id, Length: length, pages: pages}
	r.refcount.Store(1)
	reg.regions[id] = r

	if reg.m != nil {
		reg.m.SetRegionsActive(len(reg.regions))
	}
	return id, nil
}

// Len reports how many regions are currently registered, for
// introspection tooling.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.regions)
}

// Snapshot returns each active region's id and length, for introspection
// tooling (cmd/omx_endpoint_info); it does not bump any refcount.
func (reg *Registry) Snapshot() []Region {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]Region, 0, len(reg.regions))
	for _, r := range reg.regions {
		out = append(out, Region{ID: r.ID, Length: r.Length})
	}
	return out
}

// Acquire atomically bumps the refcount of an existing region; fails if
// absent or closing, the kref_get_unless_zero pattern.
func (reg *Registry) Acquire(id uint32) (*Region, error) {
	reg.mu.Lock()
	r, ok := reg.regions[id]
	reg.mu.Unlock()
	if !ok {
		return nil, omxerr.New(omxerr.InternalMiscEinval)
	}
	if r.closing.Load() {
		return nil, omxerr.New(omxerr.InternalMiscEinval)
	}
	for {
		cur := r.refcount.Load()
		if cur <= 0 {
			return nil, omxerr.New(omxerr.InternalMiscEinval)
		}
		if r.refcount.CompareAndSwap(cur, cur+1) {
			return r, nil
		}
	}
}

// Release decrements the refcount; on last release the pages are
// unpinned and the id slot cleared.
func (reg *Registry) Release(r *Region) {
	if r.refcount.Add(-1) > 0 {
		return
	}
	r.closing.Store(true)

	reg.mu.Lock()
	delete(reg.regions, r.ID)
	count := len(reg.regions)
	reg.mu.Unlock()

	_ = unix.Munmap(r.pages)
	if reg.m != nil {
		reg.m.SetRegionsActive(count)
	}
}

// Deregister drops the registration's own reference to region id,
// unpinning it once no in-flight pull holds a concurrent Acquire.
func (reg *Registry) Deregister(id uint32) error {
	reg.mu.Lock()
	r, ok := reg.regions[id]
	reg.mu.Unlock()
	if !ok {
		return omxerr.New(omxerr.InternalMiscEinval)
	}
	reg.Release(r)
	return nil
}

// AppendPagesToFrame attaches region pages by reference to an outgoing
// scatter-gather frame, for pull-reply send.
func AppendPagesToFrame(r *Region, regionOffset uint64, frame *[][]byte, length uint64) error {
	if regionOffset+length > r.Length {
		return fmt.Errorf("region: append out of range (offset=%d length=%d region length=%d)", regionOffset, length, r.Length)
	}
	*frame = append(*frame, r.pages[regionOffset:regionOffset+length])
	return nil
}

// FillPagesFromFrame copies inbound payload into region pages at
// regionOffset, for pull-reply receive.
func FillPagesFromFrame(r *Region, regionOffset uint64, payload []byte) error {
	if regionOffset+uint64(len(payload)) > r.Length {
		return fmt.Errorf("region: fill out of range (offset=%d length=%d region length=%d)", regionOffset, len(payload), r.Length)
	}
	copy(r.pages[regionOffset:], payload)
	return nil
}
