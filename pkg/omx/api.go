package omx

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/openmx-go/omx/internal/config"
	"github.com/openmx-go/omx/internal/endpoint"
	"github.com/openmx-go/omx/internal/metrics"
	"github.com/openmx-go/omx/internal/omxlog"
	"github.com/openmx-go/omx/internal/partner"
	"github.com/openmx-go/omx/internal/region"
	"github.com/openmx-go/omx/internal/request"
	"github.com/openmx-go/omx/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"
)

// tickInterval drives the background progress loop. Grounded on the
// reference stack's updateLoop ticker (source/server/server.go); 500us
// is the Open-MX C reference's own default wakeup granularity for the
// polling/interrupt-mitigation path.
const tickInterval = 500 * time.Microsecond

// Options configures Open.
type Options struct {
	// Index is this endpoint's index on its local board.
	Index uint8
	// PeerIndex is this board's own peer-table index, echoed by peers
	// connecting to us.
	PeerIndex uint16
	// BoardAddr is the 6-byte board address advertised to peers (no
	// real NIC MAC in this port; callers pick any stable value).
	BoardAddr [6]byte
	// ListenAddr is the local UDP address to bind ("host:port", or
	// ":0" for an ephemeral port). Defaults to ":0".
	ListenAddr string
	// Config overrides the OMX_* environment-derived defaults. Zero
	// value means config.Load().
	Config *config.Config
	// Metrics registers engine counters/gauges. Nil disables metrics.
	Metrics prometheus.Registerer
	// Logger receives structured engine logs. Nil discards them.
	Logger *slog.Logger
}

// Endpoint is the application-facing handle returned by Open: a bound
// UDP socket plus the messaging engine driving it, with a background
// goroutine running Serve and the progress loop.
type Endpoint struct {
	ID xid.ID

	ep  *endpoint.Endpoint
	tx  *transport.UDPTransport
	log *slog.Logger

	cancel context.CancelFunc
	g      *errgroup.Group
}

// Open binds a UDP socket and starts an endpoint's progress loop and
// frame-serving goroutines. Call Close to release both.
func Open(opts Options) (*Endpoint, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("omx: load config: %w", err)
		}
		cfg = &loaded
	}

	log := omxlog.OrDiscard(opts.Logger)
	m := metrics.New(opts.Metrics)

	listenAddr := opts.ListenAddr
	if listenAddr == "" {
		listenAddr = ":0"
	}
	tx, err := transport.Listen(listenAddr, config.MaxMTU, config.PeerTableSize, m, log)
	if err != nil {
		return nil, fmt.Errorf("omx: listen: %w", err)
	}

	ep := endpoint.New(opts.Index, opts.PeerIndex, opts.BoardAddr, *cfg, tx, m, log)
	tx.SetListener(ep)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	id := xid.New()
	e := &Endpoint{
		ID:     id,
		ep:     ep,
		tx:     tx,
		log:    log.With("endpoint_id", id.String(), "local_addr", tx.LocalAddr().String()),
		cancel: cancel,
		g:      g,
	}

	g.Go(func() error {
		if err := tx.Serve(gctx); err != nil && gctx.Err() == nil {
			e.log.Warn("transport serve stopped", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		e.tickLoop(gctx)
		return nil
	})

	e.log.Info("endpoint opened", "index", opts.Index, "peer_index", opts.PeerIndex)
	return e, nil
}

func (e *Endpoint) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.ep.Tick(now)
		}
	}
}

// LocalAddr returns the bound UDP address, for a peer to dial or for a
// caller to publish through whatever out-of-band rendezvous it uses
// (board/peer discovery itself is left to the caller).
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.tx.LocalAddr()
}

// RegisterPeer records the UDP address a remote peer index resolves to,
// standing in for the out-of-scope board/ARP-like peer discovery.
func (e *Endpoint) RegisterPeer(peerIndex uint16, addr *net.UDPAddr) {
	e.tx.RegisterPeer(peerIndex, addr)
}

// Connect performs the two-way session handshake against a remote
// (peerIndex, endpointIndex), returning a request that completes once
// the peer's reply lands. The caller must RegisterPeer first.
func (e *Endpoint) Connect(peerIndex uint16, remoteEndpoint uint8, boardAddr [6]byte) (*request.Request, error) {
	return e.ep.Connect(peerIndex, remoteEndpoint, boardAddr, time.Now())
}

// ConnectWait is Connect followed by a blocking Wait, the common
// synchronous connect-before-use idiom.
func (e *Endpoint) ConnectWait(ctx context.Context, peerIndex uint16, remoteEndpoint uint8, boardAddr [6]byte) error {
	req, err := e.Connect(peerIndex, remoteEndpoint, boardAddr)
	if err != nil {
		return err
	}
	return req.Wait(ctx)
}

// PartnerKey identifies a connected remote endpoint for Isend/Irecv.
func PartnerKey(peerIndex uint16, remoteEndpoint uint8) partner.Key {
	return partner.Key{PeerIndex: uint32(peerIndex), EndpointIndex: remoteEndpoint}
}

// Isend posts an asynchronous matched send of payload to key, tagged
// with the (matchA, matchB) the peer's Irecv matches against.
func (e *Endpoint) Isend(key partner.Key, payload []byte, matchA, matchB uint32) (*request.Request, error) {
	return e.ep.Isend(key, payload, matchA, matchB, time.Now())
}

// Irecv posts a receive buffer matched against (matchKey, matchMask),
// completing immediately if a matching unexpected message already
// arrived, or later once one does.
func (e *Endpoint) Irecv(key partner.Key, buffer []byte, matchKey, matchMask uint64) *request.Request {
	return e.ep.Irecv(key, buffer, matchKey, matchMask, time.Now())
}

// Wait blocks until req completes or ctx is cancelled.
func (e *Endpoint) Wait(ctx context.Context, req *request.Request) error {
	return e.ep.Wait(ctx, req)
}

// WaitAny blocks until any one of reqs completes, returning its index.
func (e *Endpoint) WaitAny(ctx context.Context, reqs []*request.Request) (int, error) {
	return e.ep.WaitAny(ctx, reqs)
}

// Test reports whether req has already completed, without blocking.
func (e *Endpoint) Test(req *request.Request) bool {
	return req.Done()
}

// Probe reports whether an unexpected message matching (matchKey,
// matchMask) has already arrived, without consuming it, along with its
// match info and announced length.
func (e *Endpoint) Probe(matchKey, matchMask uint64) (matchA, matchB, msgLength uint32, found bool) {
	return e.ep.Probe(matchKey, matchMask)
}

// Cancel withdraws a not-yet-matched posted receive.
func (e *Endpoint) Cancel(req *request.Request) bool {
	return e.ep.Cancel(req)
}

// RegisterRegion pins segments for zero-copy rendezvous transfer.
func (e *Endpoint) RegisterRegion(segments [][]byte, length uint64) (uint32, error) {
	return e.ep.RegisterRegion(segments, length)
}

// DeregisterRegion releases a previously registered region.
func (e *Endpoint) DeregisterRegion(id uint32) error {
	return e.ep.DeregisterRegion(id)
}

// PartnerSnapshot is a point-in-time view of one partner's session and
// window state, for introspection tooling.
type PartnerSnapshot = endpoint.PartnerSnapshot

// Partners returns a snapshot of every partner this endpoint knows
// about.
func (e *Endpoint) Partners() []PartnerSnapshot {
	return e.ep.PartnerSnapshots()
}

// RegionInfo is a point-in-time view of one registered pinned region.
type RegionInfo = region.Region

// Regions returns a snapshot of every currently registered region.
func (e *Endpoint) Regions() []RegionInfo {
	return e.ep.Regions.Snapshot()
}

// Close stops the progress loop and frame server, completes every
// in-flight send and connect request with EndpointClosed, and releases
// the UDP socket. Posted receives and in-progress pulls are not
// completed.
func (e *Endpoint) Close() error {
	e.cancel()
	_ = e.g.Wait()
	e.ep.Close()
	err := e.tx.Close()
	e.log.Info("endpoint closed")
	return err
}
