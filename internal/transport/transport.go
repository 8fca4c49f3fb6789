// Package transport stands in for the privileged half's NIC/DMA access:
// it puts wire frames on a real UDP socket (one per endpoint board) and
// demultiplexes inbound frames back to the decoded head/packet pair a
// caller registered to receive.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/openmx-go/omx/internal/metrics"
	"github.com/openmx-go/omx/internal/omxlog"
	"github.com/openmx-go/omx/internal/wire"
)

// Listener receives decoded inbound frames. from is the UDP address the
// frame arrived on, used to learn/refresh the peer table. head's
// DstSrcPeerIndex has already been rewritten to the sender's resolved
// peer index (see Serve) when that address is known.
type Listener interface {
	HandleFrame(head wire.Head, pkt *wire.Packet, from *net.UDPAddr)
}

// UDPTransport implements send.Transmitter / ack.Transmitter /
// pull.Transmitter over a UDP socket, with an explicit peer-index to
// address table standing in for the board's ARP-like peer discovery
// (out of scope here; addresses are learned from connect traffic or
// registered explicitly by a test). The real NIC resolves a frame's
// sender from its Ethernet source MAC before handing it to userspace;
// over UDP, Serve does the equivalent resolution from the datagram's
// source address, so wire.Head.DstSrcPeerIndex carries the destination
// index outbound but the resolved sender index inbound.
type UDPTransport struct {
	conn          *net.UDPConn
	mtu           int
	peerTableSize int
	log           *slog.Logger
	m             *metrics.Engine

	mu        sync.RWMutex
	peerAddrs map[uint16]*net.UDPAddr
	addrPeers map[string]uint16
	listener  Listener
}

// Listen opens a UDP socket at addr (":0" picks an ephemeral port).
func Listen(addr string, mtu, peerTableSize int, m *metrics.Engine, log *slog.Logger) (*UDPTransport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &UDPTransport{
		conn:          conn,
		mtu:           mtu,
		peerTableSize: peerTableSize,
		log:           omxlog.OrDiscard(log),
		m:             m,
		peerAddrs:     make(map[uint16]*net.UDPAddr),
		addrPeers:     make(map[string]uint16),
	}, nil
}

// LocalAddr returns the bound UDP address.
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// SetListener installs the frame sink. Serve drops frames until this is
// set.
func (t *UDPTransport) SetListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listener = l
}

// RegisterPeer records the UDP address a peer index resolves to, e.g.
// once a connect handshake has discovered it.
func (t *UDPTransport) RegisterPeer(peerIndex uint16, addr *net.UDPAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peerAddrs[peerIndex] = addr
	t.addrPeers[addr.String()] = peerIndex
}

// Transmit encodes p and writes it to the peer addressed by
// head.DstSrcPeerIndex.
func (t *UDPTransport) Transmit(head wire.Head, p *wire.Packet) error {
	t.mu.RLock()
	addr, ok := t.peerAddrs[head.DstSrcPeerIndex]
	t.mu.RUnlock()
	if !ok {
		return errors.New("transport: no address registered for peer index")
	}

	frame, err := wire.Encode(head, p)
	if err != nil {
		if t.m != nil {
			t.m.Dropped("encode")
		}
		return err
	}
	_, err = t.conn.WriteToUDP(frame, addr)
	return err
}

// Serve reads frames until ctx is cancelled or the socket closes,
// decoding each and handing it to the installed Listener. Malformed
// frames are counted and silently dropped.
func (t *UDPTransport) Serve(ctx context.Context) error {
	buf := make([]byte, t.mtu)
	go func() {
		<-ctx.Done()
		t.conn.Close()
	}()

	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])

		head, pkt, err := wire.Decode(frame, t.peerTableSize, t.mtu)
		if err != nil {
			t.log.Debug("dropping malformed frame", "error", err, "from", from)
			if t.m != nil {
				t.m.Dropped("decode")
			}
			continue
		}

		t.mu.RLock()
		l := t.listener
		if srcPeer, ok := t.addrPeers[from.String()]; ok {
			head.DstSrcPeerIndex = srcPeer
		}
		t.mu.RUnlock()
		if l != nil {
			l.HandleFrame(head, pkt, from)
		}
	}
}

// Close releases the socket.
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
