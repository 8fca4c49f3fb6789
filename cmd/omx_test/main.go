// Command omx_test runs a scripted isend/irecv loop against a peer for
// smoke-testing an endpoint pair, the Go-port equivalent of the
// reference stack's tools/omx_test.c.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/openmx-go/omx/internal/omxerr"
	"github.com/openmx-go/omx/pkg/omx"
)

func main() {
	var (
		role       = flag.String("role", "", "sender|receiver")
		index      = flag.Uint("index", 0, "local endpoint index")
		peerIndex  = flag.Uint("peer-index", 0, "this board's peer-table index")
		listenAddr = flag.String("listen", ":0", "UDP address to bind")
		peerAddr   = flag.String("peer-addr", "", "remote peer's UDP address, required for -role sender")
		remoteIdx  = flag.Uint("remote-peer-index", 0, "remote peer's peer-table index, required for -role sender")
		remoteEP   = flag.Uint("remote-endpoint", 0, "remote endpoint index, required for -role sender")
		count      = flag.Int("count", 100, "number of messages to exchange")
		size       = flag.Int("size", 1024, "payload size in bytes")
	)
	flag.Parse()

	switch *role {
	case "sender":
		runSender(*index, uint16(*peerIndex), *listenAddr, *peerAddr, uint16(*remoteIdx), uint8(*remoteEP), *count, *size)
	case "receiver":
		runReceiver(*index, uint16(*peerIndex), *listenAddr, *count, *size)
	default:
		fmt.Fprintln(os.Stderr, "omx_test: -role must be \"sender\" or \"receiver\"")
		os.Exit(1)
	}
}

func runReceiver(index uint8, peerIndex uint16, listenAddr string, count, size int) {
	ep, err := omx.Open(omx.Options{Index: index, PeerIndex: peerIndex, ListenAddr: listenAddr})
	if err != nil {
		fmt.Fprintf(os.Stderr, "omx_test: open: %v\n", err)
		os.Exit(1)
	}
	defer ep.Close()

	fmt.Printf("receiver listening on %s, waiting for %d messages of %d bytes\n", ep.LocalAddr(), count, size)

	// Matching is global across partners (the sender identity is carried
	// on the wire, not in this key), so any connected sender's messages
	// land here regardless of which partner key is passed.
	anyPartner := omx.PartnerKey(0, 0)

	start := time.Now()
	for i := 0; i < count; i++ {
		buf := make([]byte, size)
		req := ep.Irecv(anyPartner, buf, uint64(i)<<32, ^uint64(0))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := ep.Wait(ctx, req)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "omx_test: recv %d: %v\n", i, err)
			os.Exit(1)
		}
		if st := req.Status(); st.Code != omxerr.Success {
			fmt.Fprintf(os.Stderr, "omx_test: recv %d completed with status %v\n", i, st.Code)
			os.Exit(1)
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("received %d messages (%d bytes each) in %s, %.2f msg/s\n", count, size, elapsed, float64(count)/elapsed.Seconds())
}

func runSender(index uint8, peerIndex uint16, listenAddr, peerAddr string, remoteIdx uint16, remoteEP uint8, count, size int) {
	if peerAddr == "" {
		fmt.Fprintln(os.Stderr, "omx_test: -peer-addr is required for -role sender")
		os.Exit(1)
	}
	addr, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "omx_test: resolve %q: %v\n", peerAddr, err)
		os.Exit(1)
	}

	ep, err := omx.Open(omx.Options{Index: index, PeerIndex: peerIndex, ListenAddr: listenAddr})
	if err != nil {
		fmt.Fprintf(os.Stderr, "omx_test: open: %v\n", err)
		os.Exit(1)
	}
	defer ep.Close()

	ep.RegisterPeer(remoteIdx, addr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := ep.ConnectWait(ctx, remoteIdx, remoteEP, [6]byte{}); err != nil {
		cancel()
		fmt.Fprintf(os.Stderr, "omx_test: connect: %v\n", err)
		os.Exit(1)
	}
	cancel()

	key := omx.PartnerKey(remoteIdx, remoteEP)
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}

	start := time.Now()
	for i := 0; i < count; i++ {
		req, err := ep.Isend(key, payload, uint32(i), 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "omx_test: send %d: %v\n", i, err)
			os.Exit(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = ep.Wait(ctx, req)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "omx_test: send %d wait: %v\n", i, err)
			os.Exit(1)
		}
	}
	elapsed := time.Since(start)
	fmt.Printf("sent %d messages (%d bytes each) in %s, %.2f msg/s\n", count, size, elapsed, float64(count)/elapsed.Seconds())
}
