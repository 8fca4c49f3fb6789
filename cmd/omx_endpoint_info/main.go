// Command omx_endpoint_info opens a local endpoint and dumps its
// board/session/partner/region state as tables, the Go-port equivalent
// of the reference stack's tools/omx_endpoint_info.c.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/openmx-go/omx/pkg/omx"
)

func main() {
	var (
		index      = flag.Uint("index", 0, "local endpoint index")
		peerIndex  = flag.Uint("peer-index", 0, "this board's peer-table index")
		listenAddr = flag.String("listen", ":0", "UDP address to bind")
		peerAddr   = flag.String("peer-addr", "", "optional remote peer UDP address to connect to, host:port")
		peerIdxArg = flag.Uint("remote-peer-index", 0, "remote peer's peer-table index, required with -peer-addr")
		remoteEP   = flag.Uint("remote-endpoint", 0, "remote endpoint index, used with -peer-addr")
		wait       = flag.Duration("wait", 200*time.Millisecond, "time to let a requested connect handshake settle")
	)
	flag.Parse()

	ep, err := omx.Open(omx.Options{
		Index:      uint8(*index),
		PeerIndex:  uint16(*peerIndex),
		ListenAddr: *listenAddr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "omx_endpoint_info: open: %v\n", err)
		os.Exit(1)
	}
	defer ep.Close()

	fmt.Printf("endpoint %s: index=%d peer_index=%d local_addr=%s\n",
		ep.ID.String(), *index, *peerIndex, ep.LocalAddr().String())

	if *peerAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", *peerAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "omx_endpoint_info: resolve %q: %v\n", *peerAddr, err)
			os.Exit(1)
		}
		ep.RegisterPeer(uint16(*peerIdxArg), addr)

		ctx, cancel := context.WithTimeout(context.Background(), *wait)
		if err := ep.ConnectWait(ctx, uint16(*peerIdxArg), uint8(*remoteEP), [6]byte{}); err != nil {
			fmt.Fprintf(os.Stderr, "omx_endpoint_info: connect: %v\n", err)
		}
		cancel()
	} else {
		time.Sleep(*wait)
	}

	printPartners(ep.Partners())
	printRegions(ep.Regions())
}

func printPartners(partners []omx.PartnerSnapshot) {
	fmt.Println()
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"peer_idx", "endpoint", "session", "back_session", "in_flight", "throttled", "non_acked", "connect_pending"})
	for _, p := range partners {
		table.Append([]string{
			strconv.FormatUint(uint64(p.Key.PeerIndex), 10),
			strconv.FormatUint(uint64(p.Key.EndpointIndex), 10),
			strconv.FormatUint(uint64(p.TrueSessionID), 10),
			strconv.FormatUint(uint64(p.BackSessionID), 10),
			strconv.FormatUint(uint64(p.InFlight), 10),
			strconv.FormatBool(p.Throttled),
			strconv.Itoa(p.NonAckedSends),
			strconv.Itoa(p.ConnectPending),
		})
	}
	table.Render()
}

func printRegions(regions []omx.RegionInfo) {
	fmt.Println()
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"region_id", "length"})
	for _, r := range regions {
		table.Append([]string{
			strconv.FormatUint(uint64(r.ID), 10),
			strconv.FormatUint(r.Length, 10),
		})
	}
	table.Render()
}
