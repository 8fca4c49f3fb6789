// Command omxd is the Open-MX-Go board daemon: it opens a local
// endpoint over UDP and keeps its progress loop running, the Go-port
// equivalent of the Open-MX kernel module staying resident.
package main

import (
	"fmt"
	"os"

	"github.com/openmx-go/omx/cmd/omxd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "omxd: %v\n", err)
		os.Exit(1)
	}
}
