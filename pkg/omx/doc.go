// Package omx is the unprivileged application surface of the messaging
// engine: Open/Close a board+index endpoint, Isend/Irecv matched
// messages against a connected partner, and Wait/Test/Probe/Cancel the
// resulting requests. It wires internal/endpoint to a real UDP socket
// through internal/transport and drives the progress loop on a
// background goroutine, so a caller never touches internal/ directly.
package omx
