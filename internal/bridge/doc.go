// Package bridge implements the control channel between a worker and the
// conversion agent it supervises: length-prefixed JSON frames carried over a
// Unix socket, or over Firecracker's vsock Unix-socket bridge when the agent
// runs inside a microVM.
package bridge
