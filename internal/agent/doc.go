// Package agent implements the conversion agent supervised by each worker.
// The agent accepts bridge requests on a Unix socket (local workers) or on
// vsock (microVM workers), runs the office converter on the request's input,
// and streams the converter's output back while it runs.
package agent
