// Package backend defines the capability interfaces shared by every worker
// variant (local supervised process, remote endpoint, microVM), the
// conversion request/result types that flow through them, and the error
// taxonomy used by the pool.
package backend
