// Package worker talks to cache workers over their HTTP API.
//
// Transport is the seam the client is written against; HTTPTransport is the
// production implementation. Every call takes the target worker explicitly:
// routing is the caller's job.
package worker
