// Package api serves the HTTP control plane: session lifecycle endpoints,
// machine passthroughs, monitoring reads, and administrative job triggers.
//
// Every response uses the {success, data?, error?} envelope. The liveness
// probe and the Prometheus scrape endpoint are public; everything else
// authenticates a bearer token against the external auth service and then
// passes through the quota engine, which emits the X-RateLimit headers.
package api
