// Package quota enforces tier-derived rate limits for user-facing
// resources.
//
// A check walks the layers in order: tier resolution (cached five
// minutes), unlimited short-circuit, concurrency gate, hourly sliding
// window, 60 second burst window, then a token bucket for weighted
// resources. Pro and enterprise users get one boost per hour that
// forgives a denial caused by the sliding window alone.
//
// Denied callers that declared graceful degradation receive a reduced
// cost plan for resources that have one; everyone else gets a retry
// hint and an upgrade suggestion. Any internal failure in the engine
// fails open rather than blocking traffic.
package quota
