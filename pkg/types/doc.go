/*
Package types defines the shared domain types for the Velocity preview
orchestrator: sessions, provider machine descriptors, telemetry records,
and the API-facing session view.

Sessions move through a fixed state machine:

	insert ─► creating ──┬─ mark_active ─► active ──┬─ mark_ended ─► ended
	                     │                          │
	                     └─ mark_error ─► error ────┘

The container manager (pkg/manager) is the sole writer of Session records;
all other components treat them as read-only snapshots. Machine types mirror
the machines provider's REST schema and are shared between the real adapter
and the in-memory fake in pkg/provider.
*/
package types
