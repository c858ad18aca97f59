/*
Package ledger is the authoritative persistent record of preview sessions,
backed by BoltDB.

Three buckets hold the durable state: sessions (keyed by session id),
system_events (sequence-keyed error/critical events from the monitoring
bus), and system_alerts (keyed by alert id). Values are JSON-encoded.

Session writes enforce the state machine: creating -> active -> ended, with
error reachable from any non-terminal state. MarkEnded is idempotent so the
expiry reaper, the timeout enforcer, and an explicit API stop can race
safely; LockSession provides the per-session advisory lock the container
manager uses to serialize concurrent destroys of one id.
*/
package ledger
