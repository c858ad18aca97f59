/*
Package tier holds the compiled-in subscription policy table.

A Tier bundles the machine resource shape, security hardening, maximum
session duration, and per-resource quota limits for one subscription level.
The table is read-only after init; Policy never fails and falls back to the
free tier for unknown names.

ApplyHardening derives the machine config actually submitted to the
provider: capabilities dropped, no_new_privileges forced on, rootfs made
read-only where the tier requires it, exposed ports filtered to the
allow-list, and two default checks injected (HTTP /health plus a process
liveness probe). The function is pure and idempotent, which the session
create path relies on.
*/
package tier
