/*
Package provider is the port to the external machines service.

The Provider interface covers the full machine lifecycle the orchestrator
needs: create-and-wait-ready, idempotent destroy with retries, lookups,
project-scoped cleanup, orphan cleanup, and per-session assessment.

FlyProvider is the production implementation against the Fly Machines REST
API. Create submits the hardened machine config and does not return until
the machine reports state "started" with all health checks passing; a
machine that never registered checks is ready on state alone. Destroy
attempts a graceful stop, force-deletes, verifies the machine is gone, and
treats a 404 at any step as success.

FakeProvider is the deterministic in-memory double used by manager,
scheduler, and API tests. It honors the same metadata tagging and readiness
rules so cleanup and monitoring paths behave identically.
*/
package provider
