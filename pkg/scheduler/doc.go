// Package scheduler runs the periodic maintenance jobs: expired session
// cleanup, session monitoring, orphaned machine reaping, session timeout
// enforcement, and metrics collection.
//
// Each job runs on its own ticker and never overlaps with itself; a tick
// that lands during a slow run is skipped. Failures are recorded as error
// events on the monitoring bus and the job simply waits for its next
// tick. RunJobNow gives operators a synchronous trigger for any job.
package scheduler
