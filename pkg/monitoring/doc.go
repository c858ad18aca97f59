// Package monitoring collects service telemetry into bounded in-memory
// rings and turns it into alerts.
//
// The Bus keeps the most recent 1000 metric samples and 500 events.
// Metric names with a declared threshold raise an alert when a sample
// crosses it, and error or critical events both raise an alert and are
// written to the session ledger so they survive restarts. Critical
// alerts are additionally pushed to an optional webhook sink.
//
// ExportPrometheus renders the latest sample of every metric series in
// the Prometheus text format for scraping through the control API.
package monitoring
