// Package manager owns the preview session lifecycle.
//
// A session moves creating -> active -> ended, with an error branch out
// of creating when provisioning fails. The manager is the only writer of
// the session ledger: the API and the scheduler both drive lifecycle
// changes through it. Provider and realtime failures are contained here
// so a flaky downstream never leaves the ledger lying about what exists.
package manager
