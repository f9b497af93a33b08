// Package engine orchestrates remediation runs.
//
// A run walks a fixed state machine: identify, diagnose, query_knowledge,
// generate_fixes, await_approval, execute, validate, learn, done. Each run is
// an independent goroutine; runs over different scopes never block each
// other, and await_approval is the only suspension point. While suspended the
// engine listens for approval queue events and polls queue status on a fixed
// interval as a fallback, bounded by a timeout that expires undecided
// proposals rather than discarding them.
//
// Any rejection skips execution for the whole run. A needs_more_info decision
// triggers exactly one re-diagnosis pass over the affected entities.
// Execution applies approved actions through the Executor collaborator,
// attempting the proposal's rollback action on failure, then validate
// health-checks affected entities after a settle delay. The learn step always
// runs and feeds every completed or failed proposal back into the learning
// store.
package engine
