// Package memoryhost provides an in-memory sessions.SessionHost for
// single-process bridges and tests. All state is discarded on exit.
//
// Characteristics
//
//	Durability  : none (RAM only)
//	Ordering    : per-session, publish order
//	Retention   : undelivered messages only, at most MaxPending per session
//	Event ids   : monotonic decimal strings, unique across sessions
//
// Example:
//
//	host := memoryhost.New()
//	reg := sessions.NewRegistry(host)
package memoryhost
