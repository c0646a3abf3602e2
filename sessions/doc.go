// Package sessions tracks the browser sessions attached to the bridge.
//
// A Registry hands out unguessable session ids, remembers when each session
// was created and last active, and owns one ordered outbound stream per
// session. Streams live in a SessionHost so the same registry code runs on
// process memory (memoryhost) or Redis Streams (redishost).
//
// Delivery is ordered per session: messages published to one session are
// observed by its subscriber in publish order. There is no ordering across
// sessions. A message is dropped from the host once its subscriber has
// handled it, so a host only holds what has not been written to a stream
// yet.
//
// Closing a session is idempotent. After Close, Lookup and Deliver report
// ErrSessionNotFound and the session's stream is removed from the host.
package sessions
