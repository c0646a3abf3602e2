// Package redishost implements sessions.SessionHost on Redis Streams. The
// queues outlive the bridge process's memory pressure and restarts within
// StreamTTL, but sessions themselves are process-local: the registry, the
// in-flight table and the child all live in one bridge process.
//
// Each session is one stream key. PublishSession is XADD with an approximate
// MAXLEN and a sliding EXPIRE; SubscribeSession polls XREAD with a short
// BLOCK from the start of the stream and XDELs each entry once it has been
// handled, so the stream only holds undelivered messages. Event ids are the
// Redis stream ids.
//
// Example:
//
//	host, err := redishost.NewFromEnv()
//	if err != nil { ... }
//	defer host.Close()
package redishost
