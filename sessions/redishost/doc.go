// Package redishost implements sessions.Host on Redis so that several bridge
// replicas behind a load balancer recognise each other's sessions.
//
// Design Notes
//   - Records: JSON blob per session at <prefix>session:<id>, expiring after TTL
//   - Activity: sorted set <prefix>activity scored by last activity (unix ms),
//     which backs Stale and Count
//   - Touch refreshes both the score and the record's expiry
//
// A record that expires on its own leaves a dangling activity entry; Stale
// reports it, and deleting it through the Manager removes it.
package redishost
