// Package dedupe suppresses replayed writes using a time-bounded fingerprint cache.
//
// The gateway marks each /history/update payload by fingerprint; an identical
// payload arriving again within the TTL is acknowledged without being stored twice.
package dedupe
