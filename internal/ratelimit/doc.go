// Package ratelimit throttles conversation turns per tenant and user.
//
// Counters live in Redis so every gateway replica enforces the same quota.
package ratelimit
