package cachestore

import (
	"reactor/internal/scope"
)

// Policy declares how a registry's cached values are partitioned. The zero
// value means the registry declared no policy: reads are bypassed and no
// pending-value protection applies, but results are still written for
// latest-value tracking.
type Policy int

const (
	PolicyUnset Policy = iota
	// PolicyGlobal shares one entry across all callers.
	PolicyGlobal
	// PolicySession partitions entries per session id.
	PolicySession
	// PolicyUser partitions entries per user id.
	PolicyUser
)

// Enabled reports whether caching (including pending-value protection) is on.
func (p Policy) Enabled() bool { return p != PolicyUnset }

func (p Policy) String() string {
	switch p {
	case PolicyGlobal:
		return "global"
	case PolicySession:
		return "session"
	case PolicyUser:
		return "user"
	default:
		return "unset"
	}
}

// ScopeKey derives the partition key for a caller under the policy. Global
// and unset policies ignore caller identity.
func ScopeKey(p Policy, c scope.Caller) string {
	switch p {
	case PolicySession:
		return "session:" + c.SessionID
	case PolicyUser:
		return "user:" + c.UserID
	default:
		return "global"
	}
}
