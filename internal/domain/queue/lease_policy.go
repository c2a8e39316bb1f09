// Package queue holds transport-neutral queue policy: how long a delivery is leased
// and how consumers are woken when a topic receives new messages.
package queue

import (
	"errors"
	"time"
)

// ErrInvalidDefaultLease indicates the configured default lease duration is not positive.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

// LeaseSource identifies how a lease duration was resolved.
type LeaseSource string

const (
	// LeaseSourceExplicit indicates the caller supplied a usable duration.
	LeaseSourceExplicit LeaseSource = "explicit"
	// LeaseSourceDefault indicates the default duration was used.
	LeaseSourceDefault LeaseSource = "default"
	// LeaseSourceClamped indicates the requested duration was pulled into [1s, max].
	LeaseSourceClamped LeaseSource = "clamped"
)

// LeasePolicy normalises lease durations for reservations and heartbeats.
type LeasePolicy struct {
	defaultLease time.Duration
	maxLease     time.Duration
}

// NewLeasePolicy constructs a LeasePolicy. A zero maxLease disables the upper bound.
func NewLeasePolicy(defaultLease, maxLease time.Duration) (*LeasePolicy, error) {
	if defaultLease <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	if maxLease > 0 && maxLease < defaultLease {
		maxLease = defaultLease
	}
	return &LeasePolicy{defaultLease: defaultLease, maxLease: maxLease}, nil
}

// Default returns the configured default lease duration.
func (p *LeasePolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.defaultLease
}

// LeaseDecision captures the outcome of resolving a lease request.
type LeaseDecision struct {
	Seconds   int
	Source    LeaseSource
	Requested time.Duration
}

// Duration returns the resolved lease as a time.Duration.
func (d LeaseDecision) Duration() time.Duration {
	return time.Duration(d.Seconds) * time.Second
}

// UsedDefault reports whether the policy fell back to the default lease.
func (d LeaseDecision) UsedDefault() bool {
	return d.Source == LeaseSourceDefault
}

// Clamped reports whether the requested value was adjusted.
func (d LeaseDecision) Clamped() bool {
	return d.Source == LeaseSourceClamped
}

// Resolve normalises the requested duration to whole seconds. Zero selects the default;
// sub-second and negative requests become one second.
func (p *LeasePolicy) Resolve(request time.Duration) LeaseDecision {
	decision := LeaseDecision{Requested: request, Source: LeaseSourceExplicit}
	if p == nil {
		decision.Source = LeaseSourceDefault
		return decision
	}

	lease := request
	if request == 0 {
		lease = p.defaultLease
		decision.Source = LeaseSourceDefault
	}

	seconds := int64(lease / time.Second)
	if seconds < 1 {
		seconds = 1
		decision.Source = LeaseSourceClamped
	}
	if p.maxLease > 0 && time.Duration(seconds)*time.Second > p.maxLease {
		seconds = int64(p.maxLease / time.Second)
		decision.Source = LeaseSourceClamped
	}
	decision.Seconds = int(seconds)
	return decision
}
