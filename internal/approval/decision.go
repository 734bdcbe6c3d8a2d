package approval

import (
	"errors"
	"fmt"
	"strings"
)

// Decision is the outcome of a pending approval.
type Decision string

const (
	Allow  Decision = "allow"
	Deny   Decision = "deny"
	Always Decision = "always"
	// Interrupt is produced by the system when the session is aborted.
	// Clients cannot submit it.
	Interrupt Decision = "interrupt"
)

// ErrInvalidDecision is returned for decisions a client may not submit.
var ErrInvalidDecision = errors.New("decision must be one of allow, deny, always")

// ParseClientDecision validates a decision received from a client.
func ParseClientDecision(s string) (Decision, error) {
	d := Decision(strings.TrimSpace(s))
	if !d.IsClientDecision() {
		return "", fmt.Errorf("%w: %q", ErrInvalidDecision, s)
	}
	return d, nil
}

// IsClientDecision reports whether d may be submitted through the approve endpoint.
func (d Decision) IsClientDecision() bool {
	switch d {
	case Allow, Deny, Always:
		return true
	}
	return false
}

// Allows reports whether the tool call may proceed.
func (d Decision) Allows() bool {
	return d == Allow || d == Always
}

// Cause records what resolved an approval.
type Cause string

const (
	CauseClient    Cause = "client"
	CauseTimeout   Cause = "timeout"
	CauseInterrupt Cause = "interrupt"
	// CauseCancelled is used when the waiting turn went away first.
	CauseCancelled Cause = "cancelled"
)
