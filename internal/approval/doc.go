// Package approval coordinates tool-approval requests raised inside a
// streaming turn with the decisions that arrive later on separate requests.
//
// A request is resolved exactly once, by whichever comes first: a client
// decision (allow, deny, always), the configured timeout (deny) or a
// session-wide interrupt. The package also classifies tool calls as
// dangerous so clients can highlight them.
package approval
