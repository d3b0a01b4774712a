// Package permission decides whether a tool call may run automatically, must be
// confirmed by the user, or is blocked. The decision table below is the only
// place policies are defined; overlays in gate.go can tighten its result but
// never relax it.
package permission

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPolicyBlocked is reported for calls the active policy refuses to run.
var ErrPolicyBlocked = errors.New("blocked by policy")

// ErrUnknownPolicy is returned by ParsePolicy for names outside the enum.
var ErrUnknownPolicy = errors.New("unknown approval policy")

// Policy is the active approval policy of a session.
type Policy string

const (
	PolicyYolo      Policy = "yolo"
	PolicyAuto      Policy = "auto"
	PolicyAutoEdit  Policy = "auto-edit"
	PolicyOnRequest Policy = "on-request"
	PolicyNever     Policy = "never"
)

// Policies lists every policy in display order.
var Policies = []Policy{PolicyYolo, PolicyAuto, PolicyAutoEdit, PolicyOnRequest, PolicyNever}

// ParsePolicy converts a config or command string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := decisionTable[p]; !ok {
		return "", fmt.Errorf("%w: %q (want one of %s)", ErrUnknownPolicy, s, policyNames())
	}
	return p, nil
}

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	_, ok := decisionTable[p]
	return ok
}

func policyNames() string {
	names := make([]string, len(Policies))
	for i, p := range Policies {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}

// Class is the approval-relevant classification of a single tool call.
type Class int

const (
	ClassReadOnly     Class = iota // no side effects
	ClassMutating                  // creates, deletes or runs something
	ClassEditExisting              // mutating, limited to editing a file that already exists
)

func (c Class) String() string {
	switch c {
	case ClassReadOnly:
		return "read-only"
	case ClassMutating:
		return "mutating"
	case ClassEditExisting:
		return "edit-existing-file"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Mutating reports whether the class has side effects.
func (c Class) Mutating() bool { return c != ClassReadOnly }

// Decision is the outcome of an approval check. Values are ordered by strictness.
type Decision int

const (
	Auto    Decision = iota // run without asking
	Confirm                 // ask the user first
	Block                   // refuse without running
)

func (d Decision) String() string {
	switch d {
	case Auto:
		return "auto"
	case Confirm:
		return "requires-confirmation"
	case Block:
		return "blocked"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// decisionTable is indexed by Class.
var decisionTable = map[Policy][3]Decision{
	PolicyYolo:      {Auto, Auto, Auto},
	PolicyAuto:      {Auto, Confirm, Confirm},
	PolicyAutoEdit:  {Auto, Confirm, Auto},
	PolicyOnRequest: {Confirm, Confirm, Confirm},
	PolicyNever:     {Auto, Block, Block},
}

// Decide returns the table decision for a policy and class.
// Unknown policies and classes block.
func Decide(p Policy, c Class) Decision {
	row, ok := decisionTable[p]
	if !ok || c < ClassReadOnly || c > ClassEditExisting {
		return Block
	}
	return row[c]
}
