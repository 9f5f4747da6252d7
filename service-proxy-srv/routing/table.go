// Package routing holds the gateway's rule table and the matching
// algorithm. It does no I/O.
package routing

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// PriorityNormal is the priority of rules registered without one. Larger
// values take precedence.
const PriorityNormal = 0

// Rule maps requests (method + path) to an Action.
type Rule struct {
	ID       string
	Method   Method
	Path     PathPattern
	Priority int
	Sequence uint64 // assigned by the table, later registrations are larger
	Action   Action
}

// InvalidRuleError is returned by Register when a rule is rejected.
type InvalidRuleError struct {
	RuleID string
	Reason string
	Err    error
}

func (e *InvalidRuleError) Error() string {
	msg := fmt.Sprintf("invalid rule %q: %s", e.RuleID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidRuleError) Unwrap() error {
	return e.Err
}

// Table is an ordered set of rules, unique by ID. Match is lock-free and
// always sees a complete snapshot; writers serialise on a mutex and
// publish a freshly sorted copy.
type Table struct {
	mu      sync.Mutex
	seq     uint64
	current atomic.Pointer[[]Rule]
}

// NewTable returns an empty table.
func NewTable() *Table {
	t := &Table{}
	empty := []Rule{}
	t.current.Store(&empty)
	return t
}

func (t *Table) snapshot() []Rule {
	if p := t.current.Load(); p != nil {
		return *p
	}
	return nil
}

// Register validates rule, assigns its sequence number and publishes it.
// The returned Rule is the stored one.
func (t *Table) Register(rule Rule) (Rule, error) {
	if rule.ID == "" {
		return Rule{}, &InvalidRuleError{Reason: "rule id is empty"}
	}
	if rule.Action == nil {
		return Rule{}, &InvalidRuleError{RuleID: rule.ID, Reason: "rule has no action"}
	}
	switch a := rule.Action.(type) {
	case *ProxyAction:
		if a == nil {
			return Rule{}, &InvalidRuleError{RuleID: rule.ID, Reason: "rule has no action"}
		}
		rule.Action = *a
	case *StaticAction:
		if a == nil {
			return Rule{}, &InvalidRuleError{RuleID: rule.ID, Reason: "rule has no action"}
		}
		rule.Action = *a
	case *DescribeAction:
		rule.Action = DescribeAction{}
	}
	if pa, ok := rule.Action.(ProxyAction); ok {
		if reason := validateTarget(pa.Target); reason != "" {
			return Rule{}, &InvalidRuleError{RuleID: rule.ID, Reason: reason}
		}
	}
	if rule.Method == "" {
		rule.Method = MethodAny
	}

	compiled, err := rule.Path.compile()
	if err != nil {
		return Rule{}, &InvalidRuleError{RuleID: rule.ID, Reason: "path pattern does not compile", Err: err}
	}
	rule.Path = compiled

	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.snapshot()
	for _, r := range old {
		if r.ID == rule.ID {
			return Rule{}, &InvalidRuleError{RuleID: rule.ID, Reason: "duplicate rule id"}
		}
	}

	t.seq++
	rule.Sequence = t.seq

	next := make([]Rule, 0, len(old)+1)
	next = append(next, old...)
	next = append(next, rule)
	sortRules(next)
	t.current.Store(&next)

	return rule, nil
}

// Unregister removes the rule with the given ID and reports whether it
// existed.
func (t *Table) Unregister(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.snapshot()
	idx := -1
	for i, r := range old {
		if r.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	next := make([]Rule, 0, len(old)-1)
	next = append(next, old[:idx]...)
	next = append(next, old[idx+1:]...)
	t.current.Store(&next)
	return true
}

// Match returns the highest-priority rule matching method and path. Ties
// go to the most recently registered rule.
func (t *Table) Match(method, path string) (Rule, bool) {
	for _, r := range t.snapshot() {
		if r.Method.Matches(method) && r.Path.Match(path) {
			return r, true
		}
	}
	return Rule{}, false
}

// Rules returns the rules in match order. The slice is a copy.
func (t *Table) Rules() []Rule {
	snap := t.snapshot()
	out := make([]Rule, len(snap))
	copy(out, snap)
	return out
}

// Len returns the number of registered rules.
func (t *Table) Len() int {
	return len(t.snapshot())
}

// Has reports whether a rule with id is registered.
func (t *Table) Has(id string) bool {
	for _, r := range t.snapshot() {
		if r.ID == id {
			return true
		}
	}
	return false
}

// sortRules orders by priority, then sequence, both descending.
func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].Sequence > rules[j].Sequence
	})
}
