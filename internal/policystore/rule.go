// Package policystore persists access and grouping tuples for the policy enforcer.
package policystore

import (
	"errors"
	"fmt"
	"strings"
)

// Tuple kinds as they appear in the ptype column.
const (
	PTypePolicy    = "p"
	PTypeUserRole  = "g"
	PTypeRoleGroup = "g2"
)

// ErrInvalidRule indicates a tuple with an unknown kind or an empty position.
var ErrInvalidRule = errors.New("policystore: invalid rule")

// Rule is one persisted row.
//
// Policy rows read p, subjectRole, resourceObject, action.
// Grouping rows read g|g2, member, group, scope.
type Rule struct {
	PType string
	V0    string
	V1    string
	V2    string
}

// PolicyRule builds an allow tuple for a role.
func PolicyRule(role, object, action string) Rule {
	return Rule{PType: PTypePolicy, V0: role, V1: object, V2: action}
}

// UserRoleRule binds a user to a role inside one organization.
func UserRoleRule(userID, roleKey, organizationID string) Rule {
	return Rule{PType: PTypeUserRole, V0: userID, V1: roleKey, V2: organizationID}
}

// RoleGroupRule binds a role to a role (itself or a parent) inside a portal group.
func RoleGroupRule(member, group, portalGroup string) Rule {
	return Rule{PType: PTypeRoleGroup, V0: member, V1: group, V2: portalGroup}
}

// Section returns the casbin model section the rule belongs to.
func (r Rule) Section() string {
	if r.PType == PTypePolicy {
		return "p"
	}
	return "g"
}

// Values returns the positional values without the kind.
func (r Rule) Values() []string {
	return []string{r.V0, r.V1, r.V2}
}

// Validate checks the kind and that every position is filled.
func (r Rule) Validate() error {
	switch r.PType {
	case PTypePolicy, PTypeUserRole, PTypeRoleGroup:
	default:
		return fmt.Errorf("%w: unknown ptype %q", ErrInvalidRule, r.PType)
	}
	if strings.TrimSpace(r.V0) == "" || strings.TrimSpace(r.V1) == "" || strings.TrimSpace(r.V2) == "" {
		return fmt.Errorf("%w: %s", ErrInvalidRule, r)
	}
	return nil
}

// String renders the rule in policy CSV form.
func (r Rule) String() string {
	return strings.Join([]string{r.PType, r.V0, r.V1, r.V2}, ", ")
}

// RuleFromValues builds a rule from a casbin policy line without its kind.
func RuleFromValues(ptype string, values []string) (Rule, error) {
	if len(values) != 3 {
		return Rule{}, fmt.Errorf("%w: %s expects 3 values, got %d", ErrInvalidRule, ptype, len(values))
	}
	rule := Rule{PType: ptype, V0: values[0], V1: values[1], V2: values[2]}
	return rule, rule.Validate()
}

// Filter selects rules by position; empty fields match anything.
type Filter struct {
	V0 string
	V1 string
	V2 string
}

// Match reports whether the rule satisfies the filter.
func (f Filter) Match(r Rule) bool {
	return (f.V0 == "" || f.V0 == r.V0) &&
		(f.V1 == "" || f.V1 == r.V1) &&
		(f.V2 == "" || f.V2 == r.V2)
}

func (f Filter) empty() bool {
	return f.V0 == "" && f.V1 == "" && f.V2 == ""
}

func validateAll(rules []Rule) error {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// dedupe drops repeated rules while keeping order.
func dedupe(rules []Rule) []Rule {
	seen := make(map[Rule]struct{}, len(rules))
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// lockKey identifies the grouping scope a replace operation serializes on.
func lockKey(ptype, member, scope string) string {
	return ptype + "|" + member + "|" + scope
}
