package policy

import (
	"errors"

	"github.com/casbin/casbin/v2/model"
	"github.com/casbin/casbin/v2/persist"

	"github.com/odyssey-erp/odyssey-access/internal/policystore"
)

// errSnapshotReadOnly is returned if casbin ever tries to write through the
// snapshot; writes go to the store and trigger a rebuild instead.
var errSnapshotReadOnly = errors.New("policy: snapshot adapter is read-only")

// snapshotAdapter feeds casbin a rule set that was read from the store with
// the caller's context.
type snapshotAdapter struct {
	rules []policystore.Rule
}

var _ persist.Adapter = (*snapshotAdapter)(nil)

func (a *snapshotAdapter) LoadPolicy(m model.Model) error {
	for _, r := range a.rules {
		if err := persist.LoadPolicyArray([]string{r.PType, r.V0, r.V1, r.V2}, m); err != nil {
			return err
		}
	}
	return nil
}

func (a *snapshotAdapter) SavePolicy(model.Model) error {
	return errSnapshotReadOnly
}

func (a *snapshotAdapter) AddPolicy(string, string, []string) error {
	return errSnapshotReadOnly
}

func (a *snapshotAdapter) RemovePolicy(string, string, []string) error {
	return errSnapshotReadOnly
}

func (a *snapshotAdapter) RemoveFilteredPolicy(string, string, int, ...string) error {
	return errSnapshotReadOnly
}

// rulesFromModel flattens the p, g and g2 assertions of a loaded model.
func rulesFromModel(m model.Model) ([]policystore.Rule, error) {
	var rules []policystore.Rule
	for _, ref := range []struct{ sec, ptype string }{
		{"p", policystore.PTypePolicy},
		{"g", policystore.PTypeUserRole},
		{"g", policystore.PTypeRoleGroup},
	} {
		ast, ok := m[ref.sec][ref.ptype]
		if !ok {
			continue
		}
		for _, line := range ast.Policy {
			rule, err := policystore.RuleFromValues(ref.ptype, line)
			if err != nil {
				return nil, err
			}
			rules = append(rules, rule)
		}
	}
	return rules, nil
}
