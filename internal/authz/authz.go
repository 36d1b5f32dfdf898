package authz

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/hearing-system/apiserver/types"
)

// Objects guarded by the policy.
const (
	ObjectSession      = "session"
	ObjectConsultation = "consultation"
)

// Actions on consultations.
const (
	ActionRead       = "read"
	ActionAnalyze    = "analyze"
	ActionCreate     = "create"
	ActionListOwn    = "list_own"
	ActionListRecent = "list_recent"
	ActionReadOwn    = "read_own"
	ActionReadAny    = "read_any"
	ActionResolve    = "resolve"
	ActionUpdateOwn  = "update_own"
)

const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && r.obj == p.obj && r.act == p.act
`

func defaultPolicy() [][]string {
	rules := [][]string{}
	for _, role := range []types.Role{types.RoleStudent, types.RoleTeacher, types.RoleTA, types.RoleExternalInstructor} {
		rules = append(rules, []string{string(role), ObjectSession, ActionRead})
	}
	for _, act := range []string{ActionAnalyze, ActionCreate, ActionListOwn, ActionReadOwn, ActionUpdateOwn} {
		rules = append(rules, []string{string(types.RoleStudent), ObjectConsultation, act})
	}
	for _, role := range []types.Role{types.RoleTeacher, types.RoleTA} {
		for _, act := range []string{ActionAnalyze, ActionListOwn, ActionListRecent, ActionReadAny, ActionResolve} {
			rules = append(rules, []string{string(role), ObjectConsultation, act})
		}
	}
	return rules
}

// Authorizer decides whether a role may perform an action on an object.
type Authorizer struct {
	enforcer *casbin.Enforcer
}

// New builds an Authorizer loaded with the built-in role policy.
func New() (*Authorizer, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("authz: load model: %w", err)
	}
	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("authz: new enforcer: %w", err)
	}
	if _, err := enforcer.AddPolicies(defaultPolicy()); err != nil {
		return nil, fmt.Errorf("authz: load policy: %w", err)
	}
	return &Authorizer{enforcer: enforcer}, nil
}

// Allowed reports whether role may perform act on obj. Evaluation errors deny.
func (a *Authorizer) Allowed(role types.Role, obj, act string) bool {
	ok, err := a.enforcer.Enforce(string(role), obj, act)
	return err == nil && ok
}
