// Package policy implements the Security Policy: a pure function of role,
// cognitive mode, and operation. It never touches the filesystem or a
// store — it only ever returns a decision.
package policy

import (
	"github.com/expr-lang/expr"
	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
)

type Operation string

const (
	OpReadPublic    Operation = "read-public"
	OpReadProfile   Operation = "read-profile"
	OpWriteProfile  Operation = "write-profile"
	OpMutateConfig  Operation = "mutate-config"
	OpStartAgent    Operation = "start-agent"
	OpRunOperator   Operation = "run-operator"
	OpManageUsers   Operation = "manage-users"
)

type Decision struct {
	Allow  bool
	Reason string
}

func allow() Decision { return Decision{Allow: true} }
func deny(reason string) Decision { return Decision{Allow: false, Reason: reason} }

// table holds the fixed matrix from §4.C as a function of role; mode
// overrides are applied afterwards in Decide.
func table(role models.Role, op Operation) Decision {
	switch op {
	case OpReadPublic:
		return allow()
	case OpReadProfile:
		if role == models.RoleAnonymous {
			return deny("authentication_required")
		}
		return allow()
	case OpWriteProfile:
		if role == models.RoleOwner || role == models.RoleStandard {
			return allow()
		}
		return deny("role_not_permitted")
	case OpMutateConfig:
		if role == models.RoleOwner {
			return allow()
		}
		return deny("role_not_permitted")
	case OpStartAgent:
		if role == models.RoleOwner {
			return allow()
		}
		return deny("role_not_permitted")
	case OpRunOperator:
		if role == models.RoleOwner {
			return allow()
		}
		return deny("role_not_permitted")
	case OpManageUsers:
		if role == models.RoleOwner {
			return allow()
		}
		return deny("role_not_permitted")
	default:
		return deny("unknown_operation")
	}
}

// effectiveMode pins guest/anonymous sessions to emulation regardless of
// the process-wide mode, per §4.C.
func effectiveMode(role models.Role, mode models.CognitiveMode) models.CognitiveMode {
	if role == models.RoleGuest || role == models.RoleAnonymous {
		return models.ModeEmulation
	}
	return mode
}

// Decide is the pure decision function: (role, cognitiveMode, operation) ->
// allow | deny-with-reason.
func Decide(role models.Role, mode models.CognitiveMode, op Operation) Decision {
	eff := effectiveMode(role, mode)

	d := table(role, op)
	if !d.Allow {
		return d
	}

	if eff == models.ModeHighSecurity {
		if op == OpReadPublic || op == OpReadProfile {
			return allow()
		}
		return deny("mode_high_security")
	}

	switch op {
	case OpWriteProfile:
		if eff == models.ModeEmulation {
			return deny("mode_read_only")
		}
	case OpMutateConfig:
		if eff == models.ModeHighSecurity {
			return deny("mode_high_security")
		}
	case OpRunOperator:
		if eff != models.ModeAgent {
			return deny("mode_requires_agent")
		}
	}

	return allow()
}

// SupplementalRule is an optional, read-only extra deny rule. It can only
// narrow permissions granted by the fixed table above, never widen them.
// Expression is evaluated against {role, mode, operation} and must yield a
// bool; true means "deny". Rules reach ApplySupplemental only through its
// caller: nothing loads them from etc/policy.json, and PolicyGate applies
// the fixed table alone.
type SupplementalRule struct {
	Name       string `json:"name"`
	Expression string `json:"expr"`
	Reason     string `json:"reason"`
}

// ApplySupplemental evaluates additional operator-authored deny rules after
// the fixed table has already allowed the operation.
func ApplySupplemental(d Decision, rules []SupplementalRule, role models.Role, mode models.CognitiveMode, op Operation) Decision {
	if !d.Allow || len(rules) == 0 {
		return d
	}
	env := map[string]interface{}{
		"role":      string(role),
		"mode":      string(mode),
		"operation": string(op),
	}
	for _, r := range rules {
		program, err := expr.Compile(r.Expression, expr.Env(env))
		if err != nil {
			continue // malformed operator rule never widens/crashes the request
		}
		out, err := expr.Run(program, env)
		if err != nil {
			continue
		}
		if b, ok := out.(bool); ok && b {
			reason := r.Reason
			if reason == "" {
				reason = "policy_override:" + r.Name
			}
			return deny(reason)
		}
	}
	return d
}
