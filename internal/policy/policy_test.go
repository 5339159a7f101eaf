package policy_test

import (
	"testing"

	"github.com/metahuman/metahuman-os/control-plane/internal/policy"
	"github.com/metahuman/metahuman-os/control-plane/pkg/models"
)

func TestDecide_AnonymousReadPublicAllowed(t *testing.T) {
	d := policy.Decide(models.RoleAnonymous, models.ModeDualConsciousness, policy.OpReadPublic)
	if !d.Allow {
		t.Errorf("Decide(anonymous, read-public) = deny(%q), want allow", d.Reason)
	}
}

func TestDecide_AnonymousReadProfileDenied(t *testing.T) {
	d := policy.Decide(models.RoleAnonymous, models.ModeDualConsciousness, policy.OpReadProfile)
	if d.Allow {
		t.Error("Decide(anonymous, read-profile) = allow, want deny")
	}
	if d.Reason != "authentication_required" {
		t.Errorf("Reason = %q, want %q", d.Reason, "authentication_required")
	}
}

func TestDecide_StandardMutateConfigDenied(t *testing.T) {
	d := policy.Decide(models.RoleStandard, models.ModeDualConsciousness, policy.OpMutateConfig)
	if d.Allow {
		t.Error("Decide(standard, mutate-config) = allow, want deny")
	}
}

func TestDecide_OwnerMutateConfigAllowed(t *testing.T) {
	d := policy.Decide(models.RoleOwner, models.ModeDualConsciousness, policy.OpMutateConfig)
	if !d.Allow {
		t.Errorf("Decide(owner, mutate-config) = deny(%q), want allow", d.Reason)
	}
}

func TestDecide_HighSecurityModeDeniesWrites(t *testing.T) {
	d := policy.Decide(models.RoleOwner, models.ModeHighSecurity, policy.OpWriteProfile)
	if d.Allow {
		t.Error("Decide(owner, high-security, write-profile) = allow, want deny")
	}
	if d.Reason != "mode_high_security" {
		t.Errorf("Reason = %q, want %q", d.Reason, "mode_high_security")
	}
}

func TestDecide_HighSecurityModeStillAllowsReads(t *testing.T) {
	d := policy.Decide(models.RoleOwner, models.ModeHighSecurity, policy.OpReadProfile)
	if !d.Allow {
		t.Errorf("Decide(owner, high-security, read-profile) = deny(%q), want allow", d.Reason)
	}
}

func TestDecide_EmulationModeDeniesWrite(t *testing.T) {
	d := policy.Decide(models.RoleStandard, models.ModeEmulation, policy.OpWriteProfile)
	if d.Allow {
		t.Error("Decide(standard, emulation, write-profile) = allow, want deny")
	}
}

func TestDecide_GuestCannotWriteProfile(t *testing.T) {
	d := policy.Decide(models.RoleGuest, models.ModeDualConsciousness, policy.OpWriteProfile)
	if d.Allow {
		t.Error("Decide(guest, dual-consciousness, write-profile) = allow, want deny")
	}
}

func TestDecide_RunOperatorRequiresAgentMode(t *testing.T) {
	d := policy.Decide(models.RoleOwner, models.ModeDualConsciousness, policy.OpRunOperator)
	if d.Allow {
		t.Error("Decide(owner, dual-consciousness, run-operator) = allow, want deny")
	}
	if d.Reason != "mode_requires_agent" {
		t.Errorf("Reason = %q, want %q", d.Reason, "mode_requires_agent")
	}

	d = policy.Decide(models.RoleOwner, models.ModeAgent, policy.OpRunOperator)
	if !d.Allow {
		t.Errorf("Decide(owner, agent, run-operator) = deny(%q), want allow", d.Reason)
	}
}

func TestApplySupplemental_NarrowsAllowedDecision(t *testing.T) {
	base := policy.Decide(models.RoleOwner, models.ModeDualConsciousness, policy.OpMutateConfig)
	rules := []policy.SupplementalRule{
		{Name: "no-config-for-owner", Expression: `role == "owner"`, Reason: "operator_override"},
	}
	got := policy.ApplySupplemental(base, rules, models.RoleOwner, models.ModeDualConsciousness, policy.OpMutateConfig)
	if got.Allow {
		t.Error("ApplySupplemental with a matching deny rule = allow, want deny")
	}
	if got.Reason != "operator_override" {
		t.Errorf("Reason = %q, want %q", got.Reason, "operator_override")
	}
}

func TestApplySupplemental_NeverWidensADeniedDecision(t *testing.T) {
	base := policy.Decide(models.RoleStandard, models.ModeDualConsciousness, policy.OpMutateConfig)
	rules := []policy.SupplementalRule{
		{Name: "always-false", Expression: `false`},
	}
	got := policy.ApplySupplemental(base, rules, models.RoleStandard, models.ModeDualConsciousness, policy.OpMutateConfig)
	if got.Allow {
		t.Error("ApplySupplemental must never widen an already-denied decision")
	}
}

func TestApplySupplemental_MalformedRuleIgnored(t *testing.T) {
	base := policy.Decide(models.RoleOwner, models.ModeDualConsciousness, policy.OpMutateConfig)
	rules := []policy.SupplementalRule{
		{Name: "broken", Expression: `role ===`},
	}
	got := policy.ApplySupplemental(base, rules, models.RoleOwner, models.ModeDualConsciousness, policy.OpMutateConfig)
	if !got.Allow {
		t.Error("a malformed supplemental rule must never crash or deny the request")
	}
}
