package models

import "testing"

func TestEntitlementStateGroup(t *testing.T) {
	cases := []struct {
		state EntitlementState
		want  AccessGroup
	}{
		{StateTrial, AccessGranted},
		{StateActive, AccessGranted},
		{StateExpired, AccessNone},
		{StateRevoked, AccessNone},
		{StateRefunded, AccessNone},
		{StateGracePeriod, AccessAtRisk},
		{StateBillingRetry, AccessAtRisk},
		{StatePastDue, AccessAtRisk},
		{StatePaused, AccessNeutral},
		{StateInactive, AccessNeutral},
	}
	for _, tc := range cases {
		if got := tc.state.Group(); got != tc.want {
			t.Errorf("Group(%s) = %s, want %s", tc.state, got, tc.want)
		}
	}
}

func TestSourceValid(t *testing.T) {
	for _, s := range AllSources {
		if !s.Valid() {
			t.Errorf("expected %s to be valid", s)
		}
	}
	if Source("paypal").Valid() {
		t.Error("expected unknown source to be invalid")
	}
}

func TestValidSlug(t *testing.T) {
	valid := []string{"acme", "acme-corp", "a1b", "my-org-42"}
	for _, s := range valid {
		if !ValidSlug(s) {
			t.Errorf("expected %q to be valid", s)
		}
	}
	invalid := []string{"", "ab", "-acme", "acme-", "Acme", "a b", "a_b", string(make([]byte, 65))}
	for _, s := range invalid {
		if ValidSlug(s) {
			t.Errorf("expected %q to be invalid", s)
		}
	}
}
