package token

import "testing"

func TestKindForOperation(t *testing.T) {
	cases := []struct {
		op OpClass
		want Kind
	}{
		{OpClassTenantRead, KindApplication},
		{OpClassChatSubscription, KindApplication},
		{OpClassChannelSubscription, KindApplication},
		{OpClassTask, KindDelegated},
		{OpClassCalendar, KindDelegated},
		{OpClassMail, KindDelegated},
		{OpClassUserRead, KindDelegated},
		{OpClass("something_unknown"), KindDelegated},
	}
	for _, c := range cases {
		if got := KindForOperation(c.op); got != c.want {
			t.Errorf("KindForOperation(%s) = %s, want %s", c.op, got, c.want)
		}
	}
}

func TestMFAErrorMessage(t *testing.T) {
	err := &MFAError{Detail: "interactive sign-in required"}
	if err.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
}
