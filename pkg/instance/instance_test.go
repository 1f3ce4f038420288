package instance

import "testing"

func TestRoleIsPrimary(t *testing.T) {
	cases := map[Role]bool{
		RoleRunningPrimary: true,
		RolePromoting:      true,
		RoleRunningReplica: false,
		RoleLaunching:      false,
		RoleZombie:         false,
		RoleTerminated:     false,
		RoleTerminating:    false,
	}
	for role, want := range cases {
		if got := role.IsPrimary(); got != want {
			t.Errorf("Role(%q).IsPrimary() = %v, want %v", role, got, want)
		}
	}
}

func TestInstanceIsPrimaryDerivesFromRole(t *testing.T) {
	i := Instance{Role: RoleRunningPrimary}
	if !i.IsPrimary() {
		t.Fatal("expected runningPrimary instance to report IsPrimary true")
	}
	i.Role = RoleZombie
	if i.IsPrimary() {
		t.Fatal("expected zombie instance to report IsPrimary false")
	}
}
